package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every memory the app may access",
		Long:  "Soft-delete the user's accessible memories. Each one keeps its history and gets a delete_all access log entry.",
		Run:   runDeleteAll,
	}

	RootCmd.AddCommand(cmd)
}

func runDeleteAll(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	resp := a.handlers.DeleteAll(cmd.Context(), identity())
	a.Close()

	printJSON(cmd, resp)
	if !resp.Success {
		os.Exit(1)
	}
}
