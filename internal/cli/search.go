package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search accessible memories",
		Long:  "Rank the user's memories the app may access against a query. Falls back to a direct vector query, then to an empty result.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	printJSON(cmd, a.handlers.Search(cmd.Context(), identity(), strings.Join(args, " ")))
}
