package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Add memories from text",
		Long:  "Extract memories from text and record them. Text can be a positional arg or piped via stdin.",
		Run:   runAdd,
	}

	RootCmd.AddCommand(cmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	text := strings.Join(args, " ")
	if text == "" {
		text = readStdin()
	}
	if strings.TrimSpace(text) == "" {
		exitErr("add", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	resp := a.handlers.Add(cmd.Context(), identity(), strings.TrimSpace(text))
	a.Close()

	printJSON(cmd, resp)
	if !resp.Success {
		os.Exit(1)
	}
}

// readStdin returns piped input, or "" when stdin is a terminal.
func readStdin() string {
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return ""
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		exitErr("read stdin", err)
	}
	return string(b)
}
