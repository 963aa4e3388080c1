package cli

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgate/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show and change the stored configuration overrides",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets redacted",
		Run:   runConfigShow,
	}

	setCmd := &cobra.Command{
		Use:   "set [json]",
		Short: "Store configuration overrides (reads stdin when no argument is given)",
		Long: "Overrides replace whole sections of the base configuration, for example:\n" +
			`  memgate config set '{"llm":{"provider":"anthropic","config":{"model":"claude-3-5-haiku-latest","api_key":"env:ANTHROPIC_API_KEY"}}}'` + "\n" +
			"Set vector_store to {\"provider\":\"disabled\"} to force basic mode.",
		Args: cobra.MaximumNArgs(1),
		Run:  runConfigSet,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Remove the stored overrides",
		Run:   runConfigReset,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Build the memory client and report its mode",
		Run:   runStatus,
	}

	configCmd.AddCommand(showCmd, setCmd, resetCmd)
	RootCmd.AddCommand(configCmd, statusCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	base, err := baseConfig()
	if err != nil {
		exitErr("load config", err)
	}
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	data, err := s.LoadOverrides(cmd.Context())
	if err != nil {
		s.Close()
		exitErr("load overrides", err)
	}
	effective, err := config.Merge(base, data)
	if err != nil {
		s.Close()
		exitErr("merge overrides", err)
	}
	printJSON(cmd, map[string]any{
		"hash":      effective.Hash(),
		"overrides": len(data) > 0,
		"config":    effective.Redacted(),
	})
}

func runConfigSet(cmd *cobra.Command, args []string) {
	var data []byte
	if len(args) == 1 {
		data = []byte(args[0])
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		data = []byte(strings.TrimSpace(string(b)))
	}
	if _, err := config.ParseOverrides(data); err != nil {
		exitErr("config", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.SaveOverrides(cmd.Context(), data); err != nil {
		s.Close()
		exitErr("save overrides", err)
	}
	printJSON(cmd, map[string]any{"ok": true})
}

func runConfigReset(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.ClearOverrides(cmd.Context()); err != nil {
		s.Close()
		exitErr("clear overrides", err)
	}
	printJSON(cmd, map[string]any{"ok": true})
}

func runStatus(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	out := map[string]any{}
	if _, err := a.sessions.Obtain(cmd.Context()); err != nil {
		out["error"] = err.Error()
	}
	out["mode"] = a.sessions.Mode()
	out["indexes_pending"] = a.sessions.IndexesPending()
	printJSON(cmd, out)
}
