package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the user's memories with their history as JSON",
		Run:   runExport,
	}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Add one memory per non-empty line of a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(exportCmd, importCmd)
}

func runExport(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	memories, err := s.ExportAll(cmd.Context(), identity().UserID)
	if err != nil {
		s.Close()
		exitErr("export", err)
	}
	printJSON(cmd, memories)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open file", err)
		}
		defer f.Close()
		r = f
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	defer a.Close()

	id := identity()
	var processed, failed int
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		resp := a.handlers.Add(cmd.Context(), id, line)
		if !resp.Success {
			failed++
			fmt.Fprintf(os.Stderr, "skip %q: %s\n", line, resp.Error)
			continue
		}
		processed += len(resp.Memories)
	}
	if err := sc.Err(); err != nil {
		exitErr("read input", err)
	}
	printJSON(cmd, map[string]any{"ok": failed == 0, "processed": processed, "failed": failed})
}
