package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memgate/internal/model"
	"github.com/rcliao/memgate/internal/store"
)

func init() {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and change single memories",
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runMemoryShow,
	}

	for _, s := range []struct {
		use   string
		short string
		state model.State
	}{
		{"pause <id>", "Pause a memory so no app can read it", model.StatePaused},
		{"archive <id>", "Archive a memory", model.StateArchived},
		{"activate <id>", "Make a paused or archived memory active again", model.StateActive},
	} {
		state := s.state
		cmd := &cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				runMemoryState(cmd, args[0], state)
			},
		}
		cmd.Flags().String("reason", "", "Reason recorded in the history")
		memoryCmd.AddCommand(cmd)
	}

	historyCmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the state history of a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runHistory,
	}

	memoryCmd.AddCommand(showCmd)
	RootCmd.AddCommand(memoryCmd, historyCmd)
}

func runMemoryShow(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	m, err := s.Get(cmd.Context(), args[0])
	if err == nil && m.UserID != identity().UserID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.Close()
		exitErr("show", err)
	}
	printJSON(cmd, m)
}

func runMemoryState(cmd *cobra.Command, id string, state model.State) {
	reason, _ := cmd.Flags().GetString("reason")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	m, err := a.handlers.SetMemoryState(cmd.Context(), identity(), id, state, reason)
	a.Close()
	if err != nil {
		exitErr(string(state), err)
	}
	printJSON(cmd, m)
}

func runHistory(cmd *cobra.Command, args []string) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	history, err := a.handlers.History(cmd.Context(), identity(), args[0])
	a.Close()
	if err != nil {
		exitErr("history", err)
	}
	printJSON(cmd, history)
}
