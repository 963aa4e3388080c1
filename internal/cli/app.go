package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Manage calling applications",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the user's apps",
		Run:   runAppList,
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause an app: it can no longer add, read or delete memories",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { runAppActive(cmd, args[0], false) },
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused app",
		Args:  cobra.ExactArgs(1),
		Run:   func(cmd *cobra.Command, args []string) { runAppActive(cmd, args[0], true) },
	}

	appCmd.AddCommand(listCmd, pauseCmd, resumeCmd)
	RootCmd.AddCommand(appCmd)
}

func runAppList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	apps, err := s.ListApps(cmd.Context(), identity().UserID)
	if err != nil {
		s.Close()
		exitErr("list apps", err)
	}
	printJSON(cmd, apps)
}

func runAppActive(cmd *cobra.Command, name string, active bool) {
	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("open", err)
	}
	user := identity().UserID
	pause := a.handlers.PauseApp
	if active {
		pause = a.handlers.ResumeApp
	}
	app, err := pause(cmd.Context(), user, name)
	a.Close()
	if err != nil {
		exitErr("app", err)
	}
	printJSON(cmd, app)
}
