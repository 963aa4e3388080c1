package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgate/internal/model"
)

func init() {
	aclCmd := &cobra.Command{
		Use:   "acl",
		Short: "Manage app access rules",
		Long: "Rules grant or deny an app access to a memory or a category.\n" +
			"Omit --memory and --category to match every memory. Deny wins over allow.",
	}

	allowCmd := &cobra.Command{
		Use:   "allow",
		Short: "Allow the app to access memories",
		Run:   func(cmd *cobra.Command, args []string) { runACLAdd(cmd, model.EffectAllow) },
	}
	denyCmd := &cobra.Command{
		Use:   "deny",
		Short: "Deny the app access to memories",
		Run:   func(cmd *cobra.Command, args []string) { runACLAdd(cmd, model.EffectDeny) },
	}
	for _, c := range []*cobra.Command{allowCmd, denyCmd} {
		c.Flags().String("memory", "", "Memory id the rule applies to")
		c.Flags().String("category", "", "Category name the rule applies to")
		c.Flags().Bool("all-apps", false, "Apply the rule to every app")
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List access rules",
		Run:   runACLList,
	}

	rmCmd := &cobra.Command{
		Use:   "rm <rule-id>",
		Short: "Remove an access rule",
		Args:  cobra.ExactArgs(1),
		Run:   runACLRemove,
	}

	aclCmd.AddCommand(allowCmd, denyCmd, listCmd, rmCmd)
	RootCmd.AddCommand(aclCmd)
}

func runACLAdd(cmd *cobra.Command, effect model.Effect) {
	memoryID, _ := cmd.Flags().GetString("memory")
	category, _ := cmd.Flags().GetString("category")
	allApps, _ := cmd.Flags().GetBool("all-apps")
	if memoryID != "" && category != "" {
		exitErr("acl", errors.New("--memory and --category are exclusive"))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rule := model.AccessRule{SubjectType: model.SubjectApp, ObjectType: model.ObjectMemory, Effect: effect}
	if !allApps {
		id := identity()
		if id.App == "" {
			s.Close()
			exitErr("acl", errors.New("--app is required unless --all-apps is set"))
		}
		app, err := s.GetOrCreateApp(cmd.Context(), id.UserID, id.App)
		if err != nil {
			s.Close()
			exitErr("resolve app", err)
		}
		rule.SubjectID = &app.ID
	}
	switch {
	case memoryID != "":
		rule.ObjectID = &memoryID
	case category != "":
		rule.ObjectType = model.ObjectCategory
		rule.ObjectID = &category
	}

	created, err := s.AddRule(cmd.Context(), rule)
	if err != nil {
		s.Close()
		exitErr("add rule", err)
	}
	printJSON(cmd, created)
}

func runACLList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rules, err := s.ListRules(cmd.Context())
	if err != nil {
		s.Close()
		exitErr("list rules", err)
	}
	printJSON(cmd, rules)
}

func runACLRemove(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.DeleteRule(cmd.Context(), args[0]); err != nil {
		s.Close()
		exitErr("remove rule", err)
	}
	printJSON(cmd, map[string]any{"ok": true, "removed": args[0]})
}
