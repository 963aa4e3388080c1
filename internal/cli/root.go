// Package cli implements the memgate CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgate/internal/config"
	"github.com/rcliao/memgate/internal/gateway"
	"github.com/rcliao/memgate/internal/session"
	"github.com/rcliao/memgate/internal/store"
)

var (
	dbPath      string
	configPath  string
	userFlag    string
	appFlag     string
	logLevel    string
	defaultDeny bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memgate",
	Short: "Memory gateway for AI applications",
	Long: "Store, search, list and delete per-user memories on behalf of client applications.\n" +
		"Lifecycle and audit trail live in SQLite; ranking uses an embedded vector index when available.",
	SilenceUsage: true,
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&dbPath, "db", "d", "", "Database path (default: $MEMGATE_DB or ~/.memgate/memgate.db)")
	pf.StringVarP(&configPath, "config", "c", "", "YAML config file applied over the defaults")
	pf.StringVarP(&userFlag, "user", "u", "", "Accessor user id (default: $MEMGATE_USER or $USER)")
	pf.StringVarP(&appFlag, "app", "a", "", "Calling application (default: $MEMGATE_APP)")
	pf.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	pf.BoolVar(&defaultDeny, "default-deny", false, "Deny access when no rule matches")
}

func getDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("MEMGATE_DB"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memgate", "memgate.db")
}

func identity() gateway.Identity {
	id := gateway.Identity{UserID: userFlag, App: appFlag}
	if id.UserID == "" {
		id.UserID = os.Getenv("MEMGATE_USER")
	}
	if id.UserID == "" {
		id.UserID = os.Getenv("USER")
	}
	if id.App == "" {
		id.App = os.Getenv("MEMGATE_APP")
	}
	return id
}

// newLogger logs to stderr so stdout stays machine readable.
func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore() (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath())
}

func baseConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Default(), nil
}

// app bundles what a gateway command needs.
type app struct {
	store       *store.SQLiteStore
	sessions    *session.Manager
	handlers    *gateway.Handlers
	categorizer *gateway.Categorizer
	logger      *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	logger := newLogger()
	slog.SetDefault(logger)

	base, err := baseConfig()
	if err != nil {
		return nil, err
	}
	s, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sessions, err := session.NewManager(session.Options{Base: base, Overrides: s, Logger: logger})
	if err != nil {
		s.Close()
		return nil, err
	}
	categorizer := gateway.NewCategorizer(s, gateway.CategorizerOptions{Logger: logger})
	categorizer.Start(ctx)

	return &app{
		store:    s,
		sessions: sessions,
		handlers: gateway.New(gateway.Options{
			Store:       s,
			Sessions:    gateway.FromManager(sessions),
			DefaultDeny: defaultDeny,
			Categorizer: categorizer,
			Logger:      logger,
		}),
		categorizer: categorizer,
		logger:      logger,
	}, nil
}

// Close drains pending categorization before closing the store.
func (a *app) Close() {
	a.categorizer.Close()
	a.store.Close()
}

func printJSON(cmd *cobra.Command, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
