package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/orch/internal/output"
	"github.com/joescharf/orch/internal/sessions"
	"github.com/joescharf/orch/internal/store"
	"github.com/joescharf/orch/internal/tasks"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool
)

var rootCmd = &cobra.Command{
	Use:   "orch",
	Short: "Orchestrate multi-step coding requests across agents",
	Long: `orch turns a coding request into a graph of dependent tasks and drives
them to completion. It keeps per-user sessions with a conversation
transcript, hands eligible tasks to agents one at a time, retries
failures, and reports progress over the CLI, HTTP and MCP.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/orch/config.yaml)")
}

// setDefaults registers every config key's default under stateDir.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", filepath.Join(stateDir, "orch.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("tasks.max_attempts", tasks.DefaultMaxAttempts)
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.model", "sonnet")
	viper.SetDefault("agent.allowed_tools", "Read Write Edit Glob Grep Bash(git:*) Bash(make:*) Bash(go:*)")
	viper.SetDefault("agent.poll_interval", "2s")
	viper.SetDefault("agent.work_dir", "")
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ORCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// The store opens lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getManagers builds the session and task managers over the shared store.
func getManagers() (*sessions.Manager, *tasks.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, nil, err
	}
	tm := tasks.NewManager(s,
		tasks.WithMaxAttempts(viper.GetInt("tasks.max_attempts")),
		tasks.WithLogger(slog.Default()),
	)
	sm := sessions.NewManager(s, tm)
	sm.SetLogger(slog.Default())
	return sm, tm, nil
}
