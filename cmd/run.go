package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/orch/internal/agent"
	"github.com/joescharf/orch/internal/git"
	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/output"
)

var (
	runReclaim bool
	runWorkDir string
)

var runCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Execute a session's tasks with the agent CLI",
	Long: `Run the execution loop for a session: claim the next eligible task,
hand it to the agent CLI, record the outcome, and repeat until every task
has completed. Failed attempts are retried until a task runs out of
attempts. When all tasks complete the session is marked completed.

Several runners may work on the same session; each claims tasks under its
own id. Use --reclaim after a runner crashed to fail the tasks it left in
progress so they can be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()
		return runRun(ctx, args[0])
	},
}

func init() {
	runCmd.Flags().BoolVar(&runReclaim, "reclaim", false, "Fail tasks left in progress by other runners before starting")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Directory the agent runs in (default agent.work_dir or cwd)")
	rootCmd.AddCommand(runCmd)
}

// executorConfig builds the agent executor config from viper.
func executorConfig() agent.Config {
	cfg := agent.Config{
		Command:      viper.GetString("agent.command"),
		Model:        viper.GetString("agent.model"),
		AllowedTools: strings.Fields(viper.GetString("agent.allowed_tools")),
		WorkDir:      viper.GetString("agent.work_dir"),
		Changes:      git.NewClient(),
	}
	if runWorkDir != "" {
		cfg.WorkDir = runWorkDir
	}
	if tm := viper.GetStringMapString("agent.tier_models"); len(tm) > 0 {
		cfg.TierModels = make(map[models.Tier]string, len(tm))
		for tier, model := range tm {
			cfg.TierModels[models.Tier(tier)] = model
		}
	}
	return cfg
}

// uiObserver prints task progress as the runner works.
type uiObserver struct{}

func (uiObserver) TaskStarted(t *models.Task) {
	ui.Info("#%d [%s] %s (attempt %d/%d)", t.Seq, t.Phase, t.Description, t.Attempts, t.MaxAttempts)
}

func (uiObserver) TaskFinished(t *models.Task) {
	switch t.Status {
	case models.TaskStatusCompleted:
		summary := ""
		if t.Result != nil {
			summary = t.Result.Summary
		}
		ui.Success("#%d completed %s", t.Seq, summary)
	case models.TaskStatusFailed:
		ui.Error("#%d failed permanently: %s", t.Seq, t.ErrorMessage)
	default:
		ui.Warning("#%d failed, will retry: %s", t.Seq, t.ErrorMessage)
	}
}

func runRun(ctx context.Context, sessionID string) error {
	sm, tm, err := getManagers()
	if err != nil {
		return err
	}

	cfg := executorConfig()
	if dryRun {
		ui.DryRunMsg("Would run session %s with %s (model %s)", sessionID, cfg.Command, cfg.Model)
		return nil
	}

	runner := agent.NewRunner(tm, sm, agent.NewClaudeExecutor(cfg),
		agent.WithPollInterval(viper.GetDuration("agent.poll_interval")),
		agent.WithObserver(uiObserver{}),
		agent.WithLogger(slog.Default()),
	)
	ui.VerboseLog("runner %s", runner.ID())

	if runReclaim {
		n, err := runner.Reconcile(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("reclaim: %w", err)
		}
		if n > 0 {
			ui.Warning("Reclaimed %d tasks left in progress", n)
		}
	}

	report, err := runner.Run(ctx, sessionID)
	switch {
	case err == nil:
		ui.Success("Session %s completed", output.Cyan(sessionID))
		printReport(report)
		return nil
	case errors.Is(err, agent.ErrSessionStalled):
		if report != nil {
			printReport(report)
		}
		return err
	case errors.Is(err, context.Canceled):
		ui.Warning("Interrupted; tasks in progress were reported back")
		return nil
	default:
		return err
	}
}
