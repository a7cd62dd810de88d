package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/orch/internal/llm"
)

var planCmd = &cobra.Command{
	Use:   "plan <session-id> <request>",
	Short: "Break a request into tasks with the LLM planner",
	Long: `Ask the LLM planner to break a coding request into an ordered set of
tasks, create them in the session, and record the request and the plan in
the session transcript. Earlier messages in the session are given to the
planner as context.

Requires anthropic.api_key (or ORCH_ANTHROPIC_API_KEY).`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return planRun(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

func init() {
	rootCmd.AddCommand(planCmd)
}

// newPlanner returns the configured planner, or nil when no API key is set.
func newPlanner() *llm.Planner {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		return nil
	}
	return llm.NewPlanner(llm.NewClient(apiKey, viper.GetString("anthropic.model")))
}

func planRun(ctx context.Context, sessionID, request string) error {
	planner := newPlanner()
	if planner == nil {
		return fmt.Errorf("anthropic.api_key is not set (set ORCH_ANTHROPIC_API_KEY or run 'orch config edit')")
	}

	sm, tm, err := getManagers()
	if err != nil {
		return err
	}

	ui.Info("Planning %q...", request)

	if dryRun {
		sess, err := sm.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		specs, err := planner.Plan(ctx, request, sess.Messages)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would create %d tasks", len(specs))
		fmt.Fprintln(ui.Out, llm.Summary(specs))
		return nil
	}

	created, err := llm.PlanSession(ctx, planner, sm, tm, sessionID, request)
	if err != nil {
		return err
	}
	ui.Success("Created %d tasks", len(created))
	printTasks(created)
	return nil
}
