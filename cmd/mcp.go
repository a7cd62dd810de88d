package cmd

import (
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/orch/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an agent such as Claude Code drive orch sessions natively:
claim the next task, report results and check progress. Configure it
with:

  {
    "mcpServers": {
      "orch": { "command": "orch", "args": ["mcp"] }
    }
  }

Available tools: orch_session_start, orch_add_message, orch_session_stats,
orch_complete_session, orch_create_tasks, orch_next_task, orch_update_task,
orch_progress, orch_report`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sm, tm, err := getManagers()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		// Stdout carries the protocol; nothing else may print there.
		return mcp.NewServer(sm, tm, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
