package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/output"
	"github.com/joescharf/orch/internal/store"
)

var (
	sessionUser    string
	sessionProject string
	sessionStatus  string
	sessionLimit   int
	messageRole    string
	messageContent string
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage orchestration sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume the active session for a user and project, or start one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun(cmd.Context(), sessionUser, sessionProject)
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionMessageCmd = &cobra.Command{
	Use:   "message <session-id>",
	Short: "Append a message to a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionMessageRun(cmd.Context(), args[0], messageRole, messageContent)
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show message and task counts for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStatsRun(cmd.Context(), args[0])
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Mark a session completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCompleteRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionStartCmd.Flags().StringVar(&sessionUser, "user", "", "User id (required)")
	sessionStartCmd.Flags().StringVar(&sessionProject, "project", "", "Project id")
	_ = sessionStartCmd.MarkFlagRequired("user")

	sessionListCmd.Flags().StringVar(&sessionUser, "user", "", "Filter by user id")
	sessionListCmd.Flags().StringVar(&sessionProject, "project", "", "Filter by project id")
	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (active, completed)")
	sessionListCmd.Flags().IntVar(&sessionLimit, "limit", 0, "Maximum sessions to show")

	sessionMessageCmd.Flags().StringVar(&messageRole, "role", string(models.RoleUser), "Message role (user, assistant)")
	sessionMessageCmd.Flags().StringVar(&messageContent, "content", "", "Message content (required)")
	_ = sessionMessageCmd.MarkFlagRequired("content")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionMessageCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionStartRun(ctx context.Context, userID, projectID string) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would load or create a session for user %s", userID)
		return nil
	}

	sess, err := sm.LoadOrCreate(ctx, userID, projectID)
	if err != nil {
		return err
	}

	ui.Success("Session %s", output.Cyan(sess.ID))
	ui.VerboseLog("user=%s project=%s created=%s", sess.UserID, sess.ProjectID, sess.CreatedAt.Format(time.RFC3339))
	return nil
}

func sessionListRun(ctx context.Context) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	list, err := sm.List(ctx, store.SessionListFilter{
		UserID:    sessionUser,
		ProjectID: sessionProject,
		Status:    models.SessionStatus(sessionStatus),
		Limit:     sessionLimit,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No sessions found")
		return nil
	}

	table := ui.Table([]string{"ID", "User", "Project", "Status", "Last Active"})
	for _, sess := range list {
		_ = table.Append([]string{
			sess.ID,
			sess.UserID,
			sess.ProjectID,
			output.StatusColor(string(sess.Status)),
			timeAgo(sess.LastActive),
		})
	}
	_ = table.Render()
	return nil
}

func sessionShowRun(ctx context.Context, sessionID string) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	sess, err := sm.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:     %s\n", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "User:        %s\n", sess.UserID)
	if sess.ProjectID != "" {
		fmt.Fprintf(ui.Out, "Project:     %s\n", sess.ProjectID)
	}
	fmt.Fprintf(ui.Out, "Status:      %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "Created:     %s\n", sess.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(ui.Out, "Last active: %s\n", timeAgo(sess.LastActive))
	if sess.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "Completed:   %s\n", sess.CompletedAt.Local().Format(time.DateTime))
	}

	if len(sess.Messages) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	for _, m := range sess.Messages {
		role := string(m.Role)
		if m.Role == models.RoleUser {
			role = output.Cyan(role)
		} else {
			role = output.Green(role)
		}
		fmt.Fprintf(ui.Out, "[%d] %s: %s\n", m.Seq, role, m.Content)
	}
	return nil
}

func sessionMessageRun(ctx context.Context, sessionID, role, content string) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would append %s message to session %s", role, sessionID)
		return nil
	}

	msg, err := sm.AddMessage(ctx, sessionID, models.MessageRole(role), content)
	if err != nil {
		return err
	}
	ui.Success("Added %s message #%d", msg.Role, msg.Seq)
	return nil
}

func sessionStatsRun(ctx context.Context, sessionID string) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	st, err := sm.GetStats(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:     %s (%s)\n", output.Cyan(st.SessionID), output.StatusColor(string(st.Status)))
	fmt.Fprintf(ui.Out, "Messages:    %d\n", st.MessageCount)
	fmt.Fprintf(ui.Out, "Tasks:       %d total, %d completed, %d in progress, %d pending, %d failed, %d blocked\n",
		st.TotalTasks, st.CompletedTasks, st.InProgressTasks, st.PendingTasks, st.FailedTasks, st.BlockedTasks)
	fmt.Fprintf(ui.Out, "Outcome:     %s\n", output.StatusColor(string(st.Outcome)))
	fmt.Fprintf(ui.Out, "Last active: %s\n", timeAgo(st.LastActive))
	return nil
}

func sessionCompleteRun(ctx context.Context, sessionID string) error {
	sm, _, err := getManagers()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would complete session %s", sessionID)
		return nil
	}

	if err := sm.Complete(ctx, sessionID); err != nil {
		return err
	}
	ui.Success("Session %s completed", sessionID)
	return nil
}

// timeAgo formats t relative to now for listings.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
