package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/output"
	"github.com/joescharf/orch/internal/tasks"
)

var (
	taskPlanFile string
	taskUpdate   taskUpdateOptions
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Manage the tasks of a session",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <session-id>",
	Short: "Create a batch of tasks from a plan file",
	Long: `Create a batch of tasks from a YAML or JSON plan file.

The file holds a list of task specs, either at the top level or under a
"tasks" key. Dependencies name an earlier spec's key, its zero-based index
in the file, or the id of a task already in the session:

  tasks:
    - key: scaffold
      phase: setup
      description: Create the project skeleton
    - phase: implement
      description: Add the login form
      tier: deep
      depends_on: [scaffold]

Use "-f -" to read the plan from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCreateRun(cmd.Context(), args[0], taskPlanFile)
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List a session's tasks in creation order",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(cmd.Context(), args[0])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <session-id> <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(cmd.Context(), args[0], args[1])
	},
}

var taskNextCmd = &cobra.Command{
	Use:   "next <session-id>",
	Short: "Show the next task eligible to run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskNextRun(cmd.Context(), args[0])
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <session-id> <task-id>",
	Short: "Move a task through its lifecycle or edit a pending task",
	Long: `Move a task through its lifecycle or edit a pending task.

  --status in-progress            claim a pending task
  --status completed --summary    report success
  --status failed --error         report a failed attempt (retried while attempts remain)
  --abandon                       fail an in-progress task permanently`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("description") {
			v, _ := flags.GetString("description")
			taskUpdate.Description = &v
		}
		if flags.Changed("assigned-to") {
			v, _ := flags.GetString("assigned-to")
			taskUpdate.AssignedTo = &v
		}
		if flags.Changed("tier") {
			v, _ := flags.GetString("tier")
			taskUpdate.Tier = &v
		}
		return taskUpdateRun(cmd.Context(), args[0], args[1], taskUpdate)
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <session-id>",
	Short: "Show completion progress for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskProgressRun(cmd.Context(), args[0])
	},
}

var taskReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Summarize a session's tasks by phase and list failures",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskReportRun(cmd.Context(), args[0])
	},
}

func init() {
	taskCreateCmd.Flags().StringVarP(&taskPlanFile, "file", "f", "", "Plan file (YAML or JSON, - for stdin)")
	_ = taskCreateCmd.MarkFlagRequired("file")

	f := taskUpdateCmd.Flags()
	f.StringVar(&taskUpdate.Status, "status", "", "New status (in-progress, completed, failed)")
	f.StringVar(&taskUpdate.Summary, "summary", "", "Summary of the work done (with --status completed)")
	f.StringSliceVar(&taskUpdate.Files, "files", nil, "Files changed (with --status completed)")
	f.StringVar(&taskUpdate.Error, "error", "", "Failure reason (with --status failed)")
	f.StringVar(&taskUpdate.ClaimedBy, "claimed-by", "", "Claimant id recorded when starting a task")
	f.BoolVar(&taskUpdate.Abandon, "abandon", false, "Fail an in-progress task without retrying")
	f.String("description", "", "New description (pending tasks only)")
	f.String("assigned-to", "", "New assignee (pending tasks only)")
	f.String("tier", "", "New tier: quick, standard, deep (pending tasks only)")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskNextCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskReportCmd)
	rootCmd.AddCommand(taskCmd)
}

// planFile is the keyed form of a plan file.
type planFile struct {
	Tasks []models.TaskSpec `yaml:"tasks"`
}

// parsePlan decodes task specs from a list or from a document with a
// "tasks" key. JSON input parses as YAML.
func parsePlan(data []byte) ([]models.TaskSpec, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, fmt.Errorf("parse plan: empty document")
	}

	var specs []models.TaskSpec
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&specs); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
	case yaml.MappingNode:
		var pf planFile
		if err := root.Decode(&pf); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
		specs = pf.Tasks
	default:
		return nil, fmt.Errorf("parse plan: expected a list of tasks or a tasks key")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("parse plan: no tasks")
	}
	return specs, nil
}

func readPlanFile(path string) ([]models.TaskSpec, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return parsePlan(data)
}

func taskCreateRun(ctx context.Context, sessionID, path string) error {
	specs, err := readPlanFile(path)
	if err != nil {
		return err
	}

	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create %d tasks in session %s", len(specs), sessionID)
		for i, spec := range specs {
			fmt.Fprintf(ui.Out, "  %d. [%s] %s\n", i, spec.Phase, spec.Description)
		}
		return nil
	}

	created, err := tm.CreateTasks(ctx, sessionID, specs)
	if err != nil {
		return err
	}
	ui.Success("Created %d tasks", len(created))
	printTasks(created)
	return nil
}

func taskListRun(ctx context.Context, sessionID string) error {
	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	list, err := tm.ListTasks(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No tasks in session %s", sessionID)
		return nil
	}
	printTasks(list)
	return nil
}

// printTasks renders tasks as a table. Dependencies show as sequence
// numbers when they are in the same listing.
func printTasks(list []*models.Task) {
	seqs := make(map[string]int, len(list))
	for _, t := range list {
		seqs[t.ID] = t.Seq
	}

	table := ui.Table([]string{"#", "ID", "Phase", "Description", "Status", "Tier", "Deps", "Attempts"})
	for _, t := range list {
		deps := make([]string, 0, len(t.DependsOn))
		for _, d := range t.DependsOn {
			if seq, ok := seqs[d]; ok {
				deps = append(deps, "#"+strconv.Itoa(seq))
			} else {
				deps = append(deps, d)
			}
		}
		_ = table.Append([]string{
			strconv.Itoa(t.Seq),
			t.ID,
			string(t.Phase),
			truncate(t.Description, 50),
			output.StatusColor(string(t.Status)),
			string(t.Tier),
			strings.Join(deps, ","),
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
		})
	}
	_ = table.Render()
}

func printTask(t *models.Task) {
	fmt.Fprintf(ui.Out, "Task:        %s (#%d)\n", output.Cyan(t.ID), t.Seq)
	fmt.Fprintf(ui.Out, "Phase:       %s\n", t.Phase)
	fmt.Fprintf(ui.Out, "Description: %s\n", t.Description)
	fmt.Fprintf(ui.Out, "Status:      %s\n", output.StatusColor(string(t.Status)))
	fmt.Fprintf(ui.Out, "Tier:        %s\n", t.Tier)
	fmt.Fprintf(ui.Out, "Attempts:    %d/%d\n", t.Attempts, t.MaxAttempts)
	if t.AssignedTo != "" {
		fmt.Fprintf(ui.Out, "Assigned to: %s\n", t.AssignedTo)
	}
	if len(t.DependsOn) > 0 {
		fmt.Fprintf(ui.Out, "Depends on:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if t.ClaimedBy != "" {
		fmt.Fprintf(ui.Out, "Claimed by:  %s\n", t.ClaimedBy)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "Error:       %s\n", output.Red(t.ErrorMessage))
	}
	if t.Result != nil && t.Result.Kind == models.ResultSuccess {
		if t.Result.Summary != "" {
			fmt.Fprintf(ui.Out, "Summary:     %s\n", t.Result.Summary)
		}
		if len(t.Result.FilesChanged) > 0 {
			fmt.Fprintf(ui.Out, "Files:       %s\n", strings.Join(t.Result.FilesChanged, ", "))
		}
	}
}

func taskShowRun(ctx context.Context, sessionID, taskID string) error {
	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	t, err := tm.GetTask(ctx, sessionID, taskID)
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func taskNextRun(ctx context.Context, sessionID string) error {
	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	t, err := tm.GetNextTask(ctx, sessionID)
	if err != nil {
		return err
	}
	if t == nil {
		ui.Info("No eligible task")
		return nil
	}
	printTask(t)
	return nil
}

// taskUpdateOptions collects the update flags. Pointer fields are set only
// when the flag was given.
type taskUpdateOptions struct {
	Status      string
	Summary     string
	Files       []string
	Error       string
	ClaimedBy   string
	Abandon     bool
	Description *string
	AssignedTo  *string
	Tier        *string
}

func (o taskUpdateOptions) patch() (models.TaskPatch, error) {
	var p models.TaskPatch
	if o.Status != "" {
		status := models.TaskStatus(o.Status)
		if !status.Valid() {
			return p, fmt.Errorf("unknown status %q", o.Status)
		}
		p.Status = &status
		if status == models.TaskStatusCompleted && (o.Summary != "" || len(o.Files) > 0) {
			p.Result = models.Success(o.Summary, o.Files)
		}
	}
	p.ErrorMessage = o.Error
	p.ClaimedBy = o.ClaimedBy
	p.Abandon = o.Abandon
	p.Description = o.Description
	p.AssignedTo = o.AssignedTo
	if o.Tier != nil {
		tier := models.Tier(*o.Tier)
		p.Tier = &tier
	}
	return p, nil
}

func taskUpdateRun(ctx context.Context, sessionID, taskID string, opts taskUpdateOptions) error {
	patch, err := opts.patch()
	if err != nil {
		return err
	}

	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would update task %s", taskID)
		return nil
	}

	t, err := tm.UpdateTask(ctx, sessionID, taskID, patch)
	if err != nil {
		return err
	}

	switch t.Status {
	case models.TaskStatusPending:
		if t.ErrorMessage != "" {
			ui.Warning("Task %s failed, will retry (attempt %d/%d): %s", t.ID, t.Attempts, t.MaxAttempts, t.ErrorMessage)
			return nil
		}
		ui.Success("Task %s updated", t.ID)
	case models.TaskStatusFailed:
		ui.Error("Task %s failed permanently: %s", t.ID, t.ErrorMessage)
	default:
		ui.Success("Task %s is %s", t.ID, output.StatusColor(string(t.Status)))
	}
	return nil
}

func taskProgressRun(ctx context.Context, sessionID string) error {
	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	p, err := tm.GetProgress(ctx, sessionID)
	if err != nil {
		return err
	}
	done, err := tm.AreAllTasksComplete(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s %s  %d/%d tasks\n",
		output.ProgressBar(p.PercentComplete, 30), output.PercentColor(p.PercentComplete),
		p.CompletedTasks, p.TotalTasks)
	if done && p.TotalTasks > 0 {
		ui.Success("All tasks complete")
	}
	return nil
}

func taskReportRun(ctx context.Context, sessionID string) error {
	_, tm, err := getManagers()
	if err != nil {
		return err
	}

	r, err := tm.Report(ctx, sessionID)
	if err != nil {
		return err
	}
	printReport(r)
	return nil
}

func printReport(r *tasks.Report) {
	fmt.Fprintf(ui.Out, "Outcome:  %s\n", output.StatusColor(string(r.Outcome)))
	fmt.Fprintf(ui.Out, "Progress: %s %s  %d/%d tasks\n",
		output.ProgressBar(r.Progress.PercentComplete, 30), output.PercentColor(r.Progress.PercentComplete),
		r.Progress.CompletedTasks, r.Progress.TotalTasks)

	if len(r.Phases) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Phase", "Total", "Completed", "In Progress", "Pending", "Failed", "Blocked"})
		for _, ps := range r.Phases {
			c := ps.Counts
			_ = table.Append([]string{
				string(ps.Phase),
				strconv.Itoa(c.Total),
				strconv.Itoa(c.Completed),
				strconv.Itoa(c.InProgress),
				strconv.Itoa(c.Pending),
				strconv.Itoa(c.Failed),
				strconv.Itoa(c.Blocked),
			})
		}
		_ = table.Render()
	}

	if len(r.Problems) > 0 {
		fmt.Fprintln(ui.Out)
		for _, t := range r.Problems {
			ui.Error("#%d %s [%s] %s", t.Seq, truncate(t.Description, 50), t.Status, t.ErrorMessage)
		}
	}
	if r.Next != nil {
		fmt.Fprintln(ui.Out)
		ui.Info("Next: #%d %s", r.Next.Seq, r.Next.Description)
	}
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
