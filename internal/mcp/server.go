// Package mcp exposes the session and task managers as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/orch/internal/models"
	"github.com/joescharf/orch/internal/sessions"
	"github.com/joescharf/orch/internal/tasks"
)

// Server wraps the orchestration managers and exposes them as MCP tools.
type Server struct {
	sessions *sessions.Manager
	tasks    *tasks.Manager
	version  string
}

// NewServer creates the MCP server wrapper.
func NewServer(sm *sessions.Manager, tm *tasks.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{sessions: sm, tasks: tm, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("orch", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.sessionStartTool())
	srv.AddTool(s.addMessageTool())
	srv.AddTool(s.sessionStatsTool())
	srv.AddTool(s.completeSessionTool())
	srv.AddTool(s.createTasksTool())
	srv.AddTool(s.nextTaskTool())
	srv.AddTool(s.updateTaskTool())
	srv.AddTool(s.progressTool())
	srv.AddTool(s.reportTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Session tools
// ---------------------------------------------------------------------------

// orch_session_start
func (s *Server) sessionStartTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_session_start",
		mcp.WithDescription("Load the active session for a user and project, creating one if none exists. Repeated calls return the same session."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owning user")),
		mcp.WithString("project_id", mcp.Description("Associated project, may be omitted")),
	)
	return tool, s.handleSessionStart
}

func (s *Server) handleSessionStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user_id"), nil
	}
	sess, err := s.sessions.LoadOrCreate(ctx, userID, request.GetString("project_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return jsonResult(sess)
}

// orch_add_message
func (s *Server) addMessageTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_add_message",
		mcp.WithDescription("Append a message to a session transcript."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("role", mcp.Required(), mcp.Description("Message author"), mcp.Enum("user", "assistant")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	)
	return tool, s.handleAddMessage
}

func (s *Server) handleAddMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	role, err := request.RequireString("role")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: role"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	msg, err := s.sessions.AddMessage(ctx, sessionID, models.MessageRole(role), content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add message: %v", err)), nil
	}
	return jsonResult(msg)
}

// orch_session_stats
func (s *Server) sessionStatsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_session_stats",
		mcp.WithDescription("Get a session snapshot: status, message count, task counters by status and the derived outcome."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSessionStats
}

func (s *Server) handleSessionStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	stats, err := s.sessions.GetStats(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}
	return jsonResult(stats)
}

// orch_complete_session
func (s *Server) completeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_complete_session",
		mcp.WithDescription("Mark a session completed. Completed sessions accept no further messages or task changes."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleCompleteSession
}

func (s *Server) handleCompleteSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if err := s.sessions.Complete(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to complete session: %v", err)), nil
	}
	return jsonResult(map[string]string{"session_id": sessionID, "status": string(models.SessionStatusCompleted)})
}

// ---------------------------------------------------------------------------
// Task tools
// ---------------------------------------------------------------------------

// orch_create_tasks
func (s *Server) createTasksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_create_tasks",
		mcp.WithDescription(`Create a batch of tasks atomically. Each task has phase, description and optional key, assigned_to, tier, max_attempts and depends_on. depends_on entries are keys or zero-based indices of earlier tasks in the same batch, or IDs of existing tasks. Forward, self and unknown references reject the whole batch.`),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithArray("tasks", mcp.Required(), mcp.Description("Task specs"), mcp.Items(map[string]any{"type": "object"})),
	)
	return tool, s.handleCreateTasks
}

func (s *Server) handleCreateTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	raw, ok := request.GetArguments()["tasks"]
	if !ok {
		return mcp.NewToolResultError("missing required parameter: tasks"), nil
	}
	specs, err := decodeSpecs(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid tasks: %v", err)), nil
	}

	created, err := s.tasks.CreateTasks(ctx, sessionID, specs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create tasks: %v", err)), nil
	}
	return jsonResult(created)
}

// decodeSpecs accepts the tasks argument as a JSON array or a JSON string.
func decodeSpecs(raw any) ([]models.TaskSpec, error) {
	var data []byte
	if str, ok := raw.(string); ok {
		data = []byte(str)
	} else {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var specs []models.TaskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// orch_next_task
func (s *Server) nextTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_next_task",
		mcp.WithDescription("Get the next eligible task: the earliest-created pending task whose dependencies have all completed. Does not claim it; call orch_update_task with status in-progress to claim."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleNextTask
}

func (s *Server) handleNextTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	next, err := s.tasks.GetNextTask(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get next task: %v", err)), nil
	}
	if next == nil {
		return jsonResult(map[string]any{"task": nil, "message": "no task is eligible"})
	}
	return jsonResult(map[string]any{"task": next})
}

// orch_update_task
func (s *Server) updateTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_update_task",
		mcp.WithDescription("Report progress on a task. in-progress claims a pending task, completed records success, failed records a failed attempt (retried automatically while attempts remain). abandon=true gives up on an in-progress task for good."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("status", mcp.Description("Requested status"), mcp.Enum("in-progress", "completed", "failed")),
		mcp.WithString("summary", mcp.Description("Summary of the work done (completed)")),
		mcp.WithArray("files_changed", mcp.Description("Files touched (completed)"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("error", mcp.Description("Failure reason (failed)")),
		mcp.WithString("claimed_by", mcp.Description("Identity of the claimer (in-progress)")),
		mcp.WithBoolean("abandon", mcp.Description("Force an in-progress task to permanent failure")),
	)
	return tool, s.handleUpdateTask
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	patch := models.TaskPatch{
		ErrorMessage: request.GetString("error", ""),
		ClaimedBy:    request.GetString("claimed_by", ""),
		Abandon:      request.GetBool("abandon", false),
	}
	if status := request.GetString("status", ""); status != "" {
		st := models.TaskStatus(status)
		patch.Status = &st
		if st == models.TaskStatusCompleted {
			patch.Result = models.Success(request.GetString("summary", ""), request.GetStringSlice("files_changed", nil))
		}
	}

	t, err := s.tasks.UpdateTask(ctx, sessionID, taskID, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update task: %v", err)), nil
	}
	return jsonResult(t)
}

// orch_progress
func (s *Server) progressTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_progress",
		mcp.WithDescription("Get completed/total task counts, percent complete and whether every task has completed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleProgress
}

func (s *Server) handleProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	p, err := s.tasks.GetProgress(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get progress: %v", err)), nil
	}
	done, err := s.tasks.AreAllTasksComplete(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get progress: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"completed_tasks":  p.CompletedTasks,
		"total_tasks":      p.TotalTasks,
		"percent_complete": p.PercentComplete,
		"all_complete":     done,
	})
}

// orch_report
func (s *Server) reportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("orch_report",
		mcp.WithDescription("Get a session report: outcome, progress, per-phase counts, failed and blocked tasks, and the next eligible task."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleReport
}

func (s *Server) handleReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	r, err := s.tasks.Report(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to build report: %v", err)), nil
	}
	return jsonResult(r)
}
