package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/orch/internal/api"
	"github.com/joescharf/orch/internal/daemon"
	"github.com/joescharf/orch/internal/llm"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON API in the foreground",
	Long: `Start an HTTP server exposing sessions and tasks under /api/v1.
By default it listens on port 8080. Use --port to change it.

Use 'orch serve start' to run the server in the background and
'orch serve stop' to stop it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()
		return serveRun(ctx)
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the API server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

// serveProcess tracks the API server through files in the state dir.
func serveProcess() *daemon.Process {
	dir := viper.GetString("state_dir")
	return daemon.New(filepath.Join(dir, "orch-serve.pid"), serveLogPath())
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "orch-serve.log")
}

func serveRun(ctx context.Context) error {
	sm, tm, err := getManagers()
	if err != nil {
		return err
	}

	var planner llm.PlanSource
	if p := newPlanner(); p != nil {
		planner = p
	} else {
		slog.Info("planner disabled: anthropic.api_key is not set")
	}

	proc := serveProcess()
	if err := os.MkdirAll(filepath.Dir(proc.PIDPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := proc.Claim(); err != nil {
		return fmt.Errorf("server %w", err)
	}
	defer func() { _ = proc.Release() }()

	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(sm, tm, planner).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	ui.Info("Serving API at http://localhost%s/api/v1", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	ui.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serveStartRun() error {
	proc := serveProcess()
	if pid, ok := proc.Running(); ok {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	args := []string{"serve", "--port", strconv.Itoa(viper.GetInt("port"))}
	if cfgFile := viper.ConfigFileUsed(); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(proc.PIDPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	pid, err := proc.Start(exe, args...)
	if err != nil {
		return err
	}
	ui.Success("Server started (pid %d) on port %d", pid, viper.GetInt("port"))
	ui.Info("Logs: %s", proc.LogPath)
	return nil
}

func serveStopRun() error {
	proc := serveProcess()
	if dryRun {
		ui.DryRunMsg("Would stop server")
		return nil
	}
	if err := proc.Stop(shutdownTimeout); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			return fmt.Errorf("server is not running")
		}
		return err
	}
	ui.Success("Server stopped")
	return nil
}

func serveStatusRun() error {
	proc := serveProcess()
	pid, ok := proc.Running()
	if !ok {
		ui.Info("Server is not running")
		return nil
	}
	ui.Success("Server is running (pid %d)", pid)
	ui.Info("Logs: %s", proc.LogPath)
	return nil
}
