package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/daemon"
	"github.com/odi-tracker/odi/internal/repo"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "maint",
	Short:   "Keep the issue index fresh and broadcast workspace events",
	Long: `Run the workspace daemon: a filesystem watcher over the ref tree
keeps the SQLite issue index current while other processes mutate the
workspace, and a dashboard server broadcasts every change.

Dashboard endpoints:
  ws://<addr>/ws         JSON event stream
  http://<addr>/health   liveness probe
  http://<addr>/metrics  Prometheus counters

Example usage:
  odi daemon                        # Dashboard on 127.0.0.1:7421
  odi daemon --addr 127.0.0.1:9000  # Custom dashboard address`,
	Run: runDaemon,
}

func init() {
	daemonCmd.Flags().String("addr", "127.0.0.1:7421", "Dashboard listen address")
	daemonCmd.Flags().String("log-file", "", "Rotating log destination (default .odi/daemon.log)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	logFile, _ := cmd.Flags().GetString("log-file")

	// The daemon is the long-lived process the index is meant for.
	r, err := repo.Open(workspaceDir(cmd), repo.Options{EnableIndex: true})
	if err != nil {
		fail(err)
	}
	defer r.Close()

	if logFile == "" {
		logFile = filepath.Join(r.Root(), "daemon.log")
	}
	logger := daemon.NewRotatingLogger(logFile)

	d, err := daemon.New(r, &daemon.Config{Logger: logger})
	if err != nil {
		fail(err)
	}
	server := daemon.NewServer(daemon.ServerConfig{
		Addr:    addr,
		Bus:     r.Bus(),
		Metrics: d.Metrics(),
		Logger:  logger,
	})
	if err := server.Start(); err != nil {
		fail(err)
	}

	fmt.Printf("Daemon watching %s\n", r.Root())
	fmt.Printf("Dashboard on http://%s (websocket /ws, metrics /metrics)\n", server.Addr())
	fmt.Printf("Logging to %s\n", logFile)
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = d.Start(ctx) // blocks until a signal arrives
	if stopErr := server.Stop(); err == nil {
		err = stopErr
	}
	if err != nil {
		fail(err)
	}
	fmt.Println("Daemon stopped")
}
