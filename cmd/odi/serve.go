package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odi-tracker/odi/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:     "serve [path]",
	GroupID: "sync",
	Short:   "Expose a workspace to remote clients",
	Long: `Serve a workspace's objects and refs so other machines can push and
pull against it. The path defaults to the current directory; a bare
workspace directory (just the .odi contents) works too.

Two modes:
  --addr   HTTP, the server side of http:// remotes
  --stdio  the wire protocol on stdin/stdout, for use as an ssh forced
           command (the server side of ssh:// remotes)

Examples:
  # Serve the current workspace over HTTP
  odi serve --addr :8433

  # Require a bearer token from clients
  odi serve --addr :8433 --token "$ODI_TOKEN"

  # In authorized_keys, as a forced command
  command="odi serve --stdio /srv/tracker" ssh-ed25519 AAAA...`,
	Args: cobra.MaximumNArgs(1),
	Run:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (default :8433)")
	serveCmd.Flags().Bool("stdio", false, "Speak the sync protocol on stdin/stdout")
	serveCmd.Flags().String("token", "", "Require this bearer token on HTTP requests")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	stdio, _ := cmd.Flags().GetBool("stdio")
	token, _ := cmd.Flags().GetString("token")

	dir := workspaceDir(cmd)
	if len(args) == 1 {
		dir = args[0]
	}

	if stdio {
		if addr != "" {
			fmt.Fprintf(os.Stderr, "Error: --stdio and --addr are mutually exclusive\n")
			os.Exit(2)
		}
		logger := log.New(os.Stderr, "[serve] ", log.LstdFlags)
		if err := transport.ServeStdio(dir, os.Stdin, os.Stdout, logger); err != nil {
			fail(err)
		}
		return
	}
	if addr == "" {
		addr = ":8433"
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           transport.Handler(dir, transport.HandlerOptions{Token: token}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Printf("Serving %s on %s\n", dir, addr)
	if token != "" {
		fmt.Println("Bearer token required")
	}
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-errCh:
		fail(err)
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fail(err)
	}
}
