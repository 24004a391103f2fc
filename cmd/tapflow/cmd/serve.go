package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/tapflow/internal/api"
	"github.com/hugo-lorenzo-mato/tapflow/internal/backup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run crash recovery and serve the status API",
	Long: `Reconcile interrupted sessions left over from a previous run, then
serve the read-only HTTP status API until interrupted. With backup
watching enabled, warns whenever fallback artifacts appear on disk.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	deps, err := initDeps()
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := newEngine(deps)

	report, err := eng.RecoverAtStartup(ctx)
	if err != nil {
		return err
	}
	deps.Logger.Info("crash recovery complete",
		"sessions", len(report.Sessions),
		"recovered", report.Recovered())

	addr := serveAddr
	if addr == "" {
		addr = deps.Config.Server.Addr
	}

	server := api.NewServer(deps.Tasks, deps.Steps, deps.Backups,
		api.WithLogger(deps.Logger),
		api.WithEngine(eng),
		api.WithRecoveryReport(report))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})

	if deps.Config.Backup.Watch {
		watcher, err := backup.NewWatcher(deps.Config.Backup.Dir, deps.Bus, deps.Logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := watcher.Run(gctx); errors.Is(err, context.Canceled) {
				return nil
			} else if err != nil {
				return err
			}
			return nil
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := eng.Shutdown(shutdownCtx); shutdownErr != nil {
		deps.Logger.Warn("engine shutdown incomplete", "error", shutdownErr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
