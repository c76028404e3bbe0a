package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firefly-engineering/warden/internal/app"
	"github.com/firefly-engineering/warden/internal/channel"
	"github.com/firefly-engineering/warden/internal/config"
	"github.com/firefly-engineering/warden/internal/logging"
	"github.com/firefly-engineering/warden/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator until interrupted.

SIGINT and SIGTERM stop it; running sandboxes are terminated first.
SIGHUP reloads warden.toml and the jobs file.

With --stdio, inbound chat messages are read from stdin as JSON lines
({"sender_id","group_id","chat_id","text","timestamp"}) and replies are
written to stdout the same way. Without it only scheduled jobs run.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveStdio bool

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Exchange chat messages as JSON lines on stdin/stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := paths()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rec, err := metrics.Global()
	if err != nil {
		return err
	}

	opts := []app.Option{
		app.WithPaths(p),
		app.WithConfig(config.NewHolder(cfg)),
		app.WithMetrics(rec),
		app.WithLogger(logging.Logger),
	}
	var stdio *channel.Stdio
	if serveStdio {
		stdio = channel.NewStdio(os.Stdin, os.Stdout, logging.Logger)
		opts = append(opts, app.WithReplies(stdio))
	}

	a, err := app.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Serve(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := a.Reload(); err != nil {
					logging.Warn("reload failed, keeping running configuration", "error", err)
				}
			}
		}
	})
	if stdio != nil {
		g.Go(func() error {
			err := stdio.Serve(gctx, func(ctx context.Context, m channel.Inbound) {
				a.HandleInbound(ctx, m)
			})
			if gctx.Err() == nil {
				logInfo("stdin closed, shutting down")
				stop()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logSuccess("orchestrator stopped")
	return nil
}
