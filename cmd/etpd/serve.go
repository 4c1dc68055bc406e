package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/etp/internal/admin"
	"github.com/codefionn/etp/internal/config"
	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/logger"
	"github.com/codefionn/etp/internal/pidfile"
)

// service is what every listening subcommand runs.
type service interface {
	admin.Source
	Name() string
	Listen(ctx context.Context, host string, port int) error
	Run(ctx context.Context) error
}

// serve runs svc until it stops or the process is signalled. Next to the
// daemon it runs the admin server, when configured, and the config
// watcher, which re-applies the log level.
func serve(cmd *cobra.Command, cfg *config.Config, svc service, lines admin.LineSource) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pidPath := cfg.PIDFile
	if pidPath == "" {
		pidPath = config.DefaultPIDFile(svc.Name())
	}
	pf := pidfile.New(pidPath)
	if err := pf.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warn("Failed to remove PID file: %v", err)
		}
	}()

	if err := svc.Listen(ctx, cfg.Host, cfg.Port); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", svc.Name(), svc.Info().Address)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return svc.Run(runCtx)
	})

	if cfg.AdminAddr != "" {
		srv := admin.NewServer(svc, cfg.AdminAddr)
		if lines != nil {
			srv.WithLines(lines)
		}
		if cfg.AdminPprof {
			srv.WithProfiling()
		}
		g.Go(func() error {
			return srv.Run(runCtx)
		})
	}

	if _, err := os.Stat(configFile); err == nil {
		g.Go(func() error {
			return config.Watch(runCtx, configFile, func(c *config.Config) {
				level := logger.ParseLevel(c.LogLevel)
				logger.Global().SetLevel(level)
				logger.Info("Log level set to %s", level)
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, daemon.ErrStopped) {
		return nil
	}
	return err
}
