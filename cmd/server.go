package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis API and job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), cfg, ctx.builder())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// lockDatabase 获取数据库旁的文件锁。serve 与 analyze 共用，同一数据库同时只允许一个进程写入。
func lockDatabase(dbPath string) (func(), error) {
	lock := flock.New(filepath.Clean(dbPath) + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another match-radar process is using %s", dbPath)
	}
	return func() { _ = lock.Unlock() }, nil
}

// serve 持有数据库锁运行，同一数据库只允许一个服务进程。
func serve(parent context.Context, cfg AppConfig, build appBuilder) error {
	unlock, err := lockDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer unlock()

	deps, cleanup, err := build(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           deps.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	timeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil || timeout <= 0 {
		timeout = 10 * time.Second
	}
	deps.logger.WithField("addr", cfg.Server.Addr).Info("listening")
	return runServer(ctx, srv, deps.sched, timeout)
}

// runServer 并行运行 HTTP 服务与调度器，ctx 取消或任一方出错时优雅关闭。
func runServer(ctx context.Context, srv httpServer, sched backgroundScheduler, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
