// Package main is the entrypoint for poolctl, which probes endpoints through a connection pool registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AutoMQ/connpool/pkg/config"
	"github.com/AutoMQ/connpool/pkg/pool"
	"github.com/AutoMQ/connpool/pkg/pool/manager"
)

const (
	_shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// check config
	err = cfg.Adjust()
	logger := cfg.Logger()
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	syncLogger := func() { _ = logger.Sync() }
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-sc:
			logger.Info("got signal to exit", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	registry := pool.NewRegistry(manager.NewFactory(cfg.Pool, logger), logger)
	probeErr := probe(ctx, registry, cfg.Endpoints, cfg.Rounds, logger)
	cancel()

	fmt.Print(registry.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), _shutdownTimeout)
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown registry", zap.Error(err))
	}
	shutdownCancel()

	if probeErr != nil {
		logger.Error("probe failed", zap.Error(probeErr))
		exit(1, syncLogger)
	}
	exit(0, syncLogger)
}

// probe acquires and releases connections to every endpoint, rounds times concurrently per endpoint.
func probe(ctx context.Context, registry *pool.Registry, endpoints []string, rounds int, lg *zap.Logger) error {
	eps := make([]*pool.Endpoint, 0, len(endpoints))
	for _, addr := range endpoints {
		ep, err := pool.ParseEndpoint(addr)
		if err != nil {
			return err
		}
		eps = append(eps, ep)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		ep := ep
		for i := 0; i < rounds; i++ {
			round := i
			g.Go(func() error {
				logger := lg.With(zap.Stringer("endpoint", ep), zap.Int("round", round))
				start := time.Now()
				conn, err := registry.Acquire(ctx, ep)
				if err != nil {
					logger.Error("failed to acquire connection", zap.Error(err))
					return errors.WithMessagef(err, "probe %s", ep)
				}
				outcome := registry.Release(conn)
				logger.Info("probe succeeded", zap.Duration("cost", time.Since(start)), zap.Stringer("release", outcome))
				return nil
			})
		}
	}
	return g.Wait()
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
