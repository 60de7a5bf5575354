// Command shardblobd serves the partitions a cluster map places on this
// node and keeps them in sync with their peer replicas.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/shardblob"
	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/config"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/replication"
	"github.com/hupe1980/shardblob/replication/httptransport"
)

func main() {
	configPath := flag.String("config", "shardblob.yaml", "path to the YAML config")
	node := flag.String("node", "", "replica host name of this node, overrides node.host")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *node); err != nil {
		fmt.Fprintln(os.Stderr, "shardblobd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, node string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if node != "" {
		cfg.Node.Host = node
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(&cfg)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry()

	cmap, err := newClusterMap(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer cmap.Close()

	parts := localPartitions(cmap, &cfg)
	if len(parts) == 0 {
		logger.Warn("cluster map places no partitions on this node", slog.String("host", cfg.Node.Host))
	}

	checkpoints, err := newCheckpointStores(ctx, &cfg)
	if err != nil {
		return err
	}
	opts, err := dbOptions(&cfg, logger, reg, checkpoints)
	if err != nil {
		return err
	}
	db, err := shardblob.OpenPartitions(ctx, parts, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close db", slog.Any("error", err))
		}
	}()

	replOpts := []replication.Option{
		replication.WithLogger(logger.Logger),
		replication.WithMetrics(reg),
		replication.WithMaxRecords(cfg.Replication.MaxRecords),
		replication.WithTimeout(cfg.Replication.Timeout.D()),
		replication.WithInterval(cfg.Replication.Interval.D()),
		replication.WithConcurrency(cfg.Replication.Concurrency),
	}
	handler := replication.NewHandler(db, replOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           newRouter(db, handler, reg, logger),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.D(),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr), slog.String("host", cfg.Node.Host))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Replication.Enabled {
		client := httptransport.NewClient(httptransport.WithScheme(cfg.Replication.Scheme))
		repl := replication.NewReplicator(cfg.Node.Host, db, client, replOpts...)
		n := repl.TrackMap(cmap)
		logger.Info("replication started", slog.Int("replicas", n), slog.Int("peers", len(repl.Peers())))
		go retrack(ctx, repl, cmap, cfg.Cluster.RefreshInterval.D())
		go repl.Run(ctx)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	return nil
}

// retrack picks up replicas added to the cluster map after startup.
func retrack(ctx context.Context, repl *replication.Replicator, m clustermap.Map, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repl.TrackMap(m)
		}
	}
}

func newLogger(cfg *config.Config) (*shardblob.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	var logger *shardblob.Logger
	if cfg.Logger.JSON {
		logger = shardblob.NewJSONLogger(level)
	} else {
		logger = shardblob.NewTextLogger(level)
	}
	slog.SetDefault(logger.Logger)
	return logger, nil
}
