package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexfray/server/internal/cluster"
	"github.com/hexfray/server/internal/config"
	"github.com/hexfray/server/internal/data"
	"github.com/hexfray/server/internal/handler"
	"github.com/hexfray/server/internal/handoff"
	"github.com/hexfray/server/internal/persist"
	"github.com/hexfray/server/internal/placement"
	"github.com/hexfray/server/internal/pubsub"
	"github.com/hexfray/server/internal/recovery"
	"github.com/hexfray/server/internal/scripting"
	"github.com/hexfray/server/internal/transport"
)

const defaultConfigPath = "config/server.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := ""
	if os.Getenv(config.EnvConfigPath) == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	nodeName := cfg.NodeName()
	log.Info("hexfray session core starting", zap.String("node", nodeName))

	// 3. Connect to PostgreSQL and run migrations
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	summaries := persist.NewSummaryRepo(db)

	// 4. Load grid templates and combat rules
	grids, err := data.LoadGridTemplates(cfg.Data.GridList)
	if err != nil {
		return fmt.Errorf("load grid templates: %w", err)
	}
	log.Info("grid templates loaded", zap.Int("count", grids.Count()))

	rules, err := scripting.LoadRules(cfg.Data.ScriptsDir, log)
	if err != nil {
		return fmt.Errorf("load combat rules: %w", err)
	}

	// 5. Session plumbing: event broker, handoff replica, placement
	broker := pubsub.NewBroker(log)

	var nodeRef atomic.Pointer[cluster.Node]
	stash := handoff.NewStore(nodeName, func() int {
		if n := nodeRef.Load(); n != nil {
			return n.NumMembers()
		}
		return 1
	}, log)

	registry := placement.NewRegistry(placement.Options{
		Node:          nodeName,
		Store:         summaries,
		Persist:       summaries,
		Stash:         stash,
		Broker:        broker,
		Rules:         rules,
		Log:           log,
		RoundDuration: cfg.RoundDuration(),
		PickupRetry:   cfg.PickupRetry(),
		PickupTotal:   cfg.PickupTotal(),
	})

	deps := &handler.Deps{
		Config:   cfg,
		Log:      log,
		Registry: registry,
		Store:    summaries,
		Grids:    grids,
		Rules:    rules,
		Client:   transport.NewClient(),
	}

	// 6. Node transport, then gossip. The transport address rides in node
	// metadata, so it must be bound before the first gossip exchange.
	srv, err := transport.Listen(cfg.Node.BindAddress, deps, log)
	if err != nil {
		return fmt.Errorf("node transport: %w", err)
	}
	stash.SetNodeMeta([]byte(srv.Addr()))

	node, err := cluster.Join(cfg.Cluster, nodeName, stash, log)
	if err != nil {
		srv.Close()
		return fmt.Errorf("cluster join: %w", err)
	}
	nodeRef.Store(node)
	deps.Cluster = node
	registry.SetMembers(node.Members())

	go srv.Serve()
	log.Info("node transport listening", zap.String("addr", srv.Addr()))

	// 7. Recovery: boot sweep, then membership-driven re-balancing
	rec := recovery.New(registry, node, log)
	if err := rec.Start(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("recovery sweep: %w", err)
	}

	log.Info("session core ready",
		zap.String("node", nodeName),
		zap.Int("cluster_size", node.NumMembers()))

	// 8. Wait for shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdownCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	// Stop taking commands, stash live sessions, let the stash replicate,
	// then leave the cluster so peers adopt what we stashed.
	srv.Close()
	rec.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.StashGrace()+5*time.Second)
	defer stopCancel()
	registry.StopAll(stopCtx, true)

	if !stash.WaitDrain(cfg.StashGrace()) {
		log.Warn("handoff stash may not have fully replicated")
	}
	if err := node.Leave(2 * time.Second); err != nil {
		log.Warn("cluster leave failed", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
