package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"nhbescrow/config"
	"nhbescrow/core/events"
	"nhbescrow/core/state"
	"nhbescrow/indexer"
	"nhbescrow/native/escrow"
	"nhbescrow/observability"
	"nhbescrow/rpc"
	"nhbescrow/storage"
)

// node bundles the escrow engine with its storage, event fan-out, optional
// read-side indexer and the RPC server.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      storage.Database
	manager *state.Manager
	bus     *events.Bus
	engine  *escrow.Engine
	index   *indexer.Indexer
	server  *rpc.Server
}

var errCallerAuthRequired = errors.New("rpc.AuthSecret (or " + config.EnvRPCSecret + ") is required unless rpc.InsecureTrustCaller is set")

func newNode(cfg *config.Config, logger *slog.Logger, allowMigrate bool) (*node, error) {
	if cfg.RPC.AuthSecret == "" {
		if !cfg.RPC.InsecureTrustCaller {
			return nil, errCallerAuthRequired
		}
		logger.Warn("caller authentication disabled; escrow_fund trusts the caller parameter",
			slog.String("env", config.EnvRPCSecret))
	}
	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	n := &node{cfg: cfg, logger: logger, db: db, bus: events.NewBus()}
	if err := n.init(allowMigrate); err != nil {
		n.close()
		return nil, err
	}
	return n, nil
}

func (n *node) init(allowMigrate bool) error {
	n.manager = state.NewManager(n.db)
	if err := n.manager.EnsureSchemaVersion(allowMigrate); err != nil {
		return fmt.Errorf("check registry schema: %w", err)
	}

	metrics := observability.Escrow()
	custody, err := n.manager.EscrowCustody()
	if err != nil {
		return fmt.Errorf("read custody: %w", err)
	}
	metrics.SetCustody(custody)

	n.engine = escrow.NewEngine()
	n.engine.SetState(n.manager)
	n.engine.SetEmitter(events.Multi{n.bus, metrics})
	n.engine.SetUniqueIDs(n.cfg.Escrow.UniqueIDs)

	n.server = rpc.NewServer(n.engine, n.manager, n.bus, rpc.Config{
		AuthSecret:         n.cfg.RPC.AuthSecret,
		RateLimitPerSecond: n.cfg.RPC.RateLimitPerSecond,
		RateLimitBurst:     n.cfg.RPC.RateLimitBurst,
		TrustProxyHeaders:  n.cfg.RPC.TrustProxyHeaders,
		MaxBodyBytes:       n.cfg.RPC.MaxBodyBytes,
		Tracing:            n.cfg.Telemetry.Traces,
		ServiceName:        n.cfg.Telemetry.ServiceName,
		Logger:             n.logger,
	})

	if !n.cfg.Indexer.Enabled {
		return nil
	}
	gdb, err := indexer.Open(n.cfg.Indexer.Driver, n.cfg.IndexerDSN())
	if err != nil {
		return fmt.Errorf("open indexer: %w", err)
	}
	n.index, err = indexer.New(gdb, n.logger)
	if err != nil {
		return fmt.Errorf("init indexer: %w", err)
	}
	n.server.SetIndex(n.index)
	return nil
}

// runIndexer follows the journal until ctx ends. It returns immediately when
// the indexer is disabled.
func (n *node) runIndexer(ctx context.Context) error {
	if n.index == nil {
		return nil
	}
	err := n.index.Run(ctx, n.bus, n.manager)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (n *node) handler() http.Handler {
	return n.server.Handler()
}

func (n *node) close() {
	n.bus.Close()
	if n.db != nil {
		n.db.Close()
	}
}
