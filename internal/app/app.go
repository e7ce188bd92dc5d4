package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/shardproxy/internal/config"
	"github.com/vovakirdan/shardproxy/internal/core"
	"github.com/vovakirdan/shardproxy/internal/gateway"
	"github.com/vovakirdan/shardproxy/internal/metrics"
	"github.com/vovakirdan/shardproxy/internal/scheduler"
	"github.com/vovakirdan/shardproxy/internal/shard"
	"github.com/vovakirdan/shardproxy/internal/store"
	"github.com/vovakirdan/shardproxy/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/shardproxy/internal/transport/http"
)

// App wires together shards, the session table and the transport layer.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	shards          *shard.Set
	store           store.ShardStore
	log             *zerolog.Logger
}

// Lookup resolves the upstream endpoint and rate limits.
type Lookup interface {
	Lookup(ctx context.Context) (gateway.Info, error)
}

// New constructs the application. Failing to resolve the upstream gateway
// is fatal.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	return NewWithLookup(ctx, cfg, gateway.NewClient(cfg.APIBase, cfg.Token), logger)
}

// NewWithLookup is New with an explicit gateway lookup.
func NewWithLookup(ctx context.Context, cfg *config.Config, lookup Lookup, logger *zerolog.Logger) (*App, error) {
	info, err := resolveGateway(ctx, cfg, lookup)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway: %w", err)
	}

	total := cfg.Shards
	if total == 0 {
		total = info.Shards
	}
	first, last := cfg.ShardRange(total)
	if first > last {
		return nil, fmt.Errorf("shard range %d..%d is empty for %d shards", first, last, total)
	}
	logger.Info().
		Str("gateway", info.URL).
		Int("shards", total).
		Int("first", first).
		Int("last", last).
		Int("max_concurrency", info.Limits().MaxConcurrency).
		Msg("gateway resolved")

	// Initialize database store
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	m := metrics.New()
	sched := scheduler.New(info.Limits(), scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()))

	shards := make([]*shard.Shard, 0, last-first+1)
	for id := first; id <= last; id++ {
		shards = append(shards, shard.New(shard.Config{
			ID:              id,
			Count:           total,
			Token:           cfg.Token,
			Intents:         cfg.Intents,
			LargeThreshold:  cfg.LargeThreshold,
			GatewayURL:      info.URL,
			ExternalURL:     cfg.ExternalURL,
			Cache:           cfg.Cache,
			SubscriberQueue: cfg.Backpressure,
			ResumeOnStart:   cfg.ResumeOnStart,
		}, sched,
			shard.WithStore(st),
			shard.WithMetrics(m),
			shard.WithLogger(*logger),
		))
	}
	set := shard.NewSet(shards...)

	hub := core.NewHub(core.Config{
		Token:         cfg.Token,
		ValidateToken: cfg.ValidateToken,
		ShardCount:    total,
		FirstShard:    first,
		LastShard:     last,
		ResumeGrace:   cfg.ResumeGrace,
	}, core.WithLogger(*logger), core.WithMetrics(m))

	server := transporthttp.NewServer(hub, set, cfg, m, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		shards:          set,
		store:           st,
		log:             logger,
	}, nil
}

func resolveGateway(ctx context.Context, cfg *config.Config, lookup Lookup) (gateway.Info, error) {
	if cfg.GatewayURL != "" {
		return gateway.Info{
			URL:               cfg.GatewayURL,
			Shards:            cfg.Shards,
			SessionStartLimit: gateway.SessionStartLimit{MaxConcurrency: 1},
		}, nil
	}
	return lookup.Lookup(ctx)
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Shards returns the hosted shards.
func (a *App) Shards() *shard.Set {
	return a.shards
}

// Run starts the shards and the HTTP server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	// upgraded connections follow ctx, Shutdown does not reach them
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	for _, sh := range a.shards.All() {
		g.Go(func() error {
			// a shard closed for good is logged but leaves its siblings running
			if err := sh.Run(gctx); err != nil {
				a.log.Error().Err(err).Int("shard", sh.ID()).Msg("shard stopped")
			}
			return nil
		})
	}

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.cleanup()
	return err
}

// cleanup closes database and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
