package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hal-o-swarm/sessionsync/internal/aggregator"
	"github.com/hal-o-swarm/sessionsync/internal/config"
	"github.com/hal-o-swarm/sessionsync/internal/engine"
	"github.com/hal-o-swarm/sessionsync/internal/pricing"
	"github.com/hal-o-swarm/sessionsync/internal/shared"
	"github.com/hal-o-swarm/sessionsync/internal/storage"
	"github.com/hal-o-swarm/sessionsync/internal/tokens"
	"github.com/hal-o-swarm/sessionsync/internal/transport"
)

const boltOpenTimeout = 2 * time.Second

func main() {
	configPath := flag.String("config", "./sessionsync.config.json", "path to engine config file")
	sessionID := flag.String("session", "", "session to follow")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *sessionID == "" {
		logger.Error("missing -session flag")
		os.Exit(2)
	}

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully", zap.String("config_path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = shared.WithCorrelationID(ctx, shared.NewCorrelationID())

	if err := run(ctx, cfg, *sessionID, logger); err != nil {
		shared.LogErrorWithContext(ctx, logger, "syncd exited with error", err)
		os.Exit(1)
	}
	logger.Info("syncd exited cleanly")
}

func run(ctx context.Context, cfg *config.EngineConfig, sessionID string, logger *zap.Logger) error {
	db, err := storage.OpenSQLite(ctx, cfg.Database.Path, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database migrations complete", zap.String("path", cfg.Database.Path))

	var breakdowns tokens.Store = db
	if cfg.Tokenization.Backend == config.BackendBolt {
		bolt, err := storage.OpenBolt(cfg.Tokenization.BoltPath, boltOpenTimeout, logger.Named("storage"))
		if err != nil {
			return err
		}
		defer bolt.Close()
		breakdowns = bolt
	}

	t, err := transport.NewWSTransport(cfg.Server.URL, cfg.Server.AuthToken, logger.Named("transport"),
		transport.WithRequestTimeout(cfg.Server.RequestTimeout()),
		transport.WithVersionConstraint(cfg.Server.VersionConstraint),
	)
	if err != nil {
		return err
	}

	opts := engine.OptionsFromConfig(cfg)
	opts.Transport = t
	opts.UsageStore = db
	opts.BreakdownStore = breakdowns
	opts.Logger = logger.Named("engine")
	opts.Metrics = engine.InitMetrics()

	var source *pricing.FileSource
	if cfg.Pricing.Path != "" {
		source, err = pricing.NewFileSource(cfg.Pricing.Path, cfg.Pricing.Debounce(), logger.Named("pricing"))
		if err != nil {
			return err
		}
		defer source.Close()
		if err := source.Start(ctx); err != nil {
			return err
		}
		opts.Pricing = source
	} else {
		logger.Warn("no pricing file configured; costs stay zero and breakdowns stay blocked")
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if err := eng.Register(aggregator.SessionMeta{SessionID: sessionID, CreatedAt: time.Now()}); err != nil {
		return err
	}
	unsubscribe, err := eng.Subscribe(sessionID, func(id string) { logSnapshot(eng, id, logger) })
	if err != nil {
		return err
	}
	defer unsubscribe()
	unsubscribeUsage, err := eng.SubscribeUsage(sessionID, func(id string) { logUsage(eng, id, logger) })
	if err != nil {
		return err
	}
	defer unsubscribeUsage()
	if err := eng.SetActiveSession(sessionID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		hc := &healthChecker{db: db.DB(), sessions: eng, sessionID: sessionID}
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: newHTTPMux(hc), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("http listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.String("session_id", sessionID))
		return nil
	})
	return g.Wait()
}

func logSnapshot(eng *engine.Engine, sessionID string, logger *zap.Logger) {
	snap := eng.GetSnapshot(sessionID)
	if snap == nil {
		return
	}
	state, _ := eng.State(sessionID)
	logger.Info("session updated",
		zap.String("session_id", sessionID),
		zap.Stringer("state", state),
		zap.Int("messages", len(snap.Messages)),
		zap.Int("active_streams", len(snap.ActiveStreams)),
		zap.Bool("caught_up", snap.CaughtUp),
		zap.Bool("hydrating", snap.Hydrating),
		zap.String("status", snap.Status.Status),
	)
}

func logUsage(eng *engine.Engine, sessionID string, logger *zap.Logger) {
	u, err := eng.GetUsage(sessionID)
	if err != nil {
		return
	}
	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.Int64("tokens", u.Total.Tokens.Total()),
		zap.Float64("cost_usd", u.Total.Costs.Total()),
	}
	if u.Context != nil {
		fields = append(fields, zap.Int64("context_tokens", u.Context.Tokens), zap.String("context_source", string(u.Context.Source)))
	}
	logger.Info("usage updated", fields...)
}
