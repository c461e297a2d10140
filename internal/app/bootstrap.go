package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/engine"
	"trading_bot/internal/event"
	"trading_bot/internal/execution"
	"trading_bot/internal/execution/rest"
	"trading_bot/internal/feed"
	"trading_bot/internal/feed/ws"
	"trading_bot/internal/infra"
	"trading_bot/internal/infra/storage"
	"trading_bot/internal/normalize"
	"trading_bot/internal/risk"
	"trading_bot/internal/service"
	"trading_bot/internal/strategy"
	httpapi "trading_bot/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

const (
	riskShards     = 4
	restTimeout    = 10 * time.Second
	alertRetention = 200
)

// Bootstrap orchestrates the application startup sequence and owns every component.
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config

	Storage    *storage.Storage
	Metrics    *infra.Metrics
	Alerts     *infra.AlertHub
	Limits     *infra.LimitsWatcher
	Book       *risk.Book
	Normalizer *normalize.Normalizer
	Sequencer  *engine.Sequencer
	Paper      *execution.PaperEndpoint // nil in rest mode
	Gate       *execution.Gate
	Engine     *engine.Engine
	Market     *service.MarketService
	Supervisor *feed.Supervisor
	HTTP       *httpapi.Server // nil when http.addr is empty

	known map[string]bool
}

// NewBootstrap creates a Bootstrap reading configuration from configPath.
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads configuration and builds every component. Nothing connects yet.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	slog.Info("🚀 Bootstrapping trading engine...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	b.Metrics = infra.NewMetrics()
	b.Alerts = infra.NewAlertHub(alertRetention)
	b.known = make(map[string]bool, len(cfg.Feed.Instruments))
	for _, inst := range cfg.Feed.Instruments {
		b.known[inst] = true
	}

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))
	b.reportPreviousOrphans(ctx)

	// 4. Risk state, restored from the last snapshot
	b.Book = risk.NewBook(riskShards, cfg.Risk.Limits(), b.Metrics)
	positions, err := store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if err := b.Book.Restore(ctx, positions); err != nil {
		return err
	}

	// 5. Risk limit hot reload
	limits, err := infra.NewLimitsWatcher(b.ConfigPath, b.Alerts)
	if err != nil {
		return err
	}
	limits.Subscribe(func(l domain.RiskLimits) {
		if err := b.Book.SetLimits(l); err != nil {
			slog.Error("Applying reloaded limits failed", slog.Any("error", err))
		}
	})
	b.Limits = limits

	// 6. Pipeline
	event.Warmup()
	if b.Normalizer, err = normalize.New(b.Metrics); err != nil {
		return err
	}
	b.Sequencer = engine.NewSequencer(engine.SequencerConfig{
		BackpressureThreshold: cfg.Sequencer.BackpressureThreshold,
		BackpressureWait:      cfg.Sequencer.BackpressureWait,
		GapTolerance:          cfg.Sequencer.SequenceGapTolerance,
	}, b.Metrics, func(gap *domain.SequenceGapError) {
		if b.Supervisor != nil {
			b.Supervisor.RequestResync(gap.Instrument)
		}
	})
	if err := b.buildGate(); err != nil {
		return err
	}
	deciders, err := b.buildStrategies(strategy.NewRegistry())
	if err != nil {
		return err
	}
	b.Engine = engine.NewEngine(b.Sequencer, b.Book, b.Gate, deciders, b.Metrics)
	b.Market = service.NewMarketService()
	b.Engine.Observe(b.Market.Observe)
	if b.Paper != nil {
		b.Engine.Observe(b.Paper.ObserveMarket)
	}

	// 7. Feed
	session, err := ws.New(ws.Config{URL: cfg.Feed.URL, Token: cfg.Feed.Token, OnLogin: b.applyAccount})
	if err != nil {
		return err
	}
	b.Supervisor = feed.NewSupervisor(feed.Config{
		HeartbeatInterval:    cfg.Feed.HeartbeatInterval,
		HeartbeatTimeout:     cfg.Feed.HeartbeatTimeout,
		BackoffBase:          cfg.Feed.ReconnectBackoffBase,
		BackoffCap:           cfg.Feed.ReconnectBackoffCap,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
	}, session, b.route, feed.Deps{
		OnReconnect: b.Sequencer.ResetAll,
		Alerter:     b.Alerts,
		Metrics:     b.Metrics,
	})

	// 8. Operator API
	if cfg.HTTP.Addr != "" {
		b.HTTP, err = httpapi.NewServer(httpapi.ServerConfig{
			Addr:        cfg.HTTP.Addr,
			Instruments: cfg.Feed.Instruments,
			Orders:      b.Gate,
			Risk:        b.Book,
			Journal:     b.Storage,
			Market:      b.Market,
			Connection:  b.Supervisor.State,
			Metrics:     b.Metrics,
			Alerts:      b.Alerts,
		})
		if err != nil {
			return err
		}
	}

	slog.Info("✅ Components ready",
		slog.String("mode", cfg.Execution.Mode),
		slog.Any("instruments", cfg.Feed.Instruments),
	)
	return nil
}

func (b *Bootstrap) buildGate() error {
	cfg := b.Config
	var endpoint execution.Endpoint
	switch cfg.Execution.Mode {
	case infra.ExecutionModeREST:
		signer := rest.NewSigner(cfg.Execution.APIKey, cfg.Execution.APISecret, cfg.Execution.Passphrase)
		endpoint = rest.NewClient(cfg.Execution.RestURL, signer, restTimeout)
	default:
		b.Paper = execution.NewPaperEndpoint(cfg.Execution.PaperFillDelay)
		endpoint = b.Paper
	}

	b.Gate = execution.NewGate(execution.Config{
		Workers:       cfg.Execution.Workers,
		SubmitRetries: cfg.Execution.SubmitRetries,
		Backoff: infra.Backoff{
			Base: cfg.Execution.RetryBackoffBase,
			Cap:  cfg.Execution.RetryBackoffCap,
		},
	}, endpoint, b.Book, execution.Deps{
		Journal: b.Storage,
		Alerter: b.Alerts,
		Metrics: b.Metrics,
	})
	if b.Paper != nil {
		b.Paper.SetReportHandler(b.Gate.HandleReport)
	}
	return nil
}

// buildStrategies gives every feed instrument a harness with its own strategy instances.
func (b *Bootstrap) buildStrategies(reg *strategy.Registry) (map[string]engine.Decider, error) {
	perInstrument := make(map[string][]strategy.Strategy, len(b.known))
	for i, sc := range b.Config.Strategies {
		instruments := sc.Instruments
		if len(instruments) == 0 {
			instruments = b.Config.Feed.Instruments
		}
		name := sc.Name
		if name == "" {
			name = sc.Kind
		}
		for _, raw := range instruments {
			inst := infra.NormalizeInstrument(raw)
			if !b.known[inst] {
				return nil, &domain.ConfigError{
					Field: fmt.Sprintf("strategies[%d].instruments", i),
					Err:   fmt.Errorf("%s is not a feed instrument", inst),
				}
			}
			s, err := reg.Build(sc.Kind, strategy.Params{
				Name:       name,
				Instrument: inst,
				Quantity:   sc.Quantity.Decimal,
				Values:     sc.Params,
			})
			if err != nil {
				return nil, &domain.ConfigError{Field: fmt.Sprintf("strategies[%d]", i), Err: err}
			}
			perInstrument[inst] = append(perInstrument[inst], s)
		}
	}

	deciders := make(map[string]engine.Decider, len(b.known))
	for _, inst := range b.Config.Feed.Instruments {
		h := strategy.NewHarness(inst, perInstrument[inst])
		deciders[inst] = h
		slog.Info("Strategies assigned", slog.String("instrument", inst), slog.Any("strategies", h.Strategies()))
	}
	return deciders, nil
}

func (b *Bootstrap) reportPreviousOrphans(ctx context.Context) {
	orphans, err := b.Storage.Orders(ctx, true, 50)
	if err != nil {
		slog.Warn("Could not read journal", slog.Any("error", err))
		return
	}
	for _, o := range orphans {
		slog.Warn("Order orphaned by a previous run, reconcile with the venue",
			slog.String("order_id", o.OrderID),
			slog.String("instrument", o.Instrument),
			slog.String("state", o.State),
		)
	}
}

// Run starts the feed, the flows and the operator API, and blocks until ctx ends or the
// feed gives up. Shutdown stops new intents first, drains execution while the feed still
// carries reports, then closes the feed and snapshots positions.
func (b *Bootstrap) Run(ctx context.Context) error {
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- b.Engine.Run(engineCtx) }()

	b.Limits.Watch()

	// The feed outlives ctx so acks and fills keep arriving during the drain.
	g, gctx := errgroup.WithContext(ctx)
	b.Market.Start(gctx)
	if err := b.Supervisor.Start(context.Background(), b.Config.Feed.Instruments); err != nil {
		b.shutdown(cancelEngine, engineDone)
		return err
	}
	if b.HTTP != nil {
		g.Go(func() error { return b.HTTP.Start(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-b.Supervisor.Done():
			if err := b.Supervisor.Err(); err != nil {
				return fmt.Errorf("market data feed: %w", err)
			}
			return nil
		}
	})

	slog.Info("✨ Trading engine fully operational")
	runErr := g.Wait()
	b.shutdown(cancelEngine, engineDone)
	return runErr
}

func (b *Bootstrap) shutdown(cancelEngine context.CancelFunc, engineDone <-chan error) {
	slog.Info("👋 Shutting down gracefully...")
	drainTimeout := b.Config.Execution.DrainTimeout

	// 1. No new intents: flows stop receiving events and the gate refuses submissions.
	b.Sequencer.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	orphans := b.Gate.Drain(drainCtx)
	cancel()
	if len(orphans) > 0 {
		slog.Warn("Shutdown left unacknowledged orders", slog.Int("count", len(orphans)))
	}

	// 2. Flows end on the closed stream or the closed gate.
	select {
	case err := <-engineDone:
		if err != nil {
			slog.Error("Engine stopped with error", slog.Any("error", err))
		}
	case <-time.After(drainTimeout):
		slog.Warn("Flows did not stop in time, cancelling")
		cancelEngine()
		<-engineDone
	}

	// 3. Feed last.
	b.Supervisor.Stop()

	saveCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := b.savePositions(saveCtx); err != nil {
		slog.Error("Position snapshot failed", slog.Any("error", err))
	}

	b.Book.Close()
	if err := b.Storage.Close(); err != nil {
		slog.Error("Closing storage failed", slog.Any("error", err))
	}
}

func (b *Bootstrap) savePositions(ctx context.Context) error {
	positions, err := b.Book.Positions(ctx)
	if err != nil {
		return err
	}
	if err := b.Storage.SavePositions(ctx, positions); err != nil {
		return err
	}
	slog.Info("Positions saved", slog.Int("count", len(positions)))
	return nil
}
