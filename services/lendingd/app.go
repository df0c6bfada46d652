package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	marketconfig "moneymarket/config"
	"moneymarket/core/events"
	"moneymarket/core/state"
	"moneymarket/gateway/middleware"
	"moneymarket/gateway/routes"
	"moneymarket/integrations/pricefeed"
	"moneymarket/integrations/webhooks"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/lending"
	"moneymarket/observability/metrics"
	"moneymarket/services/lendingd/config"
	"moneymarket/storage"
)

// app owns the long-lived pieces of the daemon.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	db       storage.Database
	registry *lending.Registry
	recorder *events.Recorder
	handler  http.Handler
	closers  []func() error
	now      func() time.Time

	// mu serialises every registry call between the gateway and the ticker.
	mu sync.Mutex
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger, now: time.Now}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.DataDir != "" {
		db, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		a.db = db
	} else {
		logger.Warn("data_dir not set, using in-memory state")
		a.db = storage.NewMemDB()
	}

	book, err := marketconfig.LoadMarketBook(cfg.MarketBook)
	if err != nil {
		return nil, err
	}
	feed, err := a.priceFeed(ctx, book)
	if err != nil {
		return nil, err
	}

	reg, err := lending.NewRegistry(state.NewManager(a.db), feed)
	if err != nil {
		return nil, err
	}
	a.recorder = events.NewRecorder(cfg.EventBuffer)
	reg.SetLogger(logger.With("component", "lending"))
	reg.SetMetrics(metrics.Lending())
	var emitter events.Emitter = a.recorder
	if cfg.Webhook.Enabled() {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret),
			webhooks.WithRetryPolicy(cfg.Webhook.MaxAttempts, 0, 0),
			webhooks.WithQueueSize(cfg.Webhook.QueueSize),
			webhooks.WithLogger(logger.With("component", "webhook")),
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, dispatcher.Close)
		emitter = events.MultiEmitter{a.recorder, dispatcher}
		logger.Info("forwarding events", "url", cfg.Webhook.URL)
	}
	reg.SetEmitter(emitter)
	if len(cfg.PausedModules) > 0 {
		paused := nativecommon.PauseSet{}
		for _, module := range cfg.PausedModules {
			paused[module] = true
		}
		reg.SetPauses(paused)
		logger.Warn("modules paused by configuration", "modules", cfg.PausedModules)
	}
	// Ticks are wall-clock seconds and must be set before any market accrues.
	if err := reg.SetTick(uint64(a.now().Unix())); err != nil {
		return nil, err
	}
	listed, err := book.Apply(reg)
	if err != nil {
		return nil, fmt.Errorf("apply market book: %w", err)
	}
	if len(listed) > 0 {
		logger.Info("markets listed", "assets", listed)
	}
	if !cfg.Auth.Enabled {
		logger.Warn("gateway authentication disabled, writes act for any account")
	}
	a.registry = reg

	handler, err := routes.New(routes.Config{
		Registry: reg,
		Lock:     &a.mu,
		Events:   a.recorder,
		Logger:   logger.With("component", "gateway"),
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			AdminScope: cfg.Auth.AdminScope,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger.With("component", "auth")),
		WriteScope: cfg.Auth.WriteScope,
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.RateLimitWrite: {
				RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
				Burst:             cfg.RateLimit.Burst,
			},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
		}, logger),
		MetricsPath: cfg.MetricsPath,
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, err
	}
	a.handler = handler
	ok = true
	return a, nil
}

func (a *app) priceFeed(ctx context.Context, book *marketconfig.MarketBook) (lending.PriceFeed, error) {
	switch a.cfg.PriceFeed.Source {
	case config.FeedRedis:
		rc := a.cfg.PriceFeed.Redis
		feed, err := pricefeed.NewRedisFeed(ctx, pricefeed.RedisConfig{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
			Timeout:   rc.Timeout,
			MaxAge:    rc.MaxAge,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, feed.Close)
		a.logger.Info("using redis price feed", "addr", rc.Addr, "prefix", rc.KeyPrefix)
		return feed, nil
	default:
		return book.StaticFeed(), nil
	}
}

// tick advances the clock to wall time and accrues every market.
func (a *app) tick() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := uint64(a.now().Unix())
	if now <= a.registry.Tick() {
		return nil
	}
	if err := a.registry.SetTick(now); err != nil {
		return err
	}
	return a.registry.AccrueAll()
}

func (a *app) runTicker(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.tick(); err != nil {
				a.logger.Error("accrual tick failed", "error", err)
			}
		}
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}
