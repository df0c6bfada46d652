package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"moneymarket/core/events"
	"moneymarket/gateway/middleware"
	"moneymarket/native/lending"
)

// RateLimitWrite names the limit applied to mutating routes.
const RateLimitWrite = "write"

type Config struct {
	Registry *lending.Registry
	// Lock serialises registry access with other callers such as the tick
	// loop. A private mutex is used when nil.
	Lock          sync.Locker
	Events        *events.Recorder
	Logger        *slog.Logger
	Authenticator *middleware.Authenticator
	// WriteScope is required on every mutating route when set.
	WriteScope    string
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	MetricsPath   string
	ServiceName   string
}

// New builds the HTTP API. Reads are open; mutating routes pass the write
// rate limit and JWT authentication, and may only act for the token subject.
func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("routes: registry required")
	}
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lendingd"
	}
	lr := &lendingRoutes{
		reg:    cfg.Registry,
		lock:   cfg.Lock,
		events: cfg.Events,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	lr.mountReads(r)
	r.Group(func(wr chi.Router) {
		if cfg.RateLimiter != nil {
			wr.Use(cfg.RateLimiter.Middleware(RateLimitWrite))
		}
		if cfg.Authenticator != nil {
			wr.Use(cfg.Authenticator.Middleware(cfg.WriteScope))
		}
		lr.mountWrites(wr)
	})

	return otelhttp.NewHandler(r, cfg.ServiceName), nil
}
