// Package server is the payment gateway HTTP service: it approves, completes
// and cancels payments against the platform on behalf of the client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"pipay/internal/config"
	"pipay/internal/hmacauth"
	"pipay/internal/idempotency"
	"pipay/internal/platform"
	"pipay/internal/txref"
)

type Server struct {
	cfg        *config.AppConfig
	platform   platform.Client
	store      idempotency.Store
	chain      txref.Verifier
	hmac       *hmacauth.Verifier
	validate   *validator.Validate
	httpServer *http.Server
	handler    http.Handler
	metrics    *metricsRegistry
	logger     *slog.Logger
	now        func() time.Time
	inflight   singleflight.Group
}

func NewServer(cfg *config.AppConfig, pc platform.Client, store idempotency.Store, chain txref.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if chain == nil {
		chain = txref.NoopVerifier{}
	}

	s := &Server{
		cfg:      cfg,
		platform: pc,
		store:    store,
		chain:    chain,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		validate: validator.New(),
		metrics:  newMetricsRegistry(),
		logger:   logger.With(slog.String("component", "gateway")),
		now:      time.Now,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Post("/payments/approve", s.handleApprove)
			r.Post("/payments/complete", s.handleComplete)
			r.Post("/payments/cancel", s.handleCancel)
			r.Post("/payments/incomplete", s.handleIncomplete)
			r.Post("/me", s.handleMe)
			r.Post("/wallet", s.handleWallet)
			r.Post("/verify", s.handleVerify)
		})
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", s.metrics.handler())
	})

	s.handler = otelhttp.NewHandler(r, "gateway")
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.updateDLQDepth()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.logger.Info("gateway listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	type dependency struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}
	check := func(fn func(context.Context) error) dependency {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(cctx); err != nil {
			healthy = false
			return dependency{Error: err.Error()}
		}
		return dependency{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	platformInfo := check(s.platform.Ping)
	chainInfo := check(s.chain.Ping)
	storeInfo := check(s.store.Ping)
	queueDepth := s.updateDLQDepth()

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status     string     `json:"status"`
		Platform   dependency `json:"platform"`
		Chain      dependency `json:"chain"`
		Store      dependency `json:"store"`
		QueueDepth int        `json:"queue_depth"`
	}{
		Status:     status,
		Platform:   platformInfo,
		Chain:      chainInfo,
		Store:      storeInfo,
		QueueDepth: queueDepth,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware lets the browser client call the gateway from any origin
// and allows embedding in the wallet browser.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+hmacauth.HeaderSignature+","+hmacauth.HeaderTimestamp)
		h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		h.Del("X-Frame-Options")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", r.Header.Get("X-Request-Id")),
		)
	})
}
