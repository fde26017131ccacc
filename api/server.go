/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog)
  3. Metrics:    Prometheus request counters, labelled by route pattern
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests

ROUTE GROUPS:
  /api/wallets/*        Wallet reads and lifecycle
  /api/points/*         Earn and burn
  /api/transactions/*   Single-transaction reads and corrections
  /api/services/*       Service catalog and per-service rules
  /api/rules/*          Rule lifecycle
  /api/admin/*          Expiry sweep
  /healthz              Dependency health
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that
  authenticates callers.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RequestRecorder receives one observation per HTTP request.
type RequestRecorder interface {
	RecordHTTPRequest(method, route, status string, elapsed time.Duration)
}

// RouterOptions configures NewRouter. Zero values are usable.
type RouterOptions struct {
	CORSOrigins []string
	Logger      zerolog.Logger
	Recorder    RequestRecorder
	Gatherer    prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	if opts.Recorder != nil {
		r.Use(requestMetrics(opts.Recorder))
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", h.OpenWallet)
			r.Delete("/{userID}", h.RetireWallet)
			r.Get("/{userID}/balance", h.GetBalance)
			r.Get("/{userID}/batches", h.GetBatches)
			r.Get("/{userID}/expiring", h.GetExpiring)
			r.Get("/{userID}/transactions", h.ListTransactions)
			r.Get("/{userID}/verify", h.VerifyWallet)
		})

		// Earn and burn
		r.Route("/points", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/burn", h.Burn)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Patch("/{id}", h.CorrectTransaction)
		})

		// Service catalog
		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.ListServices)
			r.Post("/", h.CreateService)
			r.Get("/{id}", h.GetService)
			r.Patch("/{id}", h.UpdateService)
			r.Delete("/{id}", h.DeleteService)
			r.Post("/{id}/activate", h.ActivateService)
			r.Post("/{id}/deactivate", h.DeactivateService)
			r.Get("/{id}/rules", h.ListRules)
			r.Post("/{id}/rules", h.AddRule)
			r.Get("/{id}/rules/active", h.ActiveRule)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/{id}", h.GetRule)
			r.Post("/{id}/deactivate", h.DeactivateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/sweep/runs", h.ListSweepRuns)
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				ev := logger.Info()
				if status >= http.StatusInternalServerError {
					ev = logger.Error()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// requestMetrics labels by route pattern, not raw path, to keep user IDs
// out of label values.
func requestMetrics(rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
		})
	}
}
