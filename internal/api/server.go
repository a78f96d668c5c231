package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/HanTheDev/funnel-insights/internal/auth"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker func(ctx context.Context) error

type RouterConfig struct {
	Auth *auth.Middleware
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Health  map[string]HealthChecker
	Log     zerolog.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogger(cfg.Log))

	router.HandleFunc("/health", healthHandler(cfg.Health)).Methods("GET")
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(cfg.Auth.Authenticate)
	h.RegisterRoutes(apiRouter)

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(cfg.Auth.Authenticate, cfg.Auth.RequireAdmin)
	h.RegisterAdminRoutes(adminRouter)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, errorBody{Kind: "not_found", Message: "no such route"})
	})
	return router
}

func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			writeFailure(w, http.StatusServiceUnavailable, errorBody{Kind: "unhealthy", Message: "dependency check failed", Details: status})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "checks": status})
	}
}

func requestLogger(log zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", reqID)

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			ev := log.Info()
			if rec.statusCode >= 500 {
				ev = log.Error()
			}
			ev.Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.statusCode).
				Int("bytes", rec.size).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	size          int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.headerWritten {
		r.statusCode = statusCode
		r.ResponseWriter.WriteHeader(statusCode)
		r.headerWritten = true
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.headerWritten = true
	size, err := r.ResponseWriter.Write(b)
	r.size += size
	return size, err
}
