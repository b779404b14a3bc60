package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/breaker"
	"github.com/couriermq/courier/pkg/config"
	"github.com/couriermq/courier/pkg/credentials"
	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/pool"
	"github.com/couriermq/courier/pkg/routes"
	"github.com/couriermq/courier/pkg/types"
)

// Deps are the components the control API exposes.
type Deps struct {
	Config      *config.Service
	Routes      *routes.Manager
	Pools       *pool.Registry
	Breakers    *breaker.Registry
	Credentials *credentials.Cache
}

// Server is the control and monitoring HTTP API.
type Server struct {
	deps   Deps
	addr   string
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router over deps. Call Start to begin serving.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		addr:   addr,
		logger: log.WithComponent("api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/health", s.handleLiveness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/partner-config", func(r chi.Router) {
		r.Post("/webhook/config-changed", s.handleConfigChanged)
		r.Post("/refresh-all", s.handleRefreshAll)
		r.Get("/routes/status", s.handleRouteStatus)
		r.Post("/{partnerId}/refresh", s.handleRefresh)
		r.Get("/{partnerId}", s.handlePartnerConfig)
	})

	r.Route("/api/monitoring", func(r chi.Router) {
		r.Get("/health", s.handleMonitoringHealth)
		r.Get("/threadpools", s.handleAllPools)
		r.Get("/threadpools/{partnerId}", s.handlePool)
		r.Get("/circuitbreakers", s.handleAllBreakers)
		r.Get("/circuitbreakers/{partnerId}", s.handleBreaker)
		r.Post("/circuitbreakers/{partnerId}/force-open", s.handleForceOpen)
		r.Post("/circuitbreakers/{partnerId}/force-closed", s.handleForceClosed)
		r.Get("/partners", s.handleAllPartners)
		r.Get("/partners/{partnerId}", s.handlePartner)
		r.Get("/cache", s.handleCache)
	})

	r.Route("/api/config", func(r chi.Router) {
		r.Get("/partners", s.handleListConfigs)
		r.Put("/partners/bulk", s.handleBulkUpdate)
		r.Get("/partners/{partnerId}", s.handleGetConfig)
		r.Put("/partners/{partnerId}", s.handlePutConfig)
		r.Post("/partners/{partnerId}", s.handlePutConfig)
		r.Delete("/partners/{partnerId}", s.handleDeleteConfig)
	})

	return r
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves in the background and returns immediately.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("api server failed")
		}
	}()
	s.logger.Info().Str("addr", s.addr).Msg("api server started")
	return nil
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records request metrics and logs server errors.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
		if rec.status >= 500 {
			s.logger.Error().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Msg("request failed")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	PartnerID string    `json:"partnerId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func ok(message, partnerID string) envelope {
	return envelope{Success: true, Message: message, PartnerID: partnerID, Timestamp: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, types.HTTPStatus(err), envelope{
		Success:   false,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", types.ErrInvalidRequest)
	}
	return nil
}
