package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/couriermq/courier/pkg/types"
)

func (s *Server) handleMonitoringHealth(w http.ResponseWriter, r *http.Request) {
	breakers := s.deps.Breakers.AllStats()
	openBreakers := 0
	for _, b := range breakers {
		if b.State == types.BreakerOpen {
			openBreakers++
		}
	}

	status := "UP"
	if openBreakers > 0 {
		status = "DEGRADED"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"status":       status,
		"partners":     len(s.deps.Config.PartnerIDs()),
		"activeRoutes": s.deps.Routes.ActiveRouteCount(),
		"pools":        len(s.deps.Pools.AllStats()),
		"openBreakers": openBreakers,
		"cache":        s.deps.Credentials.Stats(),
		"timestamp":    time.Now(),
	})
}

func (s *Server) handleAllPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"threadPools": s.deps.Pools.AllStats(),
		"timestamp":   time.Now(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Pools.Stats(chi.URLParam(r, "partnerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAllBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"circuitBreakers": s.deps.Breakers.AllStats(),
		"timestamp":       time.Now(),
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Breakers.Stats(chi.URLParam(r, "partnerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleForceOpen trips the partner's breaker, creating it if traffic has
// not yet. Operators use this to shed a misbehaving partner.
func (s *Server) handleForceOpen(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerId")
	b := s.deps.Breakers.GetOrCreate(s.deps.Config.GetOrDefault(partnerID))
	b.ForceOpen()
	writeJSON(w, http.StatusOK, ok("circuit breaker forced open", partnerID))
}

func (s *Server) handleForceClosed(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerId")
	b := s.deps.Breakers.GetOrCreate(s.deps.Config.GetOrDefault(partnerID))
	b.ForceClose()
	writeJSON(w, http.StatusOK, ok("circuit breaker forced closed", partnerID))
}

// partnerView is the combined per-partner monitoring snapshot.
type partnerView struct {
	PartnerID      string              `json:"partnerId"`
	ConfigVersion  int64               `json:"configVersion"`
	HasActiveRoute bool                `json:"hasActiveRoute"`
	Pool           *types.PoolStats    `json:"pool,omitempty"`
	Breaker        *types.BreakerStats `json:"breaker,omitempty"`
}

func (s *Server) partnerViewFor(partnerID string) (partnerView, error) {
	cfg, err := s.deps.Config.Get(partnerID)
	if err != nil {
		return partnerView{}, err
	}
	view := partnerView{
		PartnerID:      partnerID,
		ConfigVersion:  cfg.Version,
		HasActiveRoute: s.deps.Routes.HasActiveRoute(partnerID),
	}
	if stats, err := s.deps.Pools.Stats(partnerID); err == nil {
		view.Pool = &stats
	}
	if stats, err := s.deps.Breakers.Stats(partnerID); err == nil {
		view.Breaker = &stats
	}
	return view, nil
}

func (s *Server) handleAllPartners(w http.ResponseWriter, r *http.Request) {
	views := make([]partnerView, 0)
	for _, id := range s.deps.Config.PartnerIDs() {
		if view, err := s.partnerViewFor(id); err == nil {
			views = append(views, view)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"partners":  views,
		"timestamp": time.Now(),
	})
}

func (s *Server) handlePartner(w http.ResponseWriter, r *http.Request) {
	view, err := s.partnerViewFor(chi.URLParam(r, "partnerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Credentials.Stats())
}
