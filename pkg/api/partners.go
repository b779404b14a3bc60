package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/couriermq/courier/pkg/types"
)

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"partners":  s.deps.Config.All(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Config.Get(chi.URLParam(r, "partnerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig installs one partner's configuration. The path id wins
// over any partnerId in the body.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.PartnerConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	cfg.PartnerID = chi.URLParam(r, "partnerId")

	if err := s.deps.Config.Apply(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("configuration applied", cfg.PartnerID))
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerId")
	if err := s.deps.Config.Remove(r.Context(), partnerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("configuration removed", partnerID))
}

// handleBulkUpdate applies a batch of configurations. Each entry succeeds or
// fails on its own; the response always carries both maps with overall 200.
func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var configs []types.PartnerConfig
	if err := decodeJSON(r, &configs); err != nil {
		writeError(w, err)
		return
	}

	applied, failures := s.deps.Config.ApplyBulk(r.Context(), configs)

	successes := make(map[string]string, len(applied))
	for _, id := range applied {
		successes[id] = "applied"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   len(failures) == 0,
		"successes": successes,
		"errors":    failures,
		"timestamp": time.Now(),
	})
}
