package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/couriermq/courier/pkg/types"
)

// handleConfigChanged receives change webhooks from the config pipeline and
// drives reconciliation through the config service's listener chain.
func (s *Server) handleConfigChanged(w http.ResponseWriter, r *http.Request) {
	var n types.Notification
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Config.HandleNotification(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("configuration change applied", n.PartnerID))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerId")
	if err := s.deps.Routes.Reconcile(r.Context(), partnerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("route refreshed", partnerID))
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Routes.ReconcileAll(r.Context(), "api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok("all routes refreshed", ""))
}

func (s *Server) handleRouteStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Routes.ActiveRoutes()
	active := make(map[string]string, len(statuses))
	for id, rt := range statuses {
		active[id] = rt.RouteID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"activeRouteCount": len(active),
		"activeRoutes":     active,
		"routeDetails":     statuses,
		"timestamp":        time.Now(),
	})
}

func (s *Server) handlePartnerConfig(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "partnerId")
	cfg, err := s.deps.Config.Get(partnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"partnerId":      partnerID,
		"config":         cfg,
		"hasActiveRoute": s.deps.Routes.HasActiveRoute(partnerID),
		"timestamp":      time.Now(),
	})
}
