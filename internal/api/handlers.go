package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/slugsec/deskd/internal/auth"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/model"
	"github.com/slugsec/deskd/internal/orchestrator"
)

func (s *Server) handleDesktopCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	if err := s.sessions.Create(userID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrAlreadyActive):
			writeAPIError(w, http.StatusConflict, "already_active", "you already have an active desktop")
		case errors.Is(err, orchestrator.ErrCreationInProgress):
			writeAPIError(w, http.StatusConflict, "creation_in_progress", "desktop creation already in progress")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to start desktop creation")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "creating"})
}

func (s *Server) handleDesktopStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	progress, sess := s.sessions.Status(userID)
	switch {
	case sess != nil:
		writeJSON(w, http.StatusOK, map[string]any{"session": sess})
	case progress != nil:
		writeJSON(w, http.StatusOK, map[string]any{"progress": toProgressResponse(progress)})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"session": nil})
	}
}

func toProgressResponse(p *model.CreationProgress) map[string]any {
	resp := map[string]any{
		"stage":   string(p.Stage),
		"message": p.Message,
	}
	if p.Host != "" {
		resp["hostname"] = p.Host
	}
	if p.Err != "" {
		resp["error"] = p.Err
	}
	return resp
}

func (s *Server) handleDesktopDestroy(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	if err := s.sessions.Destroy(r.Context(), userID); err != nil {
		if errors.Is(err, orchestrator.ErrCreationInProgress) {
			writeAPIError(w, http.StatusConflict, "creation_in_progress", "desktop is still being created")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to destroy desktop")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDesktopExtend(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	sess, err := s.sessions.Extend(userID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoActiveSession):
			writeAPIError(w, http.StatusNotFound, "not_found", "no active desktop session")
		case errors.Is(err, orchestrator.ErrExtensionLimitReached):
			writeAPIError(w, http.StatusConflict, "extension_limit", "maximum session extensions reached")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to extend session")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

// handleAuthCheck backs the reverse proxy's subrequest authorization: the
// proxy forwards the original request's credentials plus an optional
// X-User-ID naming whose desktop is being reached (admins may spectate).
// An allow is a 200 carrying the routing target in response headers; the
// proxy copies them into its upstream address.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	targetID := r.Header.Get("X-User-ID")
	if targetID == "" {
		targetID = callerID
	}

	target, err := s.sessions.Authorize(callerID, auth.IsAdminFromContext(r.Context()), targetID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotAuthorized):
			writeAPIError(w, http.StatusForbidden, "forbidden", "not your desktop")
		case errors.Is(err, orchestrator.ErrNoActiveSession):
			writeAPIError(w, http.StatusNotFound, "not_found", "no active desktop session")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "authorization failed")
		}
		return
	}

	w.Header().Set("X-Desktop-Host", target.DisplayHost)
	w.Header().Set("X-Display-Port", strconv.Itoa(target.DisplayPort))
	w.Header().Set("X-Web-Port", strconv.Itoa(target.WebPort))
	w.WriteHeader(http.StatusOK)
}

type adminSessionRequest struct {
	UserID string `json:"user_id"`
}

type adminHostRequest struct {
	Hostname string `json:"hostname"`
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.ListSessions()})
}

func (s *Server) handleAdminDestroy(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFromContext(r.Context())

	var req adminSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	if err := s.sessions.Destroy(r.Context(), req.UserID); err != nil {
		if errors.Is(err, orchestrator.ErrCreationInProgress) {
			writeAPIError(w, http.StatusConflict, "creation_in_progress", "desktop is still being created")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to destroy desktop")
		return
	}
	s.bus.Publish(events.KindAdminAction, model.LevelInfo, req.UserID,
		"admin destroyed session", map[string]string{"admin_id": adminID, "action": "destroy"})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminExtend(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFromContext(r.Context())

	var req adminSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	sess, err := s.sessions.Extend(req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoActiveSession):
			writeAPIError(w, http.StatusNotFound, "not_found", "no active desktop session for that user")
		case errors.Is(err, orchestrator.ErrExtensionLimitReached):
			writeAPIError(w, http.StatusConflict, "extension_limit", "maximum session extensions reached")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to extend session")
		}
		return
	}
	s.bus.Publish(events.KindAdminAction, model.LevelInfo, req.UserID,
		"admin extended session", map[string]string{"admin_id": adminID, "action": "extend"})
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFromContext(r.Context())
	reaped := s.sessions.RunSweep(r.Context())
	s.bus.Publish(events.KindAdminAction, model.LevelInfo, "",
		"admin triggered expiry sweep", map[string]string{"admin_id": adminID, "action": "sweep"})
	writeJSON(w, http.StatusOK, map[string]any{"reaped": reaped})
}

func (s *Server) handleAdminHosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"hosts": s.fleet.Snapshot()})
}

func (s *Server) handleAdminHostRecover(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFromContext(r.Context())

	var req adminHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hostname == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "hostname is required")
		return
	}
	if _, ok := s.fleet.HostByName(req.Hostname); !ok {
		writeAPIError(w, http.StatusNotFound, "not_found", "unknown host")
		return
	}

	s.fleet.MarkHealthy(req.Hostname)
	s.bus.Publish(events.KindAdminAction, model.LevelInfo, "",
		"admin recovered host "+req.Hostname, map[string]string{"admin_id": adminID, "action": "recover", "hostname": req.Hostname})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminHostProbe(w http.ResponseWriter, r *http.Request) {
	adminID, _ := auth.UserIDFromContext(r.Context())
	results := s.fleet.ProbeAll(r.Context())
	s.bus.Publish(events.KindAdminAction, model.LevelInfo, "",
		"admin triggered fleet probe", map[string]string{"admin_id": adminID, "action": "probe"})
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.bus.Recent(limit)})
}
