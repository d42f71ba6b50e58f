package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/middleware"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// handleHealth is the liveness probe. A degraded cache is reported, not failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"degraded":     s.router.CacheDegraded(),
		"deployments":  len(s.clients.Fingerprints()),
		"force_legacy": s.prefs.ForceLegacy,
		"timestamp":    time.Now().Unix(),
	})
}

// handleRelay runs the executor for one chat request
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.resolveFingerprint(w, r)
	if !ok {
		return
	}

	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.UserID == "" || len(req.Messages) == 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "user_id and at least one message are required")
		return
	}

	if req.ID == "" {
		req.ID = middleware.RequestIDFrom(r.Context())
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	resp, err := s.executor.Execute(r.Context(), fp, &req, s.prefs)
	if err != nil {
		s.writeRoutingError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleRoutingDecision returns the decision the next relay would use without calling a
// surface. Dry runs are not counted as routed calls.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	fp, ok := s.resolveFingerprint(w, r)
	if !ok {
		return
	}

	decision := s.router.Peek(r.Context(), fp, s.prefs)
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Snapshot(r.Context()))
}

// handleInvalidate drops cached verdicts. Unregistered fingerprints are accepted so
// stale durable entries from retired deployments can be cleared.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("fingerprint")
	if raw == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "fingerprint query parameter is required")
		return
	}

	fp := types.Fingerprint(raw)
	s.router.Invalidate(r.Context(), fp)

	s.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"request_id":  middleware.RequestIDFrom(r.Context()),
	}).Info("Capability cache invalidated")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"invalidated": fp,
		"timestamp":   time.Now().Unix(),
	})
}

// resolveFingerprint reads ?fingerprint= or falls back to the configured deployment
func (s *Server) resolveFingerprint(w http.ResponseWriter, r *http.Request) (types.Fingerprint, bool) {
	fp := s.fingerprint
	if q := r.URL.Query().Get("fingerprint"); q != "" {
		fp = types.Fingerprint(q)
	}

	if _, err := s.clients.Client(fp, types.SurfaceLegacy); err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Unknown deployment %s", fp))
		return "", false
	}
	return fp, true
}

func (s *Server) writeRoutingError(w http.ResponseWriter, err error) {
	var routingErr *types.RoutingError
	if !errors.As(err, &routingErr) {
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := routingErr.HTTPStatus()
	s.writeJSON(w, status, types.ErrorResponse{
		Error: types.ErrorDetail{
			Message:           routingErr.Error(),
			Type:              "routing_error",
			Kind:              string(routingErr.Kind),
			CorrelationID:     routingErr.CorrelationID,
			FallbackAttempted: routingErr.FallbackAttempted,
			Code:              status,
		},
	})
}
