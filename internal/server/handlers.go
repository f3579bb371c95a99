package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"courier/internal/dispatch"
	"courier/pkg/logx"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeBody strict-decodes one JSON object, rejecting unknown fields and
// trailing garbage the same way the config loader does.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		OwnerID   string `json:"ownerId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "sessionId and ownerId are required")
		return
	}
	if err := s.sessions.Initialize(r.Context(), req.SessionID, req.OwnerID); err != nil {
		s.log.Error("session init failed", logx.String("session", req.SessionID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Pairing continues asynchronously; progress arrives via events.
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": req.SessionID, "status": "accepted"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, s.sessions.Status(id))
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, ok := s.sessions.PairingCode(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "qr": code})
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Disconnect(r.Context(), id); err != nil {
		s.log.Error("session disconnect failed", logx.String("session", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "disconnected"})
}

func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.queue.Enqueue(r.Context(), req); err != nil {
		if errors.Is(err, dispatch.ErrMissingFields) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlationId": req.CorrelationID, "status": "queued"})
}

func (s *Server) handleMessageBulk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []dispatch.EnqueueRequest `json:"messages"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must be non-empty")
		return
	}
	if err := s.queue.EnqueueBatch(r.Context(), req.Messages); err != nil {
		if errors.Is(err, dispatch.ErrMissingFields) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(req.Messages)})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, _ *http.Request) {
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, _ *http.Request) {
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
