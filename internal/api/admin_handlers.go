package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-socket-server/internal/session"
)

// SessionStore looks up live sessions.
type SessionStore interface {
	Session(id string) (*session.Session, error)
	Sessions() []*session.Session
}

// AdminHandlers contains handlers for internal admin API endpoints
type AdminHandlers struct {
	sessions SessionStore
	service  string
	started  time.Time
	logger   *zap.Logger
}

// NewAdminHandlers creates a new AdminHandlers instance. service names the
// server in status responses.
func NewAdminHandlers(sessions SessionStore, service string, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{
		sessions: sessions,
		service:  service,
		started:  time.Now(),
		logger:   logger.Named("admin"),
	}
}

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID          string     `json:"id"`
	Transport   string     `json:"transport"`
	RemoteAddr  string     `json:"remote_addr"`
	Local       bool       `json:"local"`
	State       string     `json:"state"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

func sessionToResponse(s *session.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:         s.ID(),
		Transport:  string(s.Kind()),
		RemoteAddr: s.RemoteAddr(),
		Local:      s.IsLocal(),
		State:      s.State().String(),
	}
	if at := s.ConnectedAt(); !at.IsZero() {
		resp.ConnectedAt = &at
	}
	return resp
}

// CallRequest is the body of a session call.
type CallRequest struct {
	Command string            `json:"command" binding:"required"`
	Args    []json.RawMessage `json:"args,omitempty"`
}

// AdminStatus reports liveness and session counts
// GET /admin/status
func (h *AdminHandlers) AdminStatus(c *gin.Context) {
	all := h.sessions.Sessions()
	transports := make(map[string]int)
	for _, s := range all {
		transports[string(s.Kind())]++
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:        "ok",
		Service:       h.service,
		APIVersion:    CurrentAPIVersion,
		Capabilities:  APICapabilities[CurrentAPIVersion],
		Sessions:      len(all),
		Transports:    transports,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// ListSessions returns all live sessions, optionally filtered by transport
// GET /admin/sessions?transport=ws
func (h *AdminHandlers) ListSessions(c *gin.Context) {
	filter := c.Query("transport")

	response := make([]*SessionResponse, 0)
	for _, s := range h.sessions.Sessions() {
		if filter != "" && string(s.Kind()) != filter {
			continue
		}
		response = append(response, sessionToResponse(s))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": response})
}

// GetSession returns a specific session
// GET /admin/sessions/:id
func (h *AdminHandlers) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(s))
}

// DeleteSession stops a session. With ?mode=disconnect the peer is first
// told to drop the connection.
// DELETE /admin/sessions/:id
func (h *AdminHandlers) DeleteSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}

	switch c.DefaultQuery("mode", "stop") {
	case "stop":
		s.Stop()
	case "disconnect":
		s.Disconnect()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be stop or disconnect"})
		return
	}

	h.logger.Info("Session stopped via admin API", zap.String("session_id", s.ID()))
	c.Status(http.StatusNoContent)
}

// CallSession sends a command to a session
// POST /admin/sessions/:id/call
func (h *AdminHandlers) CallSession(c *gin.Context) {
	var req CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, ok := h.lookup(c)
	if !ok {
		return
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}

	if err := s.Call(req.Command, args...); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": "Session is closed"})
			return
		}
		h.logger.Error("Failed to call session", zap.Error(err), zap.String("session_id", s.ID()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send command"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (h *AdminHandlers) lookup(c *gin.Context) (*session.Session, bool) {
	id := c.Param("id")
	s, err := h.sessions.Session(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return nil, false
		}
		h.logger.Error("Failed to get session", zap.Error(err), zap.String("session_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return nil, false
	}
	return s, true
}
