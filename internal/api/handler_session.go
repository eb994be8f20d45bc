package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"previewd/internal/session"
	"previewd/internal/tier"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessions Sessions
}

func NewSessionHandler(sessions Sessions) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// StartSession POST /api/sessions/start
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: projectId is required", ErrInvalidRequest))
		return
	}

	res, err := h.sessions.CreateSession(c.Request.Context(), session.CreateRequest{
		UserID:         userID(c),
		ProjectID:      strings.TrimSpace(req.ProjectID),
		Tier:           string(tier.Normalize(req.Tier)),
		Custom:         req.CustomConfig,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var data any
		if res != nil {
			data = StartSessionResponse{SessionID: res.SessionID, Status: string(res.Status)}
		}
		respondErrorData(c, err, data)
		return
	}

	code, msg := http.StatusCreated, "session started"
	if res.Reused {
		code, msg = http.StatusOK, "existing session reused"
	}
	respondOK(c, code, StartSessionResponse{
		SessionID:    res.SessionID,
		MachineID:    res.MachineID,
		ContainerURL: res.URL,
		Status:       string(res.Status),
		Reused:       res.Reused,
	}, msg)
}

// StopSession POST /api/sessions/stop
func (h *SessionHandler) StopSession(c *gin.Context) {
	var req StopSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest))
		return
	}
	if _, ok := ownedSession(c, h.sessions, req.SessionID); !ok {
		return
	}

	if err := h.sessions.DestroySession(c.Request.Context(), req.SessionID); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"sessionId": req.SessionID}, "session stopped")
}

// GetStatus GET /api/sessions/:id/status
func (h *SessionHandler) GetStatus(c *gin.Context) {
	id := c.Param("id")
	if _, ok := ownedSession(c, h.sessions, id); !ok {
		return
	}

	st, err := h.sessions.GetSessionStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := SessionStatusResponse{
		Session:      toSessionResponse(st.Session),
		MachineError: st.MachineError,
	}
	if st.Machine != nil {
		resp.Machine = toMachineResponse(st.Machine)
	}
	respondOK(c, http.StatusOK, resp, "")
}

// ListSessions GET /api/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListUserSessions(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	respondOK(c, http.StatusOK, resp, "")
}

// GetMetrics GET /api/sessions/:id/metrics
func (h *SessionHandler) GetMetrics(c *gin.Context) {
	id := c.Param("id")
	if _, ok := ownedSession(c, h.sessions, id); !ok {
		return
	}

	metrics, err := h.sessions.SessionMetrics(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, metrics, "")
}

// EnforceLimits POST /api/sessions/:id/enforce-limits
func (h *SessionHandler) EnforceLimits(c *gin.Context) {
	id := c.Param("id")
	if _, ok := ownedSession(c, h.sessions, id); !ok {
		return
	}

	res, err := h.sessions.EnforceSessionLimits(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "session within limits"
	if res.ActionTaken {
		msg = "session destroyed for exceeding limits"
	}
	respondOK(c, http.StatusOK, res, msg)
}

// Cleanup POST /api/sessions/cleanup
func (h *SessionHandler) Cleanup(c *gin.Context) {
	report, err := h.sessions.CleanupExpiredSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, report, fmt.Sprintf("ended %d expired sessions", report.Ended))
}

// ownedSession loads the session and checks the caller owns it. On failure
// the response has been written.
func ownedSession(c *gin.Context, sessions Sessions, id string) (*session.Session, bool) {
	sess, err := loadOwned(c.Request.Context(), sessions, id, userID(c))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return sess, true
}

func loadOwned(ctx context.Context, sessions Sessions, id, user string) (*session.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	sess, err := sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != user {
		return nil, ErrForbidden
	}
	return sess, nil
}
