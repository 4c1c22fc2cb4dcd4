package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var errNotParticipant = errors.New("not a participant of this call")

// StreamSource provides the local media a user's side of a call sends
type StreamSource func(userID string) (media.Stream, error)

// CallHandler exposes the call manager over HTTP
type CallHandler struct {
	calls    *call.Manager
	sessions store.SessionStore
	streams  StreamSource
}

func NewCallHandler(calls *call.Manager, sessions store.SessionStore, streams StreamSource) *CallHandler {
	return &CallHandler{calls: calls, sessions: sessions, streams: streams}
}

// Originate starts a call from the authenticated user
func (h *CallHandler) Originate(c *gin.Context) {
	userID := middleware.UserID(c)

	var req models.OriginateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	local, err := h.streams(userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to open local media")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open local media"})
		return
	}

	id, err := h.calls.OriginateCall(c.Request.Context(), local, req.CalleeID, userID)
	if err != nil {
		local.Stop()
		writeError(c, err)
		return
	}

	log.Info().Str("session_id", id).Str("caller", userID).Str("callee", req.CalleeID).Msg("Call started")
	c.JSON(http.StatusCreated, models.OriginateCallResponse{SessionID: id})
}

// Get reports a call the authenticated user takes part in
func (h *CallHandler) Get(c *gin.Context) {
	rec, role, err := h.participant(c.Request.Context(), middleware.UserID(c), c.Param("callId"))
	if err != nil {
		writeError(c, err)
		return
	}

	info := models.CallInfo{Session: rec}
	if s, ok := h.calls.Session(rec.ID, role); ok {
		info.LocalState = s.State().String()
	}
	c.JSON(http.StatusOK, info)
}

// Accept answers a ringing call addressed to the authenticated user
func (h *CallHandler) Accept(c *gin.Context) {
	if err := h.accept(c.Request.Context(), middleware.UserID(c), c.Param("callId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HangUp ends or declines a call for the authenticated user
func (h *CallHandler) HangUp(c *gin.Context) {
	if err := h.hangUp(c.Request.Context(), middleware.UserID(c), c.Param("callId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) accept(ctx context.Context, userID, sessionID string) error {
	_, role, err := h.participant(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if role != models.RoleResponder {
		return errors.Wrap(call.ErrInvalidState, "only the callee can accept")
	}

	local, err := h.streams(userID)
	if err != nil {
		return errors.Wrap(err, "open local media")
	}
	if err := h.calls.AcceptCall(ctx, sessionID, local); err != nil {
		local.Stop()
		return err
	}
	return nil
}

func (h *CallHandler) hangUp(ctx context.Context, userID, sessionID string) error {
	_, role, err := h.participant(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return h.calls.HangUpAs(ctx, sessionID, role)
}

// participant loads a call record and the side userID plays in it
func (h *CallHandler) participant(ctx context.Context, userID, sessionID string) (*models.CallSession, models.Role, error) {
	rec, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	role, ok := rec.RoleOf(userID)
	if !ok {
		return nil, "", errNotParticipant
	}
	return rec, role, nil
}

// statusFor maps call errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, call.ErrUnknownSession), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvalidCall), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, call.ErrCallEnded), errors.Is(err, call.ErrRemoteHangup):
		return http.StatusGone
	case errors.Is(err, call.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrMediaNegotiation):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrSetupTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("path", c.FullPath()).Msg("Call request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
