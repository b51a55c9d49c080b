package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dkeye/Lesson/internal/adapters/backend"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type sessionHandlers struct {
	orch *orch.Orchestrator
}

func caller(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.GetString(participantKey))
}

func isService(c *gin.Context) bool {
	return c.GetBool(serviceKey)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, domain.ErrBadPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrParticipantIDEmpty) || errors.Is(err, domain.ErrParticipantIDTooLong) ||
		errors.Is(err, domain.ErrDisplayNameTooLong) {
		err = fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, backend.ErrorBody{Code: core.ErrorCode(err), Error: err.Error()})
}

// requireInitiator lets the session's initiator (or the relay service) act on it.
func (h *sessionHandlers) requireInitiator(c *gin.Context, id domain.SessionID) bool {
	if isService(c) {
		return true
	}
	info, err := h.orch.Gate.Authorize(c.Request.Context(), id, caller(c))
	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		writeError(c, err)
		return false
	}
	if info.InitiatorID != caller(c) {
		writeError(c, fmt.Errorf("%w: only the initiator may manage the session", domain.ErrNotAuthorized))
		return false
	}
	return true
}

// me reports the identity the caller's cookie carries.
func (h *sessionHandlers) me(c *gin.Context) {
	c.JSON(http.StatusOK, backend.Identity{ParticipantID: caller(c)})
}

func (h *sessionHandlers) create(c *gin.Context) {
	info, err := h.orch.Directory.CreateSession(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.orch.Metrics.SessionsCreated.Inc()
	log.Info().Str("module", "adapters.http").Str("session", string(info.ID)).Str("initiator", string(info.InitiatorID)).Msg("session created")
	c.JSON(http.StatusCreated, info)
}

func (h *sessionHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.orch.Rooms.List()})
}

func (h *sessionHandlers) get(c *gin.Context) {
	room, ok := h.orch.Rooms.GetRoom(domain.SessionID(c.Param("id")))
	if !ok {
		writeError(c, domain.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": room.Session(),
		"members": room.MembersSnapshot(),
	})
}

func (h *sessionHandlers) end(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if !h.requireInitiator(c, id) {
		return
	}
	if !h.orch.EndSession(c.Request.Context(), id, "", "api") {
		if err := h.orch.Directory.EndSession(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *sessionHandlers) grant(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	var req backend.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
		return
	}
	if !h.requireInitiator(c, id) {
		return
	}
	if err := h.orch.Directory.Grant(c.Request.Context(), id, req.ParticipantID, req.DisplayName); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

func (h *sessionHandlers) verify(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	var req backend.VerifyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, fmt.Errorf("%w: %v", domain.ErrBadPayload, err))
			return
		}
	}
	switch {
	case req.ParticipantID == "":
		req.ParticipantID = caller(c)
	case req.ParticipantID != caller(c) && !isService(c):
		writeError(c, fmt.Errorf("%w: only the relay may verify another participant", domain.ErrNotAuthorized))
		return
	}
	info, err := h.orch.Gate.Authorize(c.Request.Context(), id, req.ParticipantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
