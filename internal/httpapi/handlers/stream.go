package handlers

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/coco/internal/relay"
	"github.com/suPer8Hu/coco/internal/session"
)

// SessionStream upgrades to a WebSocket and relays the session's conversation until
// either side ends it.
func (h *Handler) SessionStream(c *gin.Context) {
	id := strings.TrimSpace(c.Param("session_id"))

	ws, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		log.Printf("[SessionStream] upgrade failed session_id=%s err=%v", id, err)
		return
	}

	rl, err := h.Coach.OpenRelay(c.Request.Context(), id, ws)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			relay.Reject(ws, relay.CloseSessionNotFound, "session not found", h.Cfg.WSWriteTimeout)
		case errors.Is(err, session.ErrInvalidState):
			relay.Reject(ws, relay.CloseAlreadyBound, err.Error(), h.Cfg.WSWriteTimeout)
		default:
			log.Printf("[SessionStream] open relay failed session_id=%s err=%v", id, err)
			relay.Reject(ws, websocket.CloseInternalServerErr, "internal error", h.Cfg.WSWriteTimeout)
		}
		return
	}

	// Hijacked connections outlive request cancellation; shutdown stops relays through
	// the coordinator instead.
	if err := rl.Run(context.WithoutCancel(c.Request.Context())); err != nil {
		log.Printf("[SessionStream] relay ended with error session_id=%s err=%v", id, err)
	}
}
