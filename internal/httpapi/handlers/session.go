package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coco/internal/coach"
	"github.com/suPer8Hu/coco/internal/common"
	"github.com/suPer8Hu/coco/internal/httpapi/middleware"
	"github.com/suPer8Hu/coco/internal/session"
)

func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": h.Cfg.AppName + " running"})
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

type createSessionReq struct {
	Context      string `json:"context"`
	Goal         string `json:"goal"`
	UserName     string `json:"user_name"`
	Participants string `json:"participants"`
	Tone         string `json:"tone"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sess, msg, err := h.Coach.CreateSession(c.Request.Context(), coach.CreateInput{
		Context:      req.Context,
		Goal:         req.Goal,
		UserName:     req.UserName,
		Participants: req.Participants,
		Tone:         req.Tone,
	})
	if err != nil {
		writeError(c, "CreateSession", "", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID,
		"message":    msg,
	})
}

func (h *Handler) GetSession(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	st, err := h.Coach.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, "GetSession", id, err)
		return
	}

	s := st.Session
	var finishedAt *time.Time
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		finishedAt = &t
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":   s.ID,
		"state":        s.State,
		"user_name":    s.UserName,
		"context":      s.Context,
		"goal":         s.Goal,
		"participants": s.Participants,
		"tone":         s.Tone,
		"transcript":   s.Transcript,
		"relay_active": st.RelayActive,
		"created_at":   s.CreatedAt,
		"finished_at":  finishedAt,
	})
}

func (h *Handler) FinishSession(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	report, err := h.Coach.Finish(c.Request.Context(), id)
	if err != nil {
		writeError(c, "FinishSession", id, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeError maps the session error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, op, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, session.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40404, "session not found")
	case errors.Is(err, session.ErrInvalidState):
		common.Fail(c, http.StatusConflict, 40900, err.Error())
	case errors.Is(err, session.ErrUpstream):
		log.Printf("[%s] upstream failure request_id=%s session_id=%s err=%v", op, middleware.RequestIDFrom(c), sessionID, err)
		common.Fail(c, http.StatusBadGateway, 50200, "upstream service failed")
	default:
		log.Printf("[%s] failed request_id=%s session_id=%s err=%v", op, middleware.RequestIDFrom(c), sessionID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
