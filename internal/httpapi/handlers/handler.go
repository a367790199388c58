package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/coco/internal/coach"
	"github.com/suPer8Hu/coco/internal/config"
)

type Handler struct {
	Cfg      config.Config
	Coach    *coach.Service
	Upgrader websocket.Upgrader
}

func NewHandler(cfg config.Config, svc *coach.Service) *Handler {
	return &Handler{
		Cfg:   cfg,
		Coach: svc,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.OriginAllowed(r.Header.Get("Origin"))
			},
		},
	}
}
