package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coco/internal/coach"
	"github.com/suPer8Hu/coco/internal/common"
	"github.com/suPer8Hu/coco/internal/config"
	"github.com/suPer8Hu/coco/internal/httpapi/handlers"
	"github.com/suPer8Hu/coco/internal/httpapi/middleware"
)

func NewRouter(cfg config.Config, svc *coach.Service) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(cfg.OriginAllowed))

	h := handlers.NewHandler(cfg, svc)

	r.GET("/", h.Root)
	r.GET("/ping", h.Ping)

	// sessions
	r.POST("/session", h.CreateSession)
	r.GET("/session/:id", h.GetSession)
	r.POST("/session/:id/finish", h.FinishSession)

	// live relay
	r.GET("/ws/:session_id", h.SessionStream)
	return r
}
