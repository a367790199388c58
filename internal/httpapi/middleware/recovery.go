package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coco/internal/common"
)

// Recovery turns a handler panic into a 500 envelope and keeps the server up.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[Recovery] panic request_id=%s path=%s err=%v\n%s",
					RequestIDFrom(c), c.Request.URL.Path, rec, debug.Stack())
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal server error")
			}
		}()
		c.Next()
	}
}
