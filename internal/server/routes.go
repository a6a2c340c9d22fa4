package server

import (
	"net/http"
	"time"

	"github.com/danmuck/realmgate/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *Admin) registerRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(a.started).String(),
			"component": a.Name,
			"version":   Version,
			"sessions":  a.sessions.Len(),
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.backend == nil || a.backend.Connected()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"backend": ready,
		})
	})

	sessions := a.router.Group("/sessions")
	if a.guard != nil {
		sessions.Use(auth.RequireBearer(a.guard))
	}

	sessions.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": a.sessions.Snapshot(),
		})
	})

	sessions.GET("/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, info := range a.sessions.Snapshot() {
			if info.ID == id {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
