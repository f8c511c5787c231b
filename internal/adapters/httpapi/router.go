// Package httpapi exposes the local observability surface: metrics,
// health and a read-only session snapshot for debugging.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxhall/groupcall/internal/call"
	"github.com/voxhall/groupcall/internal/core"
)

func SetupRouter(mode string, ctl *call.Controller, dir core.Directory) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/debug/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":       ctl.State(),
			"ssrc":        ctl.MySsrc(),
			"muted":       ctl.Muted().String(),
			"video_large": ctl.VideoStreamLarge(),
		})
	})
	r.GET("/debug/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, dir.Participants())
	})
	return r
}
