package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/enclaveworks/enclave/internal/common/logger"
)

// NewAdminRouter builds the sidecar-mode admin API. In unix-socket mode the
// control plane configures proxies in-process and this surface is not bound;
// in sidecar mode it must be reachable only from the control plane, enforced
// by network policy.
func NewAdminRouter(p *Proxy, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Initial push of credentials and allow-list.
	router.POST("/admin/config", func(c *gin.Context) {
		var cfg Config
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p.Configure(cfg)
		log.Info("Proxy configuration updated")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Atomic swap of MCP header rules.
	router.POST("/admin/update-rules", func(c *gin.Context) {
		var body struct {
			Rules []HeaderRule `json:"rules"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		p.UpdateRules(body.Rules)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}
