package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"massive/internal/chain"
	"massive/internal/spot"
	"massive/internal/store"
)

type HealthHandler struct {
	Store store.Store
	Spot  *spot.Poller
	Chain *chain.Discovery
}

func (h *HealthHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.health)
	r.GET("/readyz", h.ready)
}

func (h *HealthHandler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HealthHandler) ready(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_missing"})
		return
	}
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "store_unreachable"})
		return
	}
	body := gin.H{"status": "ready"}
	if h.Spot != nil {
		body["spot"] = h.Spot.Health()
	}
	if h.Chain != nil {
		body["chain"] = h.Chain.Health()
	}
	c.JSON(http.StatusOK, body)
}
