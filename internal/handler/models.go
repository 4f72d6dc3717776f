package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"massive/internal/publish"
	"massive/internal/spot"
	"massive/internal/store"
)

// apiResponse is the uniform body for every read endpoint. Meta carries
// request-scoped qualifiers such as the staleness flag; Data is the payload.
type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{Code: 0, Message: "ok", Data: data, Meta: meta})
}

func fail(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{Code: status, Message: message, Meta: meta})
}

// ModelHandler is the read-only gateway over the published key-value surface.
// Consumers that cannot subscribe to the bus poll these endpoints instead.
type ModelHandler struct {
	Store     store.Store
	Freshness time.Duration
}

func (h *ModelHandler) Register(r *gin.Engine) {
	r.GET("/v1/spot/:symbol", h.getSpot)
	r.GET("/v1/models/:underlying/:family", h.getModel)
}

func (h *ModelHandler) getSpot(c *gin.Context) {
	symbol := c.Param("symbol")
	ctx := c.Request.Context()

	raw, found, err := h.Store.Get(ctx, spot.QuoteKey(symbol))
	if err != nil {
		fail(c, http.StatusInternalServerError, "store read failed", nil)
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "no quote for symbol", gin.H{"symbol": symbol})
		return
	}
	var quote json.RawMessage = raw

	var trail json.RawMessage
	if rawTrail, found, err := h.Store.Get(ctx, spot.TrailKey(symbol)); err == nil && found {
		trail = rawTrail
	}
	ok(c, gin.H{"quote": quote, "trail": trail}, nil)
}

func (h *ModelHandler) getModel(c *gin.Context) {
	underlying := c.Param("underlying")
	family := c.Param("family")

	raw, found, err := h.Store.Get(c.Request.Context(), publish.ModelKey(family, underlying))
	if err != nil {
		fail(c, http.StatusInternalServerError, "store read failed", nil)
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "model not published yet", gin.H{
			"underlying": underlying,
			"family":     family,
		})
		return
	}
	var env publish.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		fail(c, http.StatusInternalServerError, "corrupt model envelope", nil)
		return
	}

	freshness := h.Freshness
	if freshness <= 0 {
		freshness = 30 * time.Second
	}
	stale := time.Since(env.ComputedAt) > freshness
	ok(c, env, map[string]any{"stale": stale})
}
