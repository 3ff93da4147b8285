// Package management implements the password-protected administrative
// endpoints: key submission, deletion, pool status with usage counters, and
// a view of the live connection table.
package management

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
)

// Handler serves the management endpoints.
type Handler struct {
	pool     *keypool.Pool
	usage    *usage.Store
	registry *connection.Registry
}

// NewHandler creates the management handler set.
func NewHandler(pool *keypool.Pool, store *usage.Store, registry *connection.Registry) *Handler {
	return &Handler{pool: pool, usage: store, registry: registry}
}

type keyRequest struct {
	Key string `json:"key" binding:"required"`
}

type keyView struct {
	Key           string     `json:"key"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
	Requests      int64      `json:"requests,omitempty"`
	Successes     int64      `json:"successes,omitempty"`
	Failures      int64      `json:"failures,omitempty"`
}

// ListKeys handles GET /v0/management/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	now := time.Now()
	keys := h.pool.Status()
	views := make([]keyView, 0, len(keys))
	for i := range keys {
		view := keyView{
			Key:           keys[i].Key,
			CooldownUntil: keys[i].CooldownUntil,
			Available:     keys[i].Available(now),
		}
		if stats, ok := h.usage.Stats(keys[i].Key); ok {
			view.Requests = stats.Requests
			view.Successes = stats.Successes
			view.Failures = stats.Failures
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// SubmitKey handles POST /v0/management/keys.
func (h *Handler) SubmitKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	h.pool.Submit(config.KeyStatus{Key: req.Key})
	c.JSON(http.StatusOK, gin.H{"status": "submitted"})
}

// DeleteKey handles DELETE /v0/management/keys.
func (h *Handler) DeleteKey(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	if err := h.pool.Delete(config.KeyStatus{Key: req.Key}); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type connectionView struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RequestCount int64     `json:"request_count"`
}

// ListConnections handles GET /v0/management/connections.
func (h *Handler) ListConnections(c *gin.Context) {
	infos := h.registry.All()
	views := make([]connectionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, connectionView{
			ID:           string(info.ID),
			RemoteAddr:   info.RemoteAddr,
			CreatedAt:    info.CreatedAt,
			RequestCount: info.RequestCount(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(views), "connections": views})
}
