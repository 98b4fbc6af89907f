package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"grok2api-go/internal/config"
	"grok2api-go/internal/monitoring/tracing"
	"grok2api-go/internal/token"
	"grok2api-go/internal/version"
)

type handler struct {
	cfg  *config.Config
	deps Dependencies
}

func errorBody(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	if err := h.deps.Store.Health(ctx); err != nil {
		log.WithError(err).Warn("server: storage health check failed")
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.Version,
	})
}

func (h *handler) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.deps.Manager.Stats()})
}

func (h *handler) listTokens(c *gin.Context) {
	poolName := c.DefaultQuery("pool", token.DefaultPoolName)
	tokens := h.deps.Manager.PoolTokens(poolName)
	if tokens == nil {
		c.JSON(http.StatusNotFound, errorBody("pool not found", "not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": poolName, "tokens": tokens})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
	Pool  string `json:"pool"`
}

func (h *handler) addToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error"))
		return
	}
	if err := h.deps.Manager.Add(c.Request.Context(), req.Token, req.Pool); err != nil {
		if errors.Is(err, token.ErrTokenExists) {
			c.JSON(http.StatusConflict, errorBody("token already exists", "conflict"))
			return
		}
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error(), "storage_error"))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (h *handler) removeToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error"))
		return
	}
	removed, err := h.deps.Manager.Remove(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error(), "storage_error"))
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, errorBody("token not found", "not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type resetRequest struct {
	Token string `json:"token"`
}

func (h *handler) resetTokens(c *gin.Context) {
	var req resetRequest
	_ = c.ShouldBindJSON(&req)

	if req.Token == "" {
		if err := h.deps.Manager.ResetAll(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, errorBody(err.Error(), "storage_error"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "scope": "all"})
		return
	}

	found, err := h.deps.Manager.ResetToken(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody(err.Error(), "storage_error"))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorBody("token not found", "not_found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "scope": "token"})
}

type acquireRequest struct {
	Pool   string `json:"pool"`
	Effort string `json:"effort"`
}

// acquireToken hands out an available credential and charges it. An empty
// pool answers 429 so the caller can translate it into backpressure.
func (h *handler) acquireToken(c *gin.Context) {
	var req acquireRequest
	_ = c.ShouldBindJSON(&req)
	if req.Pool == "" {
		req.Pool = token.DefaultPoolName
	}
	effort := token.EffortLow
	if req.Effort == string(token.EffortHigh) {
		effort = token.EffortHigh
	}

	ctx, span := tracing.StartSpan(c.Request.Context(), "server", "Tokens.Acquire",
		trace.WithAttributes(tracing.PoolAttr(req.Pool)))
	defer span.End()

	// pick up other instances' writes before selecting
	if err := h.deps.Manager.ReloadIfStale(ctx); err != nil {
		log.WithError(err).Warn("server: stale reload failed, serving from memory")
	}

	secret, ok := h.deps.Manager.GetToken(req.Pool)
	if !ok {
		c.JSON(http.StatusTooManyRequests, errorBody("no token with remaining quota", "no_capacity"))
		return
	}
	h.deps.Manager.Consume(secret, effort)
	c.JSON(http.StatusOK, gin.H{"token": secret, "pool": req.Pool, "effort": effort})
}

func (h *handler) refresh(c *gin.Context) {
	summary, err := h.deps.Scheduler.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "refresh_error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}
