package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	assessments    *service.AssessmentService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	assessments *service.AssessmentService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		assessments:    assessments,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorAssessmentSSE godoc
// GET /api/v1/admin/assessments/:slug/monitor
// Streams started/violation/submitted events of every attempt of the assessment.
func (h *MonitorHandler) MonitorAssessmentSSE(c *gin.Context) {
	reqCtx := c.Request.Context()
	slug := c.Param("slug")

	a, err := h.assessments.GetBySlug(reqCtx, slug)
	if err != nil {
		if errors.Is(err, service.ErrAssessmentNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrAssessmentNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// 1. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// 2. Initial snapshot
	h.sendSnapshot(c, reqCtx, a)

	// 3. Subscribe to Redis Pub/Sub
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssessmentMonitorChannel(slug))
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something happens on the channel
	active := false

	h.log.Info().Str("slug", slug).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("slug", slug).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are published as JSON; forward them untouched.
			writeSSE(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			h.sendRefresh(c, reqCtx, a)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, a *model.Assessment) {
	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	progress, err := h.monitorService.GetProgress(fetchCtx, a.ID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch initial monitor snapshot")
		progress = &service.ProgressSnapshot{ViolationCounts: map[int]int64{}}
	}

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": gin.H{
			"assessment": gin.H{
				"id":               a.ID.String(),
				"slug":             a.Slug,
				"title":            a.Title,
				"duration_seconds": a.DurationSeconds,
				"max_violations":   a.MaxViolations,
			},
			"progress": progress,
		},
	})
	c.Writer.Flush()
}

// sendRefresh re-queries the aggregates and sends a compact refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, a *model.Assessment) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	progress, err := h.monitorService.GetProgress(ctx, a.ID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch monitor progress for refresh")
		return
	}

	c.SSEvent("message", gin.H{
		"type":     "refresh",
		"progress": progress,
	})
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
