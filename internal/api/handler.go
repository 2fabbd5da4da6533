package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/pipeline"
	"github.com/riskwatch/hazard-alerts/internal/store"
)

// Pipeline processes one event synchronously to a terminal outcome.
type Pipeline interface {
	Handle(ctx context.Context, raw models.RawEvent) pipeline.Result
}

// Submitter enqueues events for asynchronous processing.
type Submitter interface {
	TrySubmit(ev models.RawEvent) bool
}

type Handler struct {
	pipe      Pipeline
	submitter Submitter
	history   store.AlertHistory
}

func NewHandler(pipe Pipeline, submitter Submitter, history store.AlertHistory) *Handler {
	return &Handler{
		pipe:      pipe,
		submitter: submitter,
		history:   history,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/events", h.postEvent)
	r.POST("/api/events/batch", h.postEventBatch)
	r.GET("/api/alerts", h.getAlerts)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type eventResponse struct {
	Outcome  string `json:"outcome"`
	Decision string `json:"decision,omitempty"`
	Level    string `json:"level,omitempty"`
	Error    string `json:"error,omitempty"`
}

// postEvent runs one event through the pipeline synchronously so the caller
// sees the terminal outcome.
func (h *Handler) postEvent(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result := h.pipe.Handle(c.Request.Context(), raw)

	resp := eventResponse{
		Outcome:  string(result.Outcome),
		Decision: string(result.Decision),
		Level:    string(result.Level),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	c.JSON(statusFor(result.Outcome), resp)
}

func statusFor(outcome pipeline.Outcome) int {
	switch outcome {
	case pipeline.OutcomeValidationError:
		return http.StatusBadRequest
	case pipeline.OutcomeContention:
		return http.StatusConflict
	case pipeline.OutcomeAlertFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// postEventBatch accepts a batch for asynchronous processing. Events the
// queue cannot absorb are counted as dropped; the caller decides whether to
// resubmit.
func (h *Handler) postEventBatch(c *gin.Context) {
	var raws []models.RawEvent
	if err := c.ShouldBindJSON(&raws); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(raws) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}

	accepted, dropped := 0, 0
	for _, raw := range raws {
		if h.submitter.TrySubmit(raw) {
			accepted++
		} else {
			dropped++
		}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

type alertResponse struct {
	ID             string    `json:"id"`
	Hazard         string    `json:"hazard_type"`
	LocationKey    string    `json:"location_key"`
	Level          string    `json:"level"`
	Decision       string    `json:"decision"`
	Score          float64   `json:"score"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *Handler) getAlerts(c *gin.Context) {
	filter := store.Filter{
		Limit: 20, // Default to 20 alerts if limit param not supplied
	}

	if ht := c.Query("hazard_type"); ht != "" {
		hazard, err := models.ParseHazardType(ht)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Hazard = &hazard
	}
	if loc := c.Query("location_key"); loc != "" {
		filter.LocationKey = &loc
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t, err = time.Parse("2006-01-02", s)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
			return
		}
		filter.Since = &t
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			filter.Limit = lim
		}
	}

	records, err := h.history.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch alerts",
		})
		return
	}

	alerts := make([]alertResponse, 0, len(records))
	for _, rec := range records {
		alerts = append(alerts, alertResponse{
			ID:             rec.ID,
			Hazard:         string(rec.Hazard),
			LocationKey:    rec.LocationKey,
			Level:          string(rec.Level),
			Decision:       string(rec.Decision),
			Score:          rec.Score,
			IdempotencyKey: rec.IdempotencyKey,
			CreatedAt:      rec.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
