package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riskwatch/hazard-alerts/internal/config"
	"github.com/riskwatch/hazard-alerts/internal/metrics"
	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/pipeline"
	"github.com/riskwatch/hazard-alerts/internal/worker"
)

// Handler is the downstream consumer of raw events, normally the pipeline
// coordinator.
type Handler interface {
	Handle(ctx context.Context, raw models.RawEvent) pipeline.Result
}

// Manager owns the worker pool and the background event sources (feed poller,
// kafka consumer). Events from every source funnel through the same pool into
// the handler.
type Manager struct {
	cfg     *config.Config
	handler Handler
	pool    *worker.Pool
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, handler Handler) *Manager {
	return &Manager{
		cfg:     cfg,
		handler: handler,
	}
}

func (m *Manager) Start(ctx context.Context) {
	processor := func(ctx context.Context, raw models.RawEvent) {
		result := m.handler.Handle(ctx, raw)
		if result.Err != nil {
			slog.Warn("event handling finished with error",
				"hazard", raw.HazardType,
				"location", raw.LocationKey,
				"outcome", result.Outcome,
				"error", result.Err)
		}
	}

	m.pool = worker.NewPool(m.cfg.Worker.Count, m.cfg.Worker.BufferSize, processor)
	m.pool.Start(ctx)

	if m.cfg.Sources.FeedEnabled {
		m.wg.Add(1)
		go m.runPoller(ctx, m.cfg.Sources.FeedURL, m.cfg.Sources.FeedPollInterval)
	}

	if m.cfg.Sources.KafkaEnabled {
		m.wg.Add(1)
		go m.runKafka(ctx)
	}
}

func (m *Manager) runPoller(ctx context.Context, url string, interval time.Duration) {
	defer m.wg.Done()
	slog.Info("starting feed poller", "url", url, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial poll
	m.poll(ctx, url)

	for {
		select {
		case <-ctx.Done():
			slog.Info("feed poller shutting down")
			return
		case <-ticker.C:
			m.poll(ctx, url)
		}
	}
}

func (m *Manager) poll(ctx context.Context, url string) {
	slog.Debug("polling feed")

	events, err := fetchFeed(ctx, url)
	if err != nil {
		slog.Error("feed poll failed", "error", err)
		return
	}

	for _, ev := range events {
		m.submit(ev, "feed")
	}

	slog.Debug("feed poll complete", "count", len(events))
}

// submit enqueues without blocking; a full queue drops the event so a slow
// pipeline cannot stall the sources.
func (m *Manager) submit(ev models.RawEvent, source string) bool {
	if m.pool.TrySubmit(ev) {
		metrics.IngestSubmittedTotal.WithLabelValues(source).Inc()
		return true
	}
	metrics.IngestDroppedTotal.WithLabelValues(source).Inc()
	slog.Warn("queue full, dropping event",
		"source", source,
		"hazard", ev.HazardType,
		"location", ev.LocationKey)
	return false
}

// TrySubmit enqueues an externally supplied event. Used by the batch API.
func (m *Manager) TrySubmit(ev models.RawEvent) bool {
	return m.submit(ev, "api")
}

func (m *Manager) Stop() {
	m.wg.Wait()
	m.pool.Stop()
	slog.Info("ingest manager stopped")
}
