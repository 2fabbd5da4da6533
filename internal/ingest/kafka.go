package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/riskwatch/hazard-alerts/internal/models"
)

// runKafka consumes raw prediction events from the configured topic and feeds
// them into the pool. Malformed messages are committed and skipped so a bad
// record cannot wedge the partition.
func (m *Manager) runKafka(ctx context.Context) {
	defer m.wg.Done()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     m.cfg.Sources.KafkaBrokers,
		GroupID:     m.cfg.Sources.KafkaGroupID,
		Topic:       m.cfg.Sources.KafkaTopic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			slog.Error("error closing kafka reader", "error", err)
		}
	}()

	slog.Info("starting kafka consumer",
		"brokers", m.cfg.Sources.KafkaBrokers,
		"topic", m.cfg.Sources.KafkaTopic,
		"group", m.cfg.Sources.KafkaGroupID)

	backoff := time.Second
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("kafka consumer shutting down")
				return
			}
			slog.Error("kafka fetch failed", "error", err)
			select {
			case <-time.After(backoff):
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			case <-ctx.Done():
				slog.Info("kafka consumer shutting down")
				return
			}
		}
		backoff = time.Second

		var ev models.RawEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Warn("skipping malformed kafka message",
				"offset", msg.Offset,
				"partition", msg.Partition,
				"error", err)
		} else {
			m.submit(ev, "kafka")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("kafka commit failed", "error", err)
		}
	}
}
