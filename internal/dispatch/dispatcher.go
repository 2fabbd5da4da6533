// Package dispatch turns alert decisions into notification attempts against
// an abstract transport, with bounded retry and a durable attempt ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/riskwatch/hazard-alerts/internal/metrics"
	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/sink"
	"github.com/riskwatch/hazard-alerts/internal/store"
)

// Config bounds the retry behavior. Exhaustion is surfaced, never silent.
type Config struct {
	MaxAttempts int           // total attempts per recipient, including the first
	BackoffBase time.Duration // first retry delay, doubled each retry
	BackoffCap  time.Duration // ceiling for the delay
	SendTimeout time.Duration // per-attempt deadline
}

// Recipients resolves who gets notified for a hazard at a location.
// A per-location entry overrides the hazard-wide list.
type Recipients struct {
	ByHazard   map[models.HazardType][]string
	ByLocation map[string][]string
}

func (r Recipients) Resolve(hazard models.HazardType, locationKey string) []string {
	if rcpts, ok := r.ByLocation[locationKey]; ok {
		return rcpts
	}
	return r.ByHazard[hazard]
}

type Dispatcher struct {
	transport  Transport
	ledger     store.AttemptLedger
	recipients Recipients
	cfg        Config
	reports    *sink.Broadcaster
}

func NewDispatcher(transport Transport, ledger store.AttemptLedger, recipients Recipients, cfg Config, reports *sink.Broadcaster) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		transport:  transport,
		ledger:     ledger,
		recipients: recipients,
		cfg:        cfg,
		reports:    reports,
	}
}

// Dispatch delivers the decision to every resolved recipient. Confirmed
// ledger entries are skipped, so invoking Dispatch twice for the same
// transition never doubles a delivery. Returns an error if any recipient
// could not be confirmed.
func (d *Dispatcher) Dispatch(ctx context.Context, decision models.AlertDecision) error {
	recipients := d.recipients.Resolve(decision.Event.Hazard, decision.Event.LocationKey)
	if len(recipients) == 0 {
		slog.Warn("no recipients configured",
			"hazard", decision.Event.Hazard,
			"location_key", decision.Event.LocationKey)
		return nil
	}

	message := formatMessage(decision)

	var errs []error
	for _, recipient := range recipients {
		if err := d.deliver(ctx, decision, recipient, message); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", recipient, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, decision models.AlertDecision, recipient, message string) error {
	attempt, err := d.ledger.GetAttempt(ctx, decision.IdempotencyKey, recipient)
	if err != nil {
		return fmt.Errorf("error reading attempt ledger: %w", err)
	}
	if attempt != nil && attempt.Status == models.AttemptConfirmed {
		slog.Debug("delivery already confirmed, skipping",
			"idempotency_key", decision.IdempotencyKey, "recipient", recipient)
		metrics.DispatchAttemptsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if attempt == nil {
		attempt = &models.NotificationAttempt{
			IdempotencyKey: decision.IdempotencyKey,
			Recipient:      recipient,
		}
	}
	attempt.Message = message

	backoff := d.cfg.BackoffBase
	var lastErr error

	for attempt.AttemptCount < d.cfg.MaxAttempts {
		if attempt.AttemptCount > 0 {
			metrics.DispatchRetriesTotal.Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
				if backoff > d.cfg.BackoffCap {
					backoff = d.cfg.BackoffCap
				}
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt.LastError = lastErr.Error()
				return d.fail(ctx, decision, attempt, lastErr)
			}
		}
		attempt.AttemptCount++

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err := d.transport.Send(sendCtx, recipient, message, decision.IdempotencyKey)
		cancel()

		if err == nil {
			attempt.Status = models.AttemptConfirmed
			attempt.LastError = ""
			attempt.UpdatedAt = time.Now().UTC()
			if err := d.ledger.UpsertAttempt(ctx, attempt); err != nil {
				// Delivery succeeded; a ledger write failure must not fail
				// the dispatch, but a restart may re-send this transition.
				slog.Error("error recording confirmed attempt",
					"idempotency_key", decision.IdempotencyKey, "recipient", recipient, "error", err)
			}
			metrics.DispatchAttemptsTotal.WithLabelValues("confirmed").Inc()
			slog.Info("notification delivered",
				"idempotency_key", decision.IdempotencyKey,
				"recipient", recipient,
				"attempts", attempt.AttemptCount)
			return nil
		}

		lastErr = err
		attempt.LastError = err.Error()

		var perm *PermanentError
		if errors.As(err, &perm) {
			return d.fail(ctx, decision, attempt, lastErr)
		}

		// Deadline expiry and other transient failures stay retryable.
		attempt.Status = models.AttemptPending
		attempt.UpdatedAt = time.Now().UTC()
		if err := d.ledger.UpsertAttempt(ctx, attempt); err != nil {
			slog.Error("error recording pending attempt",
				"idempotency_key", decision.IdempotencyKey, "recipient", recipient, "error", err)
		}
		slog.Warn("notification attempt failed",
			"idempotency_key", decision.IdempotencyKey,
			"recipient", recipient,
			"attempt", attempt.AttemptCount,
			"error", err)
	}

	// lastErr is nil when the persisted count already spent the budget and
	// the loop never ran.
	if lastErr == nil {
		return d.fail(ctx, decision, attempt, fmt.Errorf("attempt budget already exhausted after %d attempts", attempt.AttemptCount))
	}
	return d.fail(ctx, decision, attempt, fmt.Errorf("retries exhausted after %d attempts: %w", attempt.AttemptCount, lastErr))
}

// fail marks the attempt FAILED and reports it to the operator sink.
func (d *Dispatcher) fail(ctx context.Context, decision models.AlertDecision, attempt *models.NotificationAttempt, cause error) error {
	attempt.Status = models.AttemptFailed
	attempt.UpdatedAt = time.Now().UTC()
	if err := d.ledger.UpsertAttempt(ctx, attempt); err != nil {
		slog.Error("error recording failed attempt",
			"idempotency_key", attempt.IdempotencyKey, "recipient", attempt.Recipient, "error", err)
	}
	metrics.DispatchAttemptsTotal.WithLabelValues("failed").Inc()

	if d.reports != nil {
		d.reports.Report(sink.Report{
			Kind:           sink.ReportFailedDispatch,
			Hazard:         string(decision.Event.Hazard),
			LocationKey:    decision.Event.LocationKey,
			IdempotencyKey: decision.IdempotencyKey,
			Detail:         fmt.Sprintf("recipient %s: %v", attempt.Recipient, cause),
		})
	}
	return cause
}

func formatMessage(decision models.AlertDecision) string {
	ev := decision.Event
	switch decision.Decision {
	case models.DecisionEscalate:
		return fmt.Sprintf("%s risk remains elevated at %s: score %.2f", ev.Hazard, ev.LocationKey, ev.Score)
	default:
		return fmt.Sprintf("%s alert for %s: score %.2f (level %s)", ev.Hazard, ev.LocationKey, ev.Score, decision.State.Level)
	}
}
