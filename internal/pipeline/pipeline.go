// Package pipeline wires normalization, policy evaluation, state persistence,
// and dispatch into the single entry point external callers use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riskwatch/hazard-alerts/internal/dispatch"
	"github.com/riskwatch/hazard-alerts/internal/metrics"
	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/policy"
	"github.com/riskwatch/hazard-alerts/internal/sink"
	"github.com/riskwatch/hazard-alerts/internal/store"
)

type Outcome string

const (
	OutcomeAcceptedNoAction Outcome = "ACCEPTED_NO_ACTION"
	OutcomeAlertSent        Outcome = "ALERT_SENT"
	OutcomeAlertFailed      Outcome = "ALERT_FAILED"
	OutcomeValidationError  Outcome = "VALIDATION_ERROR"
	OutcomeContention       Outcome = "CONTENTION"
)

// Result is the terminal answer for one event. No error escapes Handle;
// every failure mode maps to an Outcome plus optional detail.
type Result struct {
	Outcome  Outcome
	Decision models.Decision
	Level    models.AlertLevel
	Err      error
}

// Config collects the coordinator's collaborators.
type Config struct {
	States     store.StateStore
	History    store.AlertHistory
	Dispatcher *dispatch.Dispatcher
	Policies   map[models.HazardType]policy.Thresholds
	Reports    *sink.Broadcaster

	// CASRetries bounds re-evaluations after a version conflict.
	CASRetries int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

type Coordinator struct {
	states     store.StateStore
	history    store.AlertHistory
	dispatcher *dispatch.Dispatcher
	policies   map[models.HazardType]policy.Thresholds
	reports    *sink.Broadcaster
	casRetries int
	now        func() time.Time
}

func New(cfg Config) *Coordinator {
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		states:     cfg.States,
		history:    cfg.History,
		dispatcher: cfg.Dispatcher,
		policies:   cfg.Policies,
		reports:    cfg.Reports,
		casRetries: cfg.CASRetries,
		now:        cfg.Clock,
	}
}

// Handle processes one raw event to a terminal Outcome: normalize, evaluate
// the threshold policy against the key's state, commit via compare-and-swap
// (re-reading on conflict, up to the bound), then dispatch if the decision
// notifies.
func (c *Coordinator) Handle(ctx context.Context, raw models.RawEvent) Result {
	start := c.now()
	defer func() {
		metrics.HandleDuration.Observe(time.Since(start).Seconds())
	}()

	ev, err := raw.Normalize()
	if err != nil {
		metrics.EventsTotal.WithLabelValues(raw.HazardType, string(OutcomeValidationError)).Inc()
		return Result{Outcome: OutcomeValidationError, Err: err}
	}

	thresholds, ok := c.policies[ev.Hazard]
	if !ok {
		metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeValidationError)).Inc()
		return Result{
			Outcome: OutcomeValidationError,
			Err:     &models.ValidationError{Field: "hazard_type", Reason: fmt.Sprintf("no policy configured for %s", ev.Hazard)},
		}
	}

	decision, committed := c.commit(ctx, ev, thresholds)
	if !committed {
		c.reportContention(ev)
		metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeContention)).Inc()
		return Result{Outcome: OutcomeContention, Err: errors.New("compare-and-swap retries exhausted")}
	}

	if decision.Decision == models.DecisionNoAction {
		metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeAcceptedNoAction)).Inc()
		return Result{Outcome: OutcomeAcceptedNoAction, Decision: decision.Decision, Level: decision.State.Level}
	}

	metrics.PolicyTransitionsTotal.WithLabelValues(string(ev.Hazard), string(decision.Decision)).Inc()
	c.record(ctx, decision)

	if !decision.Decision.Notifies() {
		metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeAcceptedNoAction)).Inc()
		return Result{Outcome: OutcomeAcceptedNoAction, Decision: decision.Decision, Level: decision.State.Level}
	}

	if err := c.dispatcher.Dispatch(ctx, decision); err != nil {
		metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeAlertFailed)).Inc()
		return Result{Outcome: OutcomeAlertFailed, Decision: decision.Decision, Level: decision.State.Level, Err: err}
	}

	metrics.EventsTotal.WithLabelValues(string(ev.Hazard), string(OutcomeAlertSent)).Inc()
	return Result{Outcome: OutcomeAlertSent, Decision: decision.Decision, Level: decision.State.Level}
}

// commit evaluates and persists under optimistic concurrency. A conflict
// means another writer committed first; re-read and re-evaluate against the
// fresh state. Storage errors count against the same bound: the event is
// dropped as contention and the next event re-evaluates from current state.
func (c *Coordinator) commit(ctx context.Context, ev models.PredictionEvent, thresholds policy.Thresholds) (models.AlertDecision, bool) {
	for i := 0; i < c.casRetries; i++ {
		state, version, err := c.states.GetState(ctx, ev.Hazard, ev.LocationKey)
		if err != nil {
			slog.Error("error reading alert state",
				"hazard", ev.Hazard, "location_key", ev.LocationKey, "error", err)
			continue
		}

		decision, next := policy.Evaluate(ev, state, thresholds, c.now())

		err = c.states.CompareAndSwapState(ctx, ev.Hazard, ev.LocationKey, version, next)
		if err == nil {
			return decision, true
		}
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.StateConflictsTotal.Inc()
			slog.Debug("state version conflict, retrying",
				"hazard", ev.Hazard, "location_key", ev.LocationKey, "version", version)
			continue
		}
		slog.Error("error writing alert state",
			"hazard", ev.Hazard, "location_key", ev.LocationKey, "error", err)
	}
	return models.AlertDecision{}, false
}

func (c *Coordinator) record(ctx context.Context, decision models.AlertDecision) {
	if c.history == nil {
		return
	}
	rec := &models.AlertRecord{
		ID:             uuid.NewString(),
		Hazard:         decision.Event.Hazard,
		LocationKey:    decision.Event.LocationKey,
		Level:          decision.State.Level,
		Decision:       decision.Decision,
		Score:          decision.Event.Score,
		IdempotencyKey: decision.IdempotencyKey,
		CreatedAt:      c.now().UTC(),
	}
	// History is observability, not correctness; a write failure must not
	// fail the event.
	if err := c.history.RecordAlert(ctx, rec); err != nil {
		slog.Error("error recording alert history",
			"hazard", rec.Hazard, "location_key", rec.LocationKey, "error", err)
	}
}

func (c *Coordinator) reportContention(ev models.PredictionEvent) {
	if c.reports == nil {
		return
	}
	c.reports.Report(sink.Report{
		Kind:        sink.ReportContention,
		Hazard:      string(ev.Hazard),
		LocationKey: ev.LocationKey,
		Detail:      fmt.Sprintf("dropped after %d compare-and-swap attempts", c.casRetries),
	})
}
