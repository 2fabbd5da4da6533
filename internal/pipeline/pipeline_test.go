package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riskwatch/hazard-alerts/internal/dispatch"
	"github.com/riskwatch/hazard-alerts/internal/models"
	"github.com/riskwatch/hazard-alerts/internal/policy"
	"github.com/riskwatch/hazard-alerts/internal/sink"
	"github.com/riskwatch/hazard-alerts/internal/store"
)

// countingTransport records successful deliveries per idempotency key.
type countingTransport struct {
	mu        sync.Mutex
	delivered map[string]int
	fail      error // returned on every send when set
}

func newCountingTransport() *countingTransport {
	return &countingTransport{delivered: make(map[string]int)}
}

func (c *countingTransport) Send(ctx context.Context, recipient, message, idempotencyKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.delivered[idempotencyKey]++
	return nil
}

func (c *countingTransport) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.delivered {
		n += v
	}
	return n
}

// fakeClock lets tests move time past the cooldown window.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testPolicies() map[models.HazardType]policy.Thresholds {
	th := policy.Thresholds{
		High:            0.8,
		Low:             0.4,
		ConsecutiveHigh: 3,
		ConsecutiveLow:  2,
		Cooldown:        time.Hour,
	}
	return map[models.HazardType]policy.Thresholds{
		models.HazardEarthquake: th,
		models.HazardFlood:      th,
	}
}

type fixture struct {
	coord     *Coordinator
	transport *countingTransport
	sqlite    *store.SQLiteStore
	clock     *fakeClock
	reports   *sink.Broadcaster
}

func setup(t *testing.T) *fixture {
	t.Helper()

	sqlite, err := store.NewSQLiteStore(t.TempDir() + "/pipeline.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	transport := newCountingTransport()
	recipients := dispatch.Recipients{
		ByHazard: map[models.HazardType][]string{
			models.HazardEarthquake: {"+15550001111"},
			models.HazardFlood:      {"+15550002222"},
		},
	}
	reports := sink.NewBroadcaster()
	t.Cleanup(reports.Close)

	dispatcher := dispatch.NewDispatcher(transport, sqlite, recipients, dispatch.Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		SendTimeout: time.Second,
	}, reports)

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	coord := New(Config{
		States:     sqlite,
		History:    sqlite,
		Dispatcher: dispatcher,
		Policies:   testPolicies(),
		Reports:    reports,
		CASRetries: 3,
		Clock:      clock.Now,
	})

	return &fixture{coord: coord, transport: transport, sqlite: sqlite, clock: clock, reports: reports}
}

func rawEvent(hazard, location string, score float64, at time.Time) models.RawEvent {
	return models.RawEvent{
		HazardType:   hazard,
		LocationKey:  location,
		Score:        score,
		ObservedAt:   at.Format(time.RFC3339),
		ModelVersion: "eq-lstm-v4",
	}
}

func TestHandle_WorkedExample(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Scores [0.9, 0.85, 0.95] at a fresh key.
	expected := []struct {
		score   float64
		outcome Outcome
		level   models.AlertLevel
	}{
		{0.9, OutcomeAcceptedNoAction, models.LevelWatch},
		{0.85, OutcomeAcceptedNoAction, models.LevelWatch},
		{0.95, OutcomeAlertSent, models.LevelAlert},
	}
	for i, step := range expected {
		f.clock.Advance(time.Minute)
		res := f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", step.score, f.clock.Now()))
		if res.Outcome != step.outcome {
			t.Errorf("event %d: expected %s, got %s (err: %v)", i, step.outcome, res.Outcome, res.Err)
		}
		if res.Level != step.level {
			t.Errorf("event %d: expected level %s, got %s", i, step.level, res.Level)
		}
	}

	if f.transport.total() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", f.transport.total())
	}

	// Subsequent scores [0.3, 0.2] clear the alert without notifying.
	for i, score := range []float64{0.3, 0.2} {
		f.clock.Advance(time.Minute)
		res := f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", score, f.clock.Now()))
		if res.Outcome != OutcomeAcceptedNoAction {
			t.Errorf("clear event %d: expected ACCEPTED_NO_ACTION, got %s", i, res.Outcome)
		}
	}

	state, _, err := f.sqlite.GetState(ctx, models.HazardEarthquake, "9q8yy")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Level != models.LevelNormal {
		t.Errorf("expected NORMAL after sustained low scores, got %s", state.Level)
	}
	if f.transport.total() != 1 {
		t.Errorf("clears must not notify; got %d deliveries", f.transport.total())
	}
}

func TestHandle_CooldownGatesEscalation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.coord.Handle(ctx, rawEvent("FLOOD", "station-12", 0.9, f.clock.Now()))
	}
	if f.transport.total() != 1 {
		t.Fatalf("expected 1 delivery after alert entry, got %d", f.transport.total())
	}

	// Sustained high inside the cooldown window: no second notification.
	f.clock.Advance(10 * time.Minute)
	res := f.coord.Handle(ctx, rawEvent("FLOOD", "station-12", 0.92, f.clock.Now()))
	if res.Outcome != OutcomeAcceptedNoAction {
		t.Errorf("expected ACCEPTED_NO_ACTION inside cooldown, got %s", res.Outcome)
	}
	if f.transport.total() != 1 {
		t.Errorf("expected no delivery inside cooldown, got %d", f.transport.total())
	}

	// Past the window: exactly one escalation.
	f.clock.Advance(2 * time.Hour)
	res = f.coord.Handle(ctx, rawEvent("FLOOD", "station-12", 0.93, f.clock.Now()))
	if res.Outcome != OutcomeAlertSent {
		t.Errorf("expected ALERT_SENT after cooldown, got %s (err: %v)", res.Outcome, res.Err)
	}
	if res.Decision != models.DecisionEscalate {
		t.Errorf("expected ESCALATE, got %s", res.Decision)
	}
	if f.transport.total() != 2 {
		t.Errorf("expected 2 deliveries, got %d", f.transport.total())
	}
}

func TestHandle_ValidationErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  models.RawEvent
	}{
		{"unknown hazard", rawEvent("VOLCANO", "9q8yy", 0.5, f.clock.Now())},
		{"score above range", rawEvent("EARTHQUAKE", "9q8yy", 1.5, f.clock.Now())},
		{"score below range", rawEvent("EARTHQUAKE", "9q8yy", -0.1, f.clock.Now())},
		{"empty location", rawEvent("EARTHQUAKE", "  ", 0.5, f.clock.Now())},
		{"missing timestamp", models.RawEvent{HazardType: "EARTHQUAKE", LocationKey: "9q8yy", Score: 0.5}},
		{"bad timestamp", models.RawEvent{HazardType: "EARTHQUAKE", LocationKey: "9q8yy", Score: 0.5, ObservedAt: "yesterday"}},
	}

	for _, tc := range tests {
		res := f.coord.Handle(ctx, tc.raw)
		if res.Outcome != OutcomeValidationError {
			t.Errorf("%s: expected VALIDATION_ERROR, got %s", tc.name, res.Outcome)
		}
		var verr *models.ValidationError
		if !errors.As(res.Err, &verr) {
			t.Errorf("%s: expected *models.ValidationError, got %T", tc.name, res.Err)
		}
	}
}

func TestHandle_DispatchFailureSurfacesAsAlertFailed(t *testing.T) {
	f := setup(t)
	f.transport.fail = &dispatch.PermanentError{Err: errors.New("invalid recipient")}
	ctx := context.Background()

	var last Result
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		last = f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", 0.9, f.clock.Now()))
	}
	if last.Outcome != OutcomeAlertFailed {
		t.Errorf("expected ALERT_FAILED, got %s", last.Outcome)
	}
	if last.Err == nil {
		t.Error("expected error detail on ALERT_FAILED")
	}
}

// conflictingStore wraps a StateStore and forces every CAS to conflict.
type conflictingStore struct {
	store.StateStore
}

func (c *conflictingStore) CompareAndSwapState(ctx context.Context, hazard models.HazardType, locationKey string, expectedVersion int64, state models.AlertState) error {
	return store.ErrVersionConflict
}

func TestHandle_ContentionAfterExhaustedRetries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	id, ch := f.reports.Subscribe()
	defer f.reports.Unsubscribe(id)

	coord := New(Config{
		States:     &conflictingStore{StateStore: f.sqlite},
		History:    f.sqlite,
		Dispatcher: nil,
		Policies:   testPolicies(),
		Reports:    f.reports,
		CASRetries: 3,
		Clock:      f.clock.Now,
	})

	res := coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", 0.9, f.clock.Now()))
	if res.Outcome != OutcomeContention {
		t.Errorf("expected CONTENTION, got %s", res.Outcome)
	}

	select {
	case rep := <-ch:
		if rep.Kind != sink.ReportContention {
			t.Errorf("expected CONTENTION report, got %s", rep.Kind)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for contention report")
	}
}

func TestHandle_ConcurrentEventsNeverDoubleCount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// High CAS budget so every writer eventually commits.
	coordWithDispatch := New(Config{
		States:     f.sqlite,
		History:    f.sqlite,
		Dispatcher: newTestDispatcher(f),
		Policies:   testPolicies(),
		Reports:    f.reports,
		CASRetries: 50,
		Clock:      f.clock.Now,
	})

	const writers = 10
	var wg sync.WaitGroup
	outcomes := make([]Result, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcomes[n] = coordWithDispatch.Handle(ctx, rawEvent("EARTHQUAKE", "contended", 0.9, f.clock.Now()))
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, res := range outcomes {
		switch res.Outcome {
		case OutcomeContention:
		case OutcomeAcceptedNoAction, OutcomeAlertSent:
			committed++
		default:
			t.Errorf("unexpected outcome %s (err: %v)", res.Outcome, res.Err)
		}
	}

	state, version, err := f.sqlite.GetState(ctx, models.HazardEarthquake, "contended")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	// Each committed evaluation increments the counter exactly once: the
	// version and the counter both equal the number of winners.
	if version != int64(committed) {
		t.Errorf("expected version %d, got %d", committed, version)
	}
	if state.ConsecutiveAbove != committed {
		t.Errorf("expected consecutive_above %d, got %d", committed, state.ConsecutiveAbove)
	}

	// At most one alert entry notification regardless of interleaving.
	if f.transport.total() > 1 {
		t.Errorf("expected at most 1 delivery, got %d", f.transport.total())
	}
}

func newTestDispatcher(f *fixture) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(f.transport, f.sqlite, dispatch.Recipients{
		ByHazard: map[models.HazardType][]string{
			models.HazardEarthquake: {"+15550001111"},
		},
	}, dispatch.Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		SendTimeout: time.Second,
	}, nil)
}

func TestHandle_TransitionsRecordedInHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	scores := []float64{0.9, 0.85, 0.95, 0.3, 0.2}
	for _, score := range scores {
		f.clock.Advance(time.Minute)
		f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", score, f.clock.Now()))
	}

	records, err := f.sqlite.ListAlerts(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	// ENTER_WATCH, ENTER_ALERT, CLEAR
	if len(records) != 3 {
		t.Fatalf("expected 3 history records, got %d", len(records))
	}

	decisions := map[models.Decision]bool{}
	keys := map[string]bool{}
	for _, rec := range records {
		decisions[rec.Decision] = true
		if rec.IdempotencyKey == "" {
			t.Error("history record missing idempotency key")
		}
		keys[rec.IdempotencyKey] = true
	}
	for _, want := range []models.Decision{models.DecisionEnterWatch, models.DecisionEnterAlert, models.DecisionClear} {
		if !decisions[want] {
			t.Errorf("expected %s in history", want)
		}
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 distinct idempotency keys, got %d", len(keys))
	}
}

func TestHandle_KeysAreIndependent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Alert on one key; a different location and a different hazard at the
	// same location both start from NORMAL.
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8yy", 0.9, f.clock.Now()))
	}

	res := f.coord.Handle(ctx, rawEvent("EARTHQUAKE", "9q8zz", 0.9, f.clock.Now()))
	if res.Level != models.LevelWatch {
		t.Errorf("expected fresh key to enter WATCH, got %s", res.Level)
	}

	res = f.coord.Handle(ctx, rawEvent("FLOOD", "9q8yy", 0.9, f.clock.Now()))
	if res.Level != models.LevelWatch {
		t.Errorf("expected fresh hazard key to enter WATCH, got %s", res.Level)
	}
}
