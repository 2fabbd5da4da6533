package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type AlertLevel string

const (
	LevelNormal AlertLevel = "NORMAL"
	LevelWatch  AlertLevel = "WATCH"
	LevelAlert  AlertLevel = "ALERT"
)

func ParseAlertLevel(s string) (AlertLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL":
		return LevelNormal, nil
	case "WATCH":
		return LevelWatch, nil
	case "ALERT":
		return LevelAlert, nil
	default:
		return "", fmt.Errorf("unknown alert level: %q", s)
	}
}

// AlertState is the durable record for one (hazard, location) key. Entry to
// ALERT and exit back to NORMAL both require a sustained signal; the counters
// and cooldown implement that hysteresis.
type AlertState struct {
	Level            AlertLevel
	LastScore        float64
	ConsecutiveAbove int
	ConsecutiveBelow int
	LastTransition   time.Time
	CooldownUntil    time.Time
}

// NewAlertState is the implicit state for a key with no stored record.
func NewAlertState() AlertState {
	return AlertState{Level: LevelNormal}
}

type Decision string

const (
	DecisionNoAction   Decision = "NO_ACTION"
	DecisionEnterWatch Decision = "ENTER_WATCH"
	DecisionEnterAlert Decision = "ENTER_ALERT"
	DecisionEscalate   Decision = "ESCALATE"
	DecisionClear      Decision = "CLEAR"
)

// Notifies reports whether this decision results in outbound notifications.
// Watch entry and clears are recorded but not delivered to recipients.
func (d Decision) Notifies() bool {
	return d == DecisionEnterAlert || d == DecisionEscalate
}

// AlertDecision is the result of evaluating one event against its key's state.
type AlertDecision struct {
	Decision       Decision
	Event          PredictionEvent
	State          AlertState // snapshot after the evaluation
	IdempotencyKey string
}

// IdempotencyKey derives the deterministic identifier for one logical state
// transition. Retries of the same transition always produce the same key.
func IdempotencyKey(hazard HazardType, locationKey string, level AlertLevel, transition time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", hazard, locationKey, level, transition.UnixNano())
	return hex.EncodeToString(h.Sum(nil))
}

type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "PENDING"
	AttemptConfirmed AttemptStatus = "CONFIRMED"
	AttemptFailed    AttemptStatus = "FAILED"
)

// NotificationAttempt is the ledger record for one (idempotency key, recipient)
// pair. A CONFIRMED record suppresses re-sending across retries and restarts.
type NotificationAttempt struct {
	IdempotencyKey string
	Recipient      string
	Message        string
	AttemptCount   int
	LastError      string
	Status         AttemptStatus
	UpdatedAt      time.Time
}

// AlertRecord is one row of the append-only alert history.
type AlertRecord struct {
	ID             string
	Hazard         HazardType
	LocationKey    string
	Level          AlertLevel
	Decision       Decision
	Score          float64
	IdempotencyKey string
	CreatedAt      time.Time
}
