package store

import (
	"context"
	"errors"
	"time"

	"github.com/riskwatch/hazard-alerts/internal/models"
)

// ErrVersionConflict means another writer committed the key since the caller's
// read. The caller must re-read and re-evaluate against the fresh state.
var ErrVersionConflict = errors.New("alert state version conflict")

// StateStore holds the durable per-key alert state under optimistic
// concurrency. An absent key reads as implicit NORMAL with version 0.
type StateStore interface {
	GetState(ctx context.Context, hazard models.HazardType, locationKey string) (models.AlertState, int64, error)
	CompareAndSwapState(ctx context.Context, hazard models.HazardType, locationKey string, expectedVersion int64, state models.AlertState) error
}

// AttemptLedger records notification attempts keyed by (idempotency key,
// recipient) so retries never re-send a confirmed delivery.
type AttemptLedger interface {
	GetAttempt(ctx context.Context, idempotencyKey, recipient string) (*models.NotificationAttempt, error)
	UpsertAttempt(ctx context.Context, attempt *models.NotificationAttempt) error
}

type Filter struct {
	Limit       int
	Hazard      *models.HazardType
	LocationKey *string
	Since       *time.Time
}

// AlertHistory is the append-only record of non-trivial decisions.
type AlertHistory interface {
	RecordAlert(ctx context.Context, rec *models.AlertRecord) error
	ListAlerts(ctx context.Context, opts Filter) ([]models.AlertRecord, error)
}
