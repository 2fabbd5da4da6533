package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riskwatch/hazard-alerts/internal/models"
)

// SQLiteStore implements StateStore, AttemptLedger, and AlertHistory on a
// single SQLite database so all pipeline state survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// coherent across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteStore{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alert_states (
			hazard TEXT NOT NULL,
			location_key TEXT NOT NULL,
			level TEXT NOT NULL,
			last_score REAL NOT NULL,
			consecutive_above INTEGER NOT NULL,
			consecutive_below INTEGER NOT NULL,
			last_transition DATETIME,
			cooldown_until DATETIME,
			version INTEGER NOT NULL,
			PRIMARY KEY (hazard, location_key)
		);

		CREATE TABLE IF NOT EXISTS notification_attempts (
			idempotency_key TEXT NOT NULL,
			recipient TEXT NOT NULL,
			message TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error TEXT,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (idempotency_key, recipient)
		);

		CREATE TABLE IF NOT EXISTS alert_history (
			id TEXT PRIMARY KEY,
			hazard TEXT NOT NULL,
			location_key TEXT NOT NULL,
			level TEXT NOT NULL,
			decision TEXT NOT NULL,
			score REAL NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alert_history_created_at ON alert_history(created_at);
		CREATE INDEX IF NOT EXISTS idx_alert_history_hazard ON alert_history(hazard);
		CREATE INDEX IF NOT EXISTS idx_alert_history_location ON alert_history(location_key);
  	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetState(ctx context.Context, hazard models.HazardType, locationKey string) (models.AlertState, int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, last_score, consecutive_above, consecutive_below, last_transition, cooldown_until, version
		FROM alert_states
		WHERE hazard = ? AND location_key = ?`,
		string(hazard), locationKey,
	)

	var (
		level          string
		state          models.AlertState
		lastTransition sql.NullTime
		cooldownUntil  sql.NullTime
		version        int64
	)
	err := row.Scan(&level, &state.LastScore, &state.ConsecutiveAbove, &state.ConsecutiveBelow, &lastTransition, &cooldownUntil, &version)
	if err == sql.ErrNoRows {
		return models.NewAlertState(), 0, nil
	}
	if err != nil {
		return models.AlertState{}, 0, fmt.Errorf("error reading alert state: %w", err)
	}

	state.Level, err = models.ParseAlertLevel(level)
	if err != nil {
		return models.AlertState{}, 0, fmt.Errorf("corrupt alert state row: %w", err)
	}
	if lastTransition.Valid {
		state.LastTransition = lastTransition.Time.UTC()
	}
	if cooldownUntil.Valid {
		state.CooldownUntil = cooldownUntil.Time.UTC()
	}
	return state, version, nil
}

func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, hazard models.HazardType, locationKey string, expectedVersion int64, state models.AlertState) error {
	var (
		res sql.Result
		err error
	)

	if expectedVersion == 0 {
		// First committed write for the key. A concurrent insert shows up as
		// a no-op thanks to ON CONFLICT DO NOTHING.
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO alert_states (hazard, location_key, level, last_score, consecutive_above, consecutive_below, last_transition, cooldown_until, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (hazard, location_key) DO NOTHING`,
			string(hazard), locationKey, string(state.Level), state.LastScore,
			state.ConsecutiveAbove, state.ConsecutiveBelow,
			nullTime(state.LastTransition), nullTime(state.CooldownUntil),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE alert_states
			SET level = ?, last_score = ?, consecutive_above = ?, consecutive_below = ?, last_transition = ?, cooldown_until = ?, version = version + 1
			WHERE hazard = ? AND location_key = ? AND version = ?`,
			string(state.Level), state.LastScore,
			state.ConsecutiveAbove, state.ConsecutiveBelow,
			nullTime(state.LastTransition), nullTime(state.CooldownUntil),
			string(hazard), locationKey, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("error writing alert state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, idempotencyKey, recipient string) (*models.NotificationAttempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message, attempt_count, last_error, status, updated_at
		FROM notification_attempts
		WHERE idempotency_key = ? AND recipient = ?`,
		idempotencyKey, recipient,
	)

	attempt := models.NotificationAttempt{
		IdempotencyKey: idempotencyKey,
		Recipient:      recipient,
	}
	var (
		lastError sql.NullString
		status    string
	)
	err := row.Scan(&attempt.Message, &attempt.AttemptCount, &lastError, &status, &attempt.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading notification attempt: %w", err)
	}

	attempt.LastError = lastError.String
	attempt.Status = models.AttemptStatus(status)
	return &attempt, nil
}

func (s *SQLiteStore) UpsertAttempt(ctx context.Context, attempt *models.NotificationAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_attempts (idempotency_key, recipient, message, attempt_count, last_error, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key, recipient) DO UPDATE SET
			message = excluded.message,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		attempt.IdempotencyKey, attempt.Recipient, attempt.Message,
		attempt.AttemptCount, nullString(attempt.LastError),
		string(attempt.Status), attempt.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("error upserting notification attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordAlert(ctx context.Context, rec *models.AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history (id, hazard, location_key, level, decision, score, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Hazard), rec.LocationKey, string(rec.Level),
		string(rec.Decision), rec.Score, rec.IdempotencyKey, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("error recording alert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, opts Filter) ([]models.AlertRecord, error) {
	query := `
		SELECT id, hazard, location_key, level, decision, score, idempotency_key, created_at
		FROM alert_history`

	var (
		conds []string
		args  []any
	)
	if opts.Hazard != nil {
		conds = append(conds, "hazard = ?")
		args = append(args, string(*opts.Hazard))
	}
	if opts.LocationKey != nil {
		conds = append(conds, "location_key = ?")
		args = append(args, *opts.LocationKey)
	}
	if opts.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.Since.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	var records []models.AlertRecord
	for rows.Next() {
		var (
			rec      models.AlertRecord
			hazard   string
			level    string
			decision string
		)
		if err := rows.Scan(&rec.ID, &hazard, &rec.LocationKey, &level, &decision, &rec.Score, &rec.IdempotencyKey, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning alert row: %w", err)
		}
		rec.Hazard = models.HazardType(hazard)
		rec.Level = models.AlertLevel(level)
		rec.Decision = models.Decision(decision)
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
