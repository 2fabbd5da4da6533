// Package policy implements the threshold state machine that maps a risk
// score and the key's prior state to an alert decision.
package policy

import (
	"time"

	"github.com/riskwatch/hazard-alerts/internal/models"
)

// Thresholds holds the per-hazard policy parameters.
// Low must be strictly less than High.
type Thresholds struct {
	High            float64       // entry threshold
	Low             float64       // exit threshold
	ConsecutiveHigh int           // observations >= High required for WATCH -> ALERT
	ConsecutiveLow  int           // observations < Low required for ALERT -> NORMAL
	Cooldown        time.Duration // minimum interval between repeated ALERT notifications
}

// Evaluate applies one event to the current state and returns the decision
// plus the state to persist. Pure: the caller owns reading and committing the
// state record under the key's optimistic-concurrency discipline.
func Evaluate(ev models.PredictionEvent, state models.AlertState, th Thresholds, now time.Time) (models.AlertDecision, models.AlertState) {
	next := state
	next.LastScore = ev.Score

	if ev.Score >= th.High {
		next.ConsecutiveAbove++
	} else {
		next.ConsecutiveAbove = 0
	}
	if ev.Score < th.Low {
		next.ConsecutiveBelow++
	} else {
		next.ConsecutiveBelow = 0
	}

	decision := models.DecisionNoAction

	switch state.Level {
	case models.LevelWatch:
		switch {
		case next.ConsecutiveAbove >= th.ConsecutiveHigh:
			next.Level = models.LevelAlert
			next.LastTransition = now
			next.CooldownUntil = now.Add(th.Cooldown)
			decision = models.DecisionEnterAlert
		case ev.Score < th.Low:
			// Dropped back out before the signal was sustained.
			next.Level = models.LevelNormal
			next.LastTransition = now
			decision = models.DecisionClear
		}

	case models.LevelAlert:
		switch {
		case next.ConsecutiveBelow >= th.ConsecutiveLow:
			next.Level = models.LevelNormal
			next.LastTransition = now
			decision = models.DecisionClear
		case ev.Score >= th.High && !now.Before(state.CooldownUntil):
			// Sustained condition: re-notify at most once per cooldown window.
			next.LastTransition = now
			next.CooldownUntil = now.Add(th.Cooldown)
			decision = models.DecisionEscalate
		}

	default: // NORMAL, including the implicit state for an unseen key
		if ev.Score >= th.High {
			next.Level = models.LevelWatch
			next.LastTransition = now
			decision = models.DecisionEnterWatch
		}
	}

	dec := models.AlertDecision{
		Decision: decision,
		Event:    ev,
		State:    next,
	}
	if decision != models.DecisionNoAction {
		dec.IdempotencyKey = models.IdempotencyKey(ev.Hazard, ev.LocationKey, next.Level, next.LastTransition)
	}
	return dec, next
}
