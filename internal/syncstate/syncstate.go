// Package syncstate decides which window an account syncs next and how a
// finished job moves the account's history state forward. It does no I/O.
package syncstate

import (
	"time"

	"github.com/vipul43/marketsync/internal/config"
	"github.com/vipul43/marketsync/internal/models"
)

const day = 24 * time.Hour

type Tuning struct {
	InitialWindow time.Duration
	CatchUpWindow time.Duration
	HistoryMonths int
	DeltaInterval time.Duration
}

func TuningFromConfig(c config.SyncConfig) Tuning {
	return Tuning{
		InitialWindow: time.Duration(c.InitialWindowDays) * day,
		CatchUpWindow: time.Duration(c.CatchUpWindowDays) * day,
		HistoryMonths: c.HistoryMonths,
		DeltaInterval: time.Duration(c.DeltaIntervalDays) * day,
	}
}

// DefaultTuning mirrors the config defaults
func DefaultTuning() Tuning {
	return Tuning{
		InitialWindow: 30 * day,
		CatchUpWindow: 30 * day,
		HistoryMonths: 12,
		DeltaInterval: day,
	}
}

// HistoryStart is the retention horizon counted back from now
func (t Tuning) HistoryStart(now time.Time) time.Time {
	return now.AddDate(0, -t.HistoryMonths, 0)
}

type Decision struct {
	// Skip means the account is fresh and no job is needed
	Skip bool
	Mode models.SyncMode
	From time.Time
	To   time.Time
	// State is the input state with any flag flips applied
	State        models.SyncState
	StateChanged bool
}

// DecideNextWindow picks the mode and window of the next full sync.
// Caller still has to check for an active job before enqueueing.
func DecideNextWindow(state models.SyncState, now time.Time, t Tuning) Decision {
	d := Decision{State: state}

	if !state.InitialCompleted {
		d.Mode = models.ModeInitial
		d.From = now.Add(-t.InitialWindow)
		d.To = now
		return d
	}

	if !state.FullHistoryReady {
		if state.DesiredHistoryStart == nil {
			target := t.HistoryStart(now)
			d.State.DesiredHistoryStart = &target
			d.StateChanged = true
		}
		target := *d.State.DesiredHistoryStart

		oldest := now
		if state.OldestSyncedDate != nil {
			oldest = *state.OldestSyncedDate
		}

		if !oldest.After(target) {
			d.State.FullHistoryReady = true
			d.StateChanged = true
		} else {
			from := oldest.Add(-t.CatchUpWindow)
			if from.Before(target) {
				from = target
			}
			d.Mode = models.ModeCatchUp
			d.From = from
			d.To = oldest.Add(-time.Millisecond)
			return d
		}
	}

	d.Mode = models.ModeDelta
	if state.LastDailySyncAt != nil {
		if now.Sub(*state.LastDailySyncAt) < t.DeltaInterval {
			d.Skip = true
			return d
		}
		d.From = *state.LastDailySyncAt
	} else {
		d.From = now.Add(-t.DeltaInterval)
	}
	d.To = now
	return d
}

// ApplyCompletion returns the state after job finished successfully at now
func ApplyCompletion(state models.SyncState, job *models.SyncJob, now time.Time, t Tuning) models.SyncState {
	next := state
	next.Version = models.SyncStateVersion

	if job.Type == models.JobTypeStock {
		next.LastStockSyncAt = &now
		return next
	}
	// single-resource jobs never move the history cursors
	if job.Type != models.JobTypeFull || job.Mode == nil || job.WindowFrom == nil {
		return next
	}
	from := *job.WindowFrom
	to := now
	if job.WindowTo != nil {
		to = *job.WindowTo
	}

	switch *job.Mode {
	case models.ModeInitial:
		next.InitialCompleted = true
		next.OldestSyncedDate = &from
		if next.DesiredHistoryStart == nil {
			target := t.HistoryStart(to)
			next.DesiredHistoryStart = &target
		}
		// deltas continue from where the initial window ended
		next.LastDailySyncAt = &to
	case models.ModeCatchUp:
		if next.OldestSyncedDate == nil || from.Before(*next.OldestSyncedDate) {
			next.OldestSyncedDate = &from
		}
	case models.ModeDelta:
		if next.LastDailySyncAt == nil || to.After(*next.LastDailySyncAt) {
			next.LastDailySyncAt = &to
		}
	}

	if next.DesiredHistoryStart != nil && next.OldestSyncedDate != nil &&
		!next.OldestSyncedDate.After(*next.DesiredHistoryStart) {
		next.FullHistoryReady = true
	}
	return next
}
