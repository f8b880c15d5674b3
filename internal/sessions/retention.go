package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// RetentionPolicy drives the background sweep. Zero values disable the
// corresponding limit.
type RetentionPolicy struct {
	MaxAgeDays       int
	MaxSessions      int
	MaxTotalBytes    int64
	ArchiveAfterIdle time.Duration
	ArchiveFirst     bool
	SweepSchedule    string // cron expression; wins over SweepInterval
	SweepInterval    time.Duration
}

// SweepReport lists what one sweep moved or removed.
type SweepReport struct {
	Archived []string `json:"archived,omitempty"`
	Deleted  []string `json:"deleted,omitempty"`
}

// Sweeper enforces the retention policy on a schedule. Sessions with a turn
// in progress are never touched.
type Sweeper struct {
	store  *Store
	policy RetentionPolicy
	now    func() time.Time
}

// NewSweeper builds a sweeper over the store.
func NewSweeper(store *Store, policy RetentionPolicy) *Sweeper {
	return &Sweeper{
		store:  store,
		policy: policy,
		now:    store.now,
	}
}

// Run sweeps until ctx is canceled. With a cron SweepSchedule the sweeper
// wakes every minute and fires when the expression is due; otherwise it
// ticks at SweepInterval (default 10m).
func (w *Sweeper) Run(ctx context.Context) {
	schedule := w.policy.SweepSchedule
	if schedule != "" && !gronx.IsValid(schedule) {
		slog.Warn("session.retention.bad_schedule", "schedule", schedule)
		schedule = ""
	}
	interval := w.policy.SweepInterval
	if schedule != "" {
		interval = time.Minute
	} else if interval <= 0 {
		interval = 10 * time.Minute
	}
	gron := gronx.New()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if schedule != "" {
				if due, err := gron.IsDue(schedule, w.now()); err != nil || !due {
					continue
				}
			}
			report, err := w.Sweep()
			if err != nil {
				slog.Warn("session.retention.sweep_failed", "error", err)
				continue
			}
			if len(report.Archived) > 0 || len(report.Deleted) > 0 {
				slog.Info("session.retention.swept",
					"archived", len(report.Archived), "deleted", len(report.Deleted))
			}
		}
	}
}

// Sweep applies the policy once: idle sessions archive, overage resolves
// oldest-activity-first, archiving before deleting when ArchiveFirst.
func (w *Sweeper) Sweep() (SweepReport, error) {
	var report SweepReport
	entries, err := w.store.ListIndex()
	if err != nil {
		return report, err
	}
	// Oldest activity first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	now := w.now()

	live := entries[:0]
	for _, e := range entries {
		if w.store.TurnInProgress(e.SessionID) {
			live = append(live, e)
			continue
		}
		if w.policy.ArchiveAfterIdle > 0 && now.Sub(e.LastActivityAt) > w.policy.ArchiveAfterIdle {
			if err := w.store.Archive(e.SessionID); err == nil {
				report.Archived = append(report.Archived, e.SessionID)
				continue
			}
		}
		if w.policy.MaxAgeDays > 0 && now.Sub(e.LastActivityAt) > time.Duration(w.policy.MaxAgeDays)*24*time.Hour {
			if w.retire(e.SessionID, &report) {
				continue
			}
		}
		live = append(live, e)
	}

	if w.policy.MaxSessions > 0 {
		for len(live) > w.policy.MaxSessions {
			if !w.retireOldest(&live, &report) {
				break
			}
		}
	}
	if w.policy.MaxTotalBytes > 0 {
		for totalBytes(live) > w.policy.MaxTotalBytes && len(live) > 0 {
			if !w.retireOldest(&live, &report) {
				break
			}
		}
	}
	return report, nil
}

// retire archives (when ArchiveFirst) or deletes one session.
func (w *Sweeper) retire(id string, report *SweepReport) bool {
	if w.policy.ArchiveFirst {
		if err := w.store.Archive(id); err == nil {
			report.Archived = append(report.Archived, id)
			return true
		}
	}
	if err := w.store.Delete(id); err == nil {
		report.Deleted = append(report.Deleted, id)
		return true
	}
	return false
}

// retireOldest retires the oldest non-protected entry in live.
func (w *Sweeper) retireOldest(live *[]IndexEntry, report *SweepReport) bool {
	for i, e := range *live {
		if w.store.TurnInProgress(e.SessionID) {
			continue
		}
		if w.retire(e.SessionID, report) {
			*live = append((*live)[:i], (*live)[i+1:]...)
			return true
		}
	}
	return false
}

func totalBytes(entries []IndexEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.SizeBytes
	}
	return sum
}
