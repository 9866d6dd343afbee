package bot

import (
	"context"

	"github.com/fwerpers/timeprof/internal/timeprof/observability"
	"github.com/fwerpers/timeprof/internal/timeprof/sample"
	"github.com/fwerpers/timeprof/internal/timeprof/user"
)

// maxBackfill bounds the placeholder records written per user during one
// reconciliation run. A record with a tiny rate and a long outage could
// otherwise flood the log; the remainder of the gap stays persisted as a
// past due time and the next run resumes from it.
const maxBackfill = 1000

// Reconcile rebuilds timer state from the store after a restart. Prompts
// that came due while the process was down are backfilled as placeholder
// samples, each next due time drawn from the previous one, until the due time
// lands in the future; that future time is persisted and armed. Users with an
// outstanding prompt at shutdown are reset to idle since the prompt message
// may never have been delivered.
func (h *Handler) Reconcile(ctx context.Context) error {
	log := observability.WithTrace(ctx)

	var ids []string
	h.users.ForEach(func(rec user.Record) { ids = append(ids, rec.UserID) })

	for _, id := range ids {
		if err := h.reconcileUser(ctx, id); err != nil {
			return err
		}
	}
	log.Info("reconciled users", "count", len(ids))
	return nil
}

func (h *Handler) reconcileUser(ctx context.Context, userID string) error {
	log := observability.WithTrace(ctx)
	unlock := h.lockUser(userID)
	defer unlock()

	rec, err := h.users.Get(userID)
	if err != nil {
		// Removed between the snapshot and now.
		return nil
	}
	if rec.BoundRoom == "" {
		return nil
	}

	now := h.now()
	missed := 0
	due := rec.NextSampleTime
	for !due.After(now) && missed < maxBackfill {
		if err := h.samples.Append(userID, sample.Record{
			Timestamp: due,
			Label:     sample.PlaceholderLabel,
			Rate:      rec.Rate,
		}); err != nil {
			return err
		}
		due = h.nextSample(due, rec.Rate)
		missed++
	}
	changed := missed > 0
	rec.NextSampleTime = due
	if rec.State == user.AwaitingAnswer {
		rec.State = user.Idle
		changed = true
	}
	if changed {
		if err := h.users.Put(rec); err != nil {
			return err
		}
	}
	if missed > 0 {
		log.Info("backfilled missed samples", "user", userID, "count", missed, "next", due)
	}
	if !due.After(now) {
		// Cap reached with backlog remaining. The last reached due time is
		// persisted so the next run picks up where this one stopped; no
		// timer is armed for a past due time.
		log.Warn("backfill cap reached, backlog remains", "user", userID, "due", due)
		return nil
	}
	h.arm(rec)
	return nil
}
