package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goconcierge/internal/assistant"
	"github.com/nextlevelbuilder/goconcierge/internal/buffer"
	"github.com/nextlevelbuilder/goconcierge/internal/channels"
	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/internal/contextcache"
	"github.com/nextlevelbuilder/goconcierge/internal/lockqueue"
	"github.com/nextlevelbuilder/goconcierge/internal/sessions"
	"github.com/nextlevelbuilder/goconcierge/internal/webhook"
)

// schedule is a housekeeping job driven by a cron expression.
type schedule struct {
	name string
	expr string
	run  func(ctx context.Context)
}

// runSchedules checks every job once a minute and runs the due ones in
// order. Jobs with an empty expression are skipped; an invalid one fails
// startup.
func runSchedules(ctx context.Context, clk clock.Clock, jobs []schedule) error {
	gron := gronx.New()
	active := jobs[:0:0]
	for _, j := range jobs {
		if j.expr == "" {
			slog.Info("cron: job disabled", "job", j.name)
			continue
		}
		if !gron.IsValid(j.expr) {
			return fmt.Errorf("cron: invalid expression %q for %s", j.expr, j.name)
		}
		next, _ := gronx.NextTickAfter(j.expr, clk.Now(), false)
		slog.Info("cron: job scheduled", "job", j.name, "expr", j.expr, "next", next)
		active = append(active, j)
	}
	if len(active) == 0 {
		return nil
	}

	ticker := clk.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			ref := now.Truncate(time.Minute)
			for _, j := range active {
				due, err := gron.IsDue(j.expr, ref)
				if err != nil || !due {
					continue
				}
				start := clk.Now()
				j.run(ctx)
				slog.Debug("cron: job finished", "job", j.name, "duration", clk.Now().Sub(start))
			}
		}
	}
}

// sweepOrphans cancels stale runs on stored threads whose conversation
// is idle. Threads with a turn in flight are left alone.
func sweepOrphans(ctx context.Context, asst *assistant.Client, store *sessions.Store, queue *lockqueue.Manager) {
	var threads []string
	for _, key := range store.Keys() {
		if queue.IsLocked(key) {
			continue
		}
		if r, ok := store.Get(key); ok && r.ThreadID != "" {
			threads = append(threads, r.ThreadID)
		}
	}
	n, err := asst.SweepOrphans(ctx, threads)
	if err != nil {
		slog.Warn("cron: orphan sweep incomplete", "threads", len(threads), "cancelled", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("cron: orphan runs cancelled", "threads", len(threads), "cancelled", n)
	}
}

type maintenance struct {
	buffer   *buffer.Buffer
	idleAge  time.Duration
	gate     *channels.LogGate
	activity *webhook.ActivityTracker
	injector *contextcache.Injector
	interval time.Duration
}

// runMaintenance prunes idle in-memory state on a fixed interval.
func runMaintenance(ctx context.Context, clk clock.Clock, m maintenance) {
	ticker := clk.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			buffers := m.buffer.Cleanup(m.idleAge)
			gates := m.gate.Cleanup()
			typing := m.activity.Cleanup()
			cached := m.injector.CleanupExpired()
			if buffers+gates+typing+cached > 0 {
				slog.Debug("maintenance: pruned",
					"buffers", buffers, "log_gates", gates, "activity", typing, "context", cached)
			}
		}
	}
}
