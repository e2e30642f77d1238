package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/maintenance"
)

const statusJobs = 5

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	var snap *ratelimit.Snapshot
	if r.lim != nil {
		s := r.lim.Snapshot()
		snap = &s
	}
	var maint []maintenance.JobInfo
	if r.maint != nil {
		maint = r.maint.Jobs()
	}
	r.reply(ctx, req.Chat, statusText(r.now(), snap, r.svc.Jobs(), maint))
	return nil
}

func statusText(now time.Time, snap *ratelimit.Snapshot, jobs []broadcast.JobStatus, maint []maintenance.JobInfo) string {
	var b strings.Builder
	if snap != nil {
		state := "running"
		if !snap.Running {
			state = "stopped"
		}
		fmt.Fprintf(&b, "Dispatcher: %s\n", state)
		fmt.Fprintf(&b, "Queued: %d\n", snap.Queued)
		fmt.Fprintf(&b, "Sent in current window: %d\n", snap.Global.Count)
		fmt.Fprintf(&b, "Private cooldowns: %d, group windows: %d\n", len(snap.Private), len(snap.Groups))
		if snap.PausedUntil.After(now) {
			fmt.Fprintf(&b, "Paused for %s (rate limited)\n", snap.PausedUntil.Sub(now).Round(time.Second))
		}
		fmt.Fprintf(&b, "Totals: admitted %d, retried %d, failed %d\n", snap.Admitted, snap.Retried, snap.Failed)
	}

	if len(jobs) > 0 {
		b.WriteString("\nBroadcasts:\n")
		for _, j := range jobs[:min(len(jobs), statusJobs)] {
			state := "done"
			if j.Running {
				state = "sending"
			}
			fmt.Fprintf(&b, "- %s %s %s %d/%d, failed %d\n", shortID(j.ID), j.StartedAt.Format(timeLayout), state, j.Done, j.Total, j.Failed)
		}
	}

	if len(maint) > 0 {
		b.WriteString("\nMaintenance:\n")
		for _, m := range maint {
			line := fmt.Sprintf("- %s (%s)", m.Name, m.Spec)
			if !m.Next.IsZero() {
				line += ", next " + m.Next.Format(timeLayout)
			}
			if m.LastErr != "" {
				line += ", last error: " + m.LastErr
			}
			b.WriteString(line + "\n")
		}
	}

	if b.Len() == 0 {
		return "Nothing to report."
	}
	return strings.TrimRight(b.String(), "\n")
}
