package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// progress is the live tally of one broadcast, updated by the delivery
// goroutines and read by the reporter.
type progress struct {
	total   int
	success atomic.Int64
	failed  atomic.Int64
}

func (p *progress) counts() (processed, success, failed int) {
	s, f := int(p.success.Load()), int(p.failed.Load())
	return s + f, s, f
}

// report edits the status message every interval until stop is closed.
// Edits bypass the limiter and their failures are only logged.
func (s *Service) report(ctx context.Context, ref kit.MessageRef, p *progress, cfg Config, log logx.Logger, stop <-chan struct{}) {
	t := time.NewTicker(cfg.ProgressInterval)
	defer t.Stop()

	last := -1
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
		processed, success, failed := p.counts()
		if processed == last {
			continue
		}
		last = processed
		text := statusText(processed, p.total, success, failed, etaSeconds(p.total-processed, cfg.ETARate))
		if err := s.tx.EditText(ctx, ref, text, nil); err != nil {
			log.Warn("progress edit failed", logx.Int("processed", processed), logx.Err(err))
		}
	}
}
