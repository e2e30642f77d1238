package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Confirm runs a broadcast to completion: one limiter task per destination,
// periodic progress edits, one activity record for the successful
// deliveries and a final summary. Individual destination failures never
// abort the batch. The requester's pending selection is always cleared.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (Outcome, error) {
	targets := distinctTargets(req.Targets)
	if len(targets) == 0 {
		return Outcome{}, ErrEmptySelection
	}
	if s.store == nil {
		return Outcome{}, ErrNoStore
	}

	cfg := s.config()
	started := time.Now()
	out := Outcome{JobID: uuid.NewString(), Total: len(targets)}
	log := s.log.With(
		logx.String("job_id", out.JobID),
		logx.Int64("requester_id", req.RequesterID),
		logx.Int("total", out.Total),
	)
	defer s.clearSession(ctx, req.RequesterID, log)

	eventbus.Publish(s.bus, eventbus.TypeBroadcastStarted, eventbus.BroadcastEvent{
		JobID:       out.JobID,
		RequesterID: req.RequesterID,
		ContentKind: string(req.Content.Kind),
		Total:       out.Total,
	})
	log.Info("broadcast started", logx.String("content", string(req.Content.Kind)))

	p := &progress{total: len(targets)}
	s.trackJob(JobStatus{ID: out.JobID, RequesterID: req.RequesterID, ContentKind: string(req.Content.Kind), Total: out.Total}, p)
	status, err := s.tx.SendText(ctx, req.StatusChat, statusText(0, p.total, 0, 0, etaSeconds(p.total, cfg.ETARate)), nil)
	hasStatus := err == nil
	if err != nil {
		log.Warn("status message failed", logx.Err(err))
	}

	stop := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		if hasStatus {
			s.report(ctx, status, p, cfg, log, stop)
		}
	}()

	// Slots keep deliveries in target order regardless of completion order.
	slots := make([]*storage.Delivery, len(targets))
	var (
		mu       sync.Mutex
		failures []Failure
		wg       sync.WaitGroup
	)
	for i, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.deliver(ctx, t, req.Content)
			if err != nil {
				p.failed.Add(1)
				mu.Lock()
				failures = append(failures, Failure{ChatID: t.ChatID, Err: err})
				mu.Unlock()
				log.Warn("delivery failed",
					logx.Int64("chat_id", t.ChatID),
					logx.String("kind", string(t.Kind)),
					logx.String("title", t.Title),
					logx.Err(err),
				)
				return
			}
			p.success.Add(1)
			slots[i] = &storage.Delivery{ChatID: t.ChatID, ChatKind: t.Kind, Title: t.Title, MessageID: ref.MessageID}
		}()
	}
	wg.Wait()
	close(stop)
	<-reporterDone

	for _, d := range slots {
		if d != nil {
			out.Deliveries = append(out.Deliveries, *d)
		}
	}
	out.Failures = failures
	_, out.Success, out.Failed = p.counts()

	if out.Success > 0 {
		out.ActivityID, out.PersistErr = s.persist(ctx, req, &out, cfg)
	}
	out.Took = time.Since(started)
	s.finishJob(out)

	if out.PersistErr != nil {
		log.Error("activity persist failed", logx.Int("success", out.Success), logx.Err(out.PersistErr))
		s.notify(ctx, req.StatusChat, partiallySentText, log)
	} else {
		s.notify(ctx, req.StatusChat, summaryText(out), log)
	}

	s.finish(ctx, req, out, log)
	return out, nil
}

// deliver submits one send for t through the limiter.
func (s *Service) deliver(ctx context.Context, t Target, c storage.Content) (kit.MessageRef, error) {
	to := kit.ChatTarget{ChatID: t.ChatID}
	v, err := s.lim.Enqueue(ctx, t.destination(), 0, func(ctx context.Context) (any, error) {
		switch c.Kind {
		case storage.ContentCopy:
			return s.tx.CopyMessage(ctx, to, kit.MessageRef{ChatID: c.SourceChatID, MessageID: c.SourceMessageID})
		case storage.ContentPhoto:
			return s.tx.SendPhoto(ctx, to, c.PhotoFileID, c.Caption)
		default:
			return s.tx.SendText(ctx, to, c.Text, nil)
		}
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref, _ := v.(kit.MessageRef)
	return ref, nil
}

func (s *Service) persist(ctx context.Context, req ConfirmRequest, out *Outcome, cfg Config) (string, error) {
	kind := req.Kind
	if kind == "" {
		kind = storage.ActivityDirect
		if req.Content.Kind == storage.ContentCopy {
			kind = storage.ActivityForward
		}
	}
	a := &storage.Activity{
		Kind:        kind,
		Content:     req.Content,
		RequesterID: req.RequesterID,
		Total:       out.Total,
		Failed:      out.Failed,
		Deliveries:  out.Deliveries,
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	defer cancel()
	if err := s.store.CreateActivity(sctx, a); err != nil {
		return "", err
	}
	return a.ID, nil
}

func (s *Service) notify(ctx context.Context, to kit.ChatTarget, text string, log logx.Logger) {
	if _, err := s.tx.SendText(context.WithoutCancel(ctx), to, text, nil); err != nil {
		log.Warn("requester notify failed", logx.Err(err))
	}
}

func (s *Service) clearSession(ctx context.Context, ownerID int64, log logx.Logger) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.Delete(context.WithoutCancel(ctx), ownerID); err != nil {
		log.Warn("session clear failed", logx.Err(err))
	}
}

func (s *Service) finish(ctx context.Context, req ConfirmRequest, out Outcome, log logx.Logger) {
	s.rec.BroadcastFinished(out.Success, out.Failed, out.Took)

	ev := eventbus.BroadcastEvent{
		JobID:       out.JobID,
		ActivityID:  out.ActivityID,
		RequesterID: req.RequesterID,
		ContentKind: string(req.Content.Kind),
		Total:       out.Total,
		Success:     out.Success,
		Failed:      out.Failed,
		Took:        out.Took,
	}
	if out.PersistErr != nil {
		ev.Error = out.PersistErr.Error()
	}
	eventbus.Publish(s.bus, eventbus.TypeBroadcastFinished, ev)

	entry := storage.AuditEntry{
		ActorID:       req.RequesterID,
		ActorUsername: req.RequesterUsername,
		ChatID:        req.StatusChat.ChatID,
		Action:        "broadcast",
		Target:        out.ActivityID,
		OK:            out.Success,
		Fail:          out.Failed,
		TookMS:        out.Took.Milliseconds(),
	}
	if out.PersistErr != nil {
		entry.Error = out.PersistErr.Error()
	}
	s.audit(ctx, entry, map[string]any{"job_id": out.JobID, "content": req.Content.Kind})

	log.Info("broadcast finished",
		logx.String("activity_id", out.ActivityID),
		logx.Int("success", out.Success),
		logx.Int("failed", out.Failed),
		logx.Duration("took", out.Took),
	)
}

func distinctTargets(in []Target) []Target {
	seen := make(map[int64]struct{}, len(in))
	out := make([]Target, 0, len(in))
	for _, t := range in {
		if _, dup := seen[t.ChatID]; dup {
			continue
		}
		seen[t.ChatID] = struct{}{}
		out = append(out, t)
	}
	return out
}
