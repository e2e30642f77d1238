package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// ListActivities returns one page of live activities, newest first.
// Pages are 1-based and clamped to the valid range.
func (s *Service) ListActivities(ctx context.Context, page int) (ActivityPage, error) {
	if s.store == nil {
		return ActivityPage{}, ErrNoStore
	}
	if page < 1 {
		page = 1
	}
	items, total, err := s.store.ListActivities(ctx, (page-1)*ActivityPageSize, ActivityPageSize)
	if err != nil {
		return ActivityPage{}, err
	}
	pages := int((total + ActivityPageSize - 1) / ActivityPageSize)
	if pages > 0 && page > pages {
		page = pages
		items, total, err = s.store.ListActivities(ctx, (page-1)*ActivityPageSize, ActivityPageSize)
		if err != nil {
			return ActivityPage{}, err
		}
	}
	return ActivityPage{Items: items, Page: page, Pages: pages, Total: total}, nil
}

// Activity returns a live activity with its deliveries.
func (s *Service) Activity(ctx context.Context, id string) (storage.Activity, error) {
	if s.store == nil {
		return storage.Activity{}, ErrNoStore
	}
	a, err := s.store.GetActivity(ctx, id)
	if err != nil {
		return storage.Activity{}, err
	}
	if a.Deleted {
		return storage.Activity{}, storage.ErrNotFound
	}
	return a, nil
}

// DeleteActivity removes every delivered message of an activity and marks
// it deleted. Per-destination failures are counted, not returned.
func (s *Service) DeleteActivity(ctx context.Context, actorID int64, id string) (OpResult, error) {
	a, err := s.Activity(ctx, id)
	if err != nil {
		return OpResult{}, err
	}
	start := time.Now()
	log := s.log.With(logx.String("activity_id", id), logx.Int64("actor_id", actorID))

	res := s.fanOut(ctx, a.Deliveries, func(ctx context.Context, d storage.Delivery) error {
		return s.tx.DeleteMessage(ctx, kit.MessageRef{ChatID: d.ChatID, MessageID: d.MessageID})
	}, log)

	cfg := s.config()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
	defer cancel()
	if err := s.store.MarkActivityDeleted(sctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("mark activity deleted failed", logx.Err(err))
		return res, err
	}

	s.activityDone(ctx, "delete", actorID, id, res, time.Since(start), eventbus.TypeActivityDeleted, log)
	return res, nil
}

// EditActivity replaces the text of every delivered message of a direct
// text activity. The stored content is updated when at least one edit
// succeeded.
func (s *Service) EditActivity(ctx context.Context, actorID int64, id, text string) (OpResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return OpResult{}, errors.New("broadcast: empty text")
	}
	a, err := s.Activity(ctx, id)
	if err != nil {
		return OpResult{}, err
	}
	if !Editable(a) {
		return OpResult{}, ErrNotEditable
	}
	start := time.Now()
	log := s.log.With(logx.String("activity_id", id), logx.Int64("actor_id", actorID))

	res := s.fanOut(ctx, a.Deliveries, func(ctx context.Context, d storage.Delivery) error {
		return s.tx.EditText(ctx, kit.MessageRef{ChatID: d.ChatID, MessageID: d.MessageID}, text, nil)
	}, log)

	if res.OK > 0 {
		c := a.Content
		c.Text = text
		cfg := s.config()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
		defer cancel()
		if err := s.store.UpdateActivityContent(sctx, id, c); err != nil {
			log.Error("activity content update failed", logx.Err(err))
			return res, err
		}
	}

	s.activityDone(ctx, "edit", actorID, id, res, time.Since(start), eventbus.TypeActivityEdited, log)
	return res, nil
}

// Editable reports whether an activity's messages can be edited in place.
func Editable(a storage.Activity) bool {
	return a.Kind == storage.ActivityDirect && a.Content.Kind == storage.ContentText
}

// fanOut runs fn for every delivery through the limiter.
func (s *Service) fanOut(ctx context.Context, ds []storage.Delivery, fn func(context.Context, storage.Delivery) error, log logx.Logger) OpResult {
	var (
		ok, failed atomic.Int64
		wg         sync.WaitGroup
	)
	for _, d := range ds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dest := Target{ChatID: d.ChatID, Kind: d.ChatKind}.destination()
			_, err := s.lim.Enqueue(ctx, dest, 0, func(ctx context.Context) (any, error) {
				return nil, fn(ctx, d)
			})
			if err != nil {
				failed.Add(1)
				log.Warn("activity op failed", logx.Int64("chat_id", d.ChatID), logx.Int("message_id", d.MessageID), logx.Err(err))
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	return OpResult{OK: int(ok.Load()), Failed: int(failed.Load())}
}

func (s *Service) activityDone(ctx context.Context, op string, actorID int64, id string, res OpResult, took time.Duration, typ string, log logx.Logger) {
	s.rec.ActivityOp(op, res.OK, res.Failed)
	eventbus.Publish(s.bus, typ, eventbus.ActivityEvent{ActivityID: id, ActorID: actorID, OK: res.OK, Failed: res.Failed})
	s.audit(ctx, storage.AuditEntry{
		ActorID: actorID,
		Action:  "activity." + op,
		Target:  id,
		OK:      res.OK,
		Fail:    res.Failed,
		TookMS:  took.Milliseconds(),
	}, nil)
	log.Info("activity "+op+" finished", logx.Int("ok", res.OK), logx.Int("failed", res.Failed), logx.Duration("took", took))
}
