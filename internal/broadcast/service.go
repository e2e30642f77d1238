// Package broadcast fans one piece of content out to many destinations
// through the rate limiter, reports progress to the requester and keeps the
// durable activity record used for later deletes and edits.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"castbot/internal/eventbus"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type Deps struct {
	Sender   Sender
	Limiter  Limiter
	Store    Store
	Sessions SessionClearer
	Bus      eventbus.Bus
	Recorder Recorder
	Log      logx.Logger
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	tx       Sender
	lim      Limiter
	store    Store
	sessions SessionClearer
	bus      eventbus.Bus
	rec      Recorder
	log      logx.Logger

	jobsMu sync.RWMutex
	jobs   map[string]*jobEntry
}

func New(cfg Config, d Deps) *Service {
	s := &Service{
		cfg:      cfg.normalized(),
		tx:       d.Sender,
		lim:      d.Limiter,
		store:    d.Store,
		sessions: d.Sessions,
		bus:      d.Bus,
		rec:      d.Recorder,
		log:      d.Log,
		jobs:     map[string]*jobEntry{},
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "broadcast"))
	return s
}

// Apply swaps runtime settings on config reload.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry, meta any) {
	if s.store == nil {
		return
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			e.MetaJSON = string(b)
		}
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
