// Package maintenance runs periodic housekeeping on a cron schedule:
// purging old soft-deleted activities and expiring in-memory sessions.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"castbot/internal/config"
	logx "castbot/pkg/logx"
)

const (
	JobPurge        = "purge_activities"
	JobSessionPrune = "prune_sessions"

	jobTimeout = 2 * time.Minute
)

type Config struct {
	Enabled              bool
	Timezone             string
	PurgeSchedule        string
	Retention            time.Duration
	SessionPruneSchedule string
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.PurgeSchedule) == "" {
		c.PurgeSchedule = "@daily"
	}
	if c.Retention <= 0 {
		c.Retention = 720 * time.Hour
	}
	if strings.TrimSpace(c.SessionPruneSchedule) == "" {
		c.SessionPruneSchedule = "@every 5m"
	}
	return c
}

// Purger removes soft-deleted activities older than before.
type Purger interface {
	PurgeDeletedActivities(ctx context.Context, before time.Time) (int64, error)
}

// Pruner drops expired sessions.
type Pruner interface {
	Prune(now time.Time) int
}

// JobInfo is a point-in-time view of one scheduled job.
type JobInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	LastRun  time.Time
	LastErr  string
	LastDone int64
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int64, error)

	id       cron.EntryID
	lastRun  time.Time
	lastErr  string
	lastDone int64
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	loc    *time.Location
	jobs   map[string]*job
	runCtx context.Context
	cancel context.CancelFunc

	purger Purger
	pruner Pruner
	log    logx.Logger
	now    func() time.Time
}

// New builds the service. Either dependency may be nil, which drops its job.
func New(cfg Config, purger Purger, pruner Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.normalized(),
		purger: purger,
		pruner: pruner,
		log:    log.With(logx.String("comp", "maintenance")),
		now:    time.Now,
		jobs:   map[string]*job{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start registers the jobs and starts triggering. It is a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return s.startLocked()
}

func (s *Service) startLocked() error {
	s.loc = loadLocation(s.cfg.Timezone)
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)

	s.jobs = map[string]*job{}
	if s.purger != nil {
		s.jobs[JobPurge] = &job{name: JobPurge, spec: s.cfg.PurgeSchedule, run: s.purge}
	}
	if s.pruner != nil {
		s.jobs[JobSessionPrune] = &job{name: JobSessionPrune, spec: s.cfg.SessionPruneSchedule, run: s.prune}
	}
	for _, j := range s.jobs {
		id, err := c.AddFunc(j.spec, func() { s.execute(j.name) })
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		j.id = id
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Apply swaps the schedule. A running cron is restarted with the new specs.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.normalized()
	s.mu.Lock()
	old := s.c
	s.cfg = cfg
	s.c = nil
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	if !cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	return s.startLocked()
}

// RunNow executes a job immediately, outside the schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance: unknown job %q", name)
	}
	s.execute(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.jobs[name].lastErr; msg != "" {
		return errors.New(msg)
	}
	return nil
}

// Jobs returns the registered jobs sorted by name.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, LastRun: j.lastRun, LastErr: j.lastErr, LastDone: j.lastDone}
		if s.c != nil {
			info.Next = s.c.Entry(j.id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	j := s.jobs[name]
	ctx := s.runCtx
	s.mu.Unlock()
	if j == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := s.now()
	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	n, err := j.run(jctx)
	cancel()

	s.mu.Lock()
	j.lastRun = start
	j.lastDone = n
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", logx.String("job", name), logx.Err(err))
		return
	}
	s.log.Debug("job finished", logx.String("job", name), logx.Int64("count", n), logx.Duration("took", time.Since(start)))
}

func (s *Service) purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	n, err := s.purger.PurgeDeletedActivities(ctx, s.now().Add(-retention))
	if err == nil && n > 0 {
		s.log.Info("purged deleted activities", logx.Int64("count", n), logx.Duration("retention", retention))
	}
	return n, err
}

func (s *Service) prune(context.Context) (int64, error) {
	return int64(s.pruner.Prune(s.now())), nil
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// cronLogger adapts logx to cron's logger for the recover and skip wrappers.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
