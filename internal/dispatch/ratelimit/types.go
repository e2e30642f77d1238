package ratelimit

import (
	"context"
	"errors"
	"time"

	kit "castbot/internal/transport"
)

var (
	ErrStopped = errors.New("ratelimit: limiter stopped")
	ErrNilTask = errors.New("ratelimit: nil task")
)

// Task performs exactly one outbound API call. It may be invoked more than
// once when the platform answers with a rate-limit rejection.
type Task func(ctx context.Context) (any, error)

// Destination identifies the chat a task targets. Kind selects which
// per-destination rule applies on top of the global ceiling.
type Destination struct {
	ChatID int64
	Kind   kit.ChatKind
}

type Limits struct {
	// GlobalMax tasks per GlobalWindow across all destinations.
	GlobalMax    int
	GlobalWindow time.Duration

	// PrivateCooldown is the minimum gap between two sends to one private chat.
	PrivateCooldown time.Duration

	// GroupMax sends per GroupWindow to one group or supergroup.
	GroupMax    int
	GroupWindow time.Duration
	// GroupSliding replaces the discrete group window reset with a
	// timestamp log pruned on every check.
	GroupSliding bool

	// IdleWait is the backoff when nothing in the queue is admissible.
	IdleWait time.Duration
	// Pace is the gap after every executed or retried task.
	Pace time.Duration
	// DefaultRetryAfter applies when a rejection carries no hint.
	DefaultRetryAfter time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		GlobalMax:         30,
		GlobalWindow:      time.Second,
		PrivateCooldown:   time.Second,
		GroupMax:          20,
		GroupWindow:       time.Minute,
		IdleWait:          max(time.Second/30, 100*time.Millisecond),
		Pace:              max(time.Second/30, 50*time.Millisecond),
		DefaultRetryAfter: time.Second,
	}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.GlobalMax <= 0 {
		l.GlobalMax = d.GlobalMax
	}
	if l.GlobalWindow <= 0 {
		l.GlobalWindow = d.GlobalWindow
	}
	if l.PrivateCooldown <= 0 {
		l.PrivateCooldown = d.PrivateCooldown
	}
	if l.GroupMax <= 0 {
		l.GroupMax = d.GroupMax
	}
	if l.GroupWindow <= 0 {
		l.GroupWindow = d.GroupWindow
	}
	if l.IdleWait <= 0 {
		l.IdleWait = d.IdleWait
	}
	if l.Pace <= 0 {
		l.Pace = d.Pace
	}
	if l.DefaultRetryAfter <= 0 {
		l.DefaultRetryAfter = d.DefaultRetryAfter
	}
	return l
}

// Snapshot is a copy of the limiter state for diagnostics.
type Snapshot struct {
	Queued      int                   `json:"queued"`
	Running     bool                  `json:"running"`
	PausedUntil time.Time             `json:"paused_until,omitempty"`
	Global      WindowState           `json:"global"`
	Private     map[int64]time.Time   `json:"private,omitempty"`
	Groups      map[int64]WindowState `json:"groups,omitempty"`
	Admitted    uint64                `json:"admitted"`
	Retried     uint64                `json:"retried"`
	Failed      uint64                `json:"failed"`
}

type WindowState struct {
	Count int       `json:"count"`
	Start time.Time `json:"start,omitempty"`
}

// Observer receives admission decisions. Implementations must be fast;
// they run on the drain loop.
type Observer interface {
	Admitted(dest Destination, at time.Time)
	Retried(dest Destination, after time.Duration)
	Finished(dest Destination, err error)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) Admitted(Destination, time.Time)     {}
func (nopObserver) Retried(Destination, time.Duration) {}
func (nopObserver) Finished(Destination, error)        {}
func (nopObserver) QueueDepth(int)                     {}
