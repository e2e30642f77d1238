package broadcast

import (
	"context"
	"errors"
	"time"

	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
)

var (
	ErrEmptySelection = errors.New("broadcast: no destinations selected")
	ErrNotEditable    = errors.New("broadcast: only direct text activities can be edited")
	ErrNoStore        = errors.New("broadcast: storage is not configured")
)

const ActivityPageSize = 5

type Config struct {
	// ProgressInterval is how often the status message is refreshed.
	ProgressInterval time.Duration
	// ETARate is the assumed steady-state sends per second for the estimate.
	ETARate int
	// StoreTimeout bounds the final activity write.
	StoreTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Second
	}
	if c.ETARate <= 0 {
		c.ETARate = 30
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 30 * time.Second
	}
	return c
}

// Target is one destination with its kind already resolved.
type Target struct {
	ChatID int64
	Kind   kit.ChatKind
	Title  string
}

func (t Target) destination() ratelimit.Destination {
	return ratelimit.Destination{ChatID: t.ChatID, Kind: t.Kind}
}

type ConfirmRequest struct {
	RequesterID       int64
	RequesterUsername string
	// StatusChat receives the status, progress and summary messages.
	StatusChat kit.ChatTarget
	Kind       storage.ActivityKind
	Content    storage.Content
	Targets    []Target
}

type Failure struct {
	ChatID int64
	Err    error
}

// Outcome aggregates one broadcast.
type Outcome struct {
	JobID      string
	ActivityID string
	Total      int
	Success    int
	Failed     int
	Deliveries []storage.Delivery
	Failures   []Failure
	Took       time.Duration
	// PersistErr is set when the activity record could not be written.
	PersistErr error
}

// OpResult counts a delete or edit fan-out over an activity's deliveries.
type OpResult struct {
	OK     int
	Failed int
}

type ActivityPage struct {
	Items []storage.Activity
	Page  int
	Pages int
	Total int64
}

// Sender is the outbound surface of the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error)
	SendPhoto(ctx context.Context, to kit.ChatTarget, fileID, caption string) (kit.MessageRef, error)
	DeleteMessage(ctx context.Context, ref kit.MessageRef) error
}

type Limiter interface {
	Enqueue(ctx context.Context, dest ratelimit.Destination, priority int, task ratelimit.Task) (any, error)
}

type Store interface {
	ListActiveChannels(ctx context.Context) ([]storage.Channel, error)
	ChannelsByChatIDs(ctx context.Context, chatIDs []int64) ([]storage.Channel, error)
	UpsertChannel(ctx context.Context, ch storage.Channel) (storage.Channel, error)
	DeactivateChannel(ctx context.Context, chatID int64) error

	CreateActivity(ctx context.Context, a *storage.Activity) error
	ListActivities(ctx context.Context, offset, limit int) ([]storage.Activity, int64, error)
	GetActivity(ctx context.Context, id string) (storage.Activity, error)
	MarkActivityDeleted(ctx context.Context, id string) error
	UpdateActivityContent(ctx context.Context, id string, c storage.Content) error

	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type SessionClearer interface {
	Delete(ctx context.Context, ownerID int64) error
}

// Recorder receives aggregate outcomes for metrics.
type Recorder interface {
	BroadcastFinished(success, failed int, took time.Duration)
	ActivityOp(op string, ok, failed int)
}

type nopRecorder struct{}

func (nopRecorder) BroadcastFinished(int, int, time.Duration) {}
func (nopRecorder) ActivityOp(string, int, int)               {}
