package storage

import (
	"context"
	"errors"
	"time"

	kit "castbot/internal/transport"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database at Path (":memory:" for tests)
//   - "postgres": PostgreSQL at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
	SlowQuery    time.Duration
}

// Channel is a broadcast destination the bot administers.
type Channel struct {
	ID        uint
	ChatID    int64
	Title     string
	Kind      kit.ChatKind
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ActivityKind string

const (
	ActivityForward ActivityKind = "forward"
	ActivityDirect  ActivityKind = "direct"
)

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentPhoto ContentKind = "photo"
	ContentCopy  ContentKind = "copy"
)

// Content is the snapshot of what was broadcast.
type Content struct {
	Kind            ContentKind `json:"kind"`
	Text            string      `json:"text,omitempty"`
	PhotoFileID     string      `json:"photo_file_id,omitempty"`
	Caption         string      `json:"caption,omitempty"`
	SourceChatID    int64       `json:"source_chat_id,omitempty"`
	SourceMessageID int         `json:"source_message_id,omitempty"`
}

// Activity is one completed broadcast.
type Activity struct {
	ID          string
	Kind        ActivityKind
	Content     Content
	RequesterID int64
	Total       int
	Failed      int
	Deleted     bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deliveries  []Delivery
}

// Delivery is one destination that accepted the broadcast.
type Delivery struct {
	ID         uint
	ActivityID string
	ChatID     int64
	ChatKind   kit.ChatKind
	Title      string // filled on read from the channel table
	MessageID  int
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}

// Store is the persistence API used by the bot services.
type Store interface {
	UpsertChannel(ctx context.Context, ch Channel) (Channel, error)
	DeactivateChannel(ctx context.Context, chatID int64) error
	ListActiveChannels(ctx context.Context) ([]Channel, error)
	ChannelsByChatIDs(ctx context.Context, chatIDs []int64) ([]Channel, error)

	// CreateActivity writes a and its deliveries in one transaction.
	// An empty a.ID is replaced with a new UUID.
	CreateActivity(ctx context.Context, a *Activity) error
	// ListActivities returns live activities, newest first, and the live total.
	ListActivities(ctx context.Context, offset, limit int) ([]Activity, int64, error)
	GetActivity(ctx context.Context, id string) (Activity, error)
	MarkActivityDeleted(ctx context.Context, id string) error
	UpdateActivityContent(ctx context.Context, id string, c Content) error
	// PurgeDeletedActivities hard-deletes activities soft-deleted before t.
	PurgeDeletedActivities(ctx context.Context, before time.Time) (int64, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Ping(ctx context.Context) error
	Close() error
}
