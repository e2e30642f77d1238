// Package session keeps per-operator state between updates: the pending
// broadcast and its destination selection, or an activity awaiting new text.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

var ErrUnknownDriver = errors.New("session: unknown driver")

type Mode string

const (
	ModeSelect Mode = "select"
	ModeEdit   Mode = "edit"
)

// Pending is an operator's in-progress interaction.
// Selected holds destination chat ids in display order. SelectorMessageID is
// the message carrying the selection keyboard.
type Pending struct {
	OwnerID           int64                `json:"owner_id"`
	ChatID            int64                `json:"chat_id"`
	Mode              Mode                 `json:"mode"`
	Kind              storage.ActivityKind `json:"kind,omitempty"`
	Content           storage.Content      `json:"content"`
	Selected          []int64              `json:"selected,omitempty"`
	SelectorMessageID int                  `json:"selector_message_id,omitempty"`
	EditActivityID    string               `json:"edit_activity_id,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

func (p *Pending) IsSelected(chatID int64) bool { return slices.Contains(p.Selected, chatID) }

// Toggle flips chatID in the selection and reports whether it is now selected.
func (p *Pending) Toggle(chatID int64) bool {
	if i := slices.Index(p.Selected, chatID); i >= 0 {
		p.Selected = slices.Delete(p.Selected, i, i+1)
		return false
	}
	p.Selected = append(p.Selected, chatID)
	return true
}

type Store interface {
	Get(ctx context.Context, ownerID int64) (Pending, bool, error)
	Put(ctx context.Context, p Pending) error
	Delete(ctx context.Context, ownerID int64) error
	Close() error
}

// Pruner is implemented by stores that expire entries themselves.
type Pruner interface {
	Prune(now time.Time) int
}

type Config struct {
	Driver    string
	TTL       time.Duration
	RedisAddr string
	RedisDB   int
	Password  string
	KeyPrefix string
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(ttl), nil
	case "redis":
		return NewRedis(cfg, ttl, log)
	default:
		return nil, ErrUnknownDriver
	}
}
