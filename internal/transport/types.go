package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateCallback   UpdateKind = "callback"
	UpdateMembership UpdateKind = "membership"
)

// ChatKind is the platform chat type of a destination.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSuperGroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// ParseChatKind maps platform strings to a ChatKind. Unknown values are
// treated as channels, which are only subject to the global ceiling.
func ParseChatKind(s string) ChatKind {
	switch ChatKind(s) {
	case ChatPrivate, ChatGroup, ChatSuperGroup:
		return ChatKind(s)
	default:
		return ChatChannel
	}
}

// IsGroup reports whether k is a group or supergroup.
func (k ChatKind) IsGroup() bool { return k == ChatGroup || k == ChatSuperGroup }

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Callback   *Callback
	Membership *Membership
}

type Message struct {
	ID           int
	ChatID       int64
	ChatKind     ChatKind
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	Caption      string
	PhotoFileID  string
	AlbumID      string
	Forwarded    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

// MemberStatus is the bot's own status in a chat after a membership change.
type MemberStatus string

const (
	MemberAdministrator MemberStatus = "administrator"
	MemberCreator       MemberStatus = "creator"
	MemberMember        MemberStatus = "member"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
	MemberRestricted    MemberStatus = "restricted"
)

// Membership is a change of the bot's own membership in a chat.
type Membership struct {
	ChatID    int64
	ChatKind  ChatKind
	Title     string
	FromID    int64
	OldStatus MemberStatus
	NewStatus MemberStatus
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// CopyMessage copies an existing message (any media) into another chat.
	CopyMessage(ctx context.Context, to ChatTarget, from MessageRef) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, fileID, caption string) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// InlineButton is a transport-neutral inline keyboard button.
type InlineButton struct {
	Text string
	Data string
}

// KeyboardBuilder is implemented by adapters that can render inline keyboards.
type KeyboardBuilder interface {
	InlineKeyboard(rows [][]InlineButton) any
}

// BotCommand is a single entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
