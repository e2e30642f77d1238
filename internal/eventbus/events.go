package eventbus

import "time"

const (
	TypeBroadcastStarted  = "broadcast.started"
	TypeBroadcastFinished = "broadcast.finished"
	TypeActivityDeleted   = "activity.deleted"
	TypeActivityEdited    = "activity.edited"
	TypeChannelConnected  = "channel.connected"
	TypeChannelLost       = "channel.deactivated"
)

// BroadcastEvent describes one broadcast fan-out.
type BroadcastEvent struct {
	JobID       string        `json:"job_id"`
	ActivityID  string        `json:"activity_id,omitempty"`
	RequesterID int64         `json:"requester_id"`
	ContentKind string        `json:"content_kind"`
	Total       int           `json:"total"`
	Success     int           `json:"success"`
	Failed      int           `json:"failed"`
	Took        time.Duration `json:"took,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ActivityEvent describes a follow-up operation on a stored broadcast.
type ActivityEvent struct {
	ActivityID string `json:"activity_id"`
	ActorID    int64  `json:"actor_id"`
	OK         int    `json:"ok"`
	Failed     int    `json:"failed"`
}

// ChannelEvent describes a destination joining or leaving the managed set.
type ChannelEvent struct {
	ChatID int64  `json:"chat_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
}
