package storage

import (
	"encoding/json"
	"time"

	kit "castbot/internal/transport"
)

type ChannelEntity struct {
	ID        uint      `gorm:"primaryKey;autoIncrement;column:id"`
	ChatID    int64     `gorm:"column:chat_id;not null;uniqueIndex"`
	Title     string    `gorm:"column:title;not null;default:''"`
	Kind      string    `gorm:"column:kind;size:16;not null"`
	Active    bool      `gorm:"column:active;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ChannelEntity) TableName() string { return "channels" }

type ActivityEntity struct {
	ID          string           `gorm:"primaryKey;size:36;column:id"`
	Kind        string           `gorm:"column:kind;size:16;not null"`
	Content     string           `gorm:"column:content;type:text;not null"`
	RequesterID int64            `gorm:"column:requester_id;not null;index"`
	Total       int              `gorm:"column:total;not null;default:0"`
	Failed      int              `gorm:"column:failed;not null;default:0"`
	Deleted     bool             `gorm:"column:is_deleted;not null;index"`
	DeletedAt   *time.Time       `gorm:"column:deleted_at"`
	CreatedAt   time.Time        `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt   time.Time        `gorm:"column:updated_at;autoUpdateTime"`
	Deliveries  []DeliveryEntity `gorm:"foreignKey:ActivityID"`
}

func (ActivityEntity) TableName() string { return "activities" }

type DeliveryEntity struct {
	ID         uint   `gorm:"primaryKey;autoIncrement;column:id"`
	ActivityID string `gorm:"column:activity_id;size:36;not null;index"`
	ChatID     int64  `gorm:"column:chat_id;not null;index"`
	ChatKind   string `gorm:"column:chat_kind;size:16;not null"`
	MessageID  int    `gorm:"column:message_id;not null"`
}

func (DeliveryEntity) TableName() string { return "deliveries" }

type AuditEntity struct {
	ID            uint      `gorm:"primaryKey;autoIncrement;column:id"`
	At            time.Time `gorm:"column:at;not null;index"`
	ActorID       int64     `gorm:"column:actor_id;not null"`
	ActorUsername string    `gorm:"column:actor_username"`
	ChatID        int64     `gorm:"column:chat_id"`
	Action        string    `gorm:"column:action;not null"`
	Target        string    `gorm:"column:target"`
	OK            int       `gorm:"column:ok"`
	Fail          int       `gorm:"column:fail"`
	Err           string    `gorm:"column:err"`
	TookMS        int64     `gorm:"column:took_ms"`
	Meta          string    `gorm:"column:meta;type:text"`
}

func (AuditEntity) TableName() string { return "audit" }

func entities() []any {
	return []any{&ChannelEntity{}, &ActivityEntity{}, &DeliveryEntity{}, &AuditEntity{}}
}

func toChannelModel(e *ChannelEntity) Channel {
	return Channel{
		ID:        e.ID,
		ChatID:    e.ChatID,
		Title:     e.Title,
		Kind:      kit.ParseChatKind(e.Kind),
		Active:    e.Active,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func toChannelModels(es []ChannelEntity) []Channel {
	out := make([]Channel, 0, len(es))
	for i := range es {
		out = append(out, toChannelModel(&es[i]))
	}
	return out
}

func toActivityEntity(a *Activity) (*ActivityEntity, error) {
	content, err := json.Marshal(a.Content)
	if err != nil {
		return nil, err
	}
	return &ActivityEntity{
		ID:          a.ID,
		Kind:        string(a.Kind),
		Content:     string(content),
		RequesterID: a.RequesterID,
		Total:       a.Total,
		Failed:      a.Failed,
		Deleted:     a.Deleted,
		DeletedAt:   a.DeletedAt,
		CreatedAt:   a.CreatedAt,
	}, nil
}

func toActivityModel(e *ActivityEntity) (Activity, error) {
	a := Activity{
		ID:          e.ID,
		Kind:        ActivityKind(e.Kind),
		RequesterID: e.RequesterID,
		Total:       e.Total,
		Failed:      e.Failed,
		Deleted:     e.Deleted,
		DeletedAt:   e.DeletedAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Content != "" {
		if err := json.Unmarshal([]byte(e.Content), &a.Content); err != nil {
			return Activity{}, err
		}
	}
	if len(e.Deliveries) > 0 {
		a.Deliveries = make([]Delivery, 0, len(e.Deliveries))
		for _, d := range e.Deliveries {
			a.Deliveries = append(a.Deliveries, Delivery{
				ID:         d.ID,
				ActivityID: d.ActivityID,
				ChatID:     d.ChatID,
				ChatKind:   kit.ParseChatKind(d.ChatKind),
				MessageID:  d.MessageID,
			})
		}
	}
	return a, nil
}

func toAuditEntity(e AuditEntry) *AuditEntity {
	return &AuditEntity{
		At:            e.At,
		ActorID:       e.ActorID,
		ActorUsername: e.ActorUsername,
		ChatID:        e.ChatID,
		Action:        e.Action,
		Target:        e.Target,
		OK:            e.OK,
		Fail:          e.Fail,
		Err:           e.Error,
		TookMS:        e.TookMS,
		Meta:          e.MetaJSON,
	}
}
