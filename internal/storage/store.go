package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	logx "castbot/pkg/logx"
)

type txContextKey struct{}

type gormStore struct {
	db  *gorm.DB
	log logx.Logger
}

func newGormStore(db *gorm.DB, log logx.Logger) *gormStore {
	return &gormStore{db: db, log: log}
}

// WithinTransaction runs fn with a transaction bound to ctx. Store calls
// made with that ctx join the transaction.
func (s *gormStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}

func (s *gormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

func (s *gormStore) UpsertChannel(ctx context.Context, ch Channel) (Channel, error) {
	e := &ChannelEntity{
		ChatID: ch.ChatID,
		Title:  ch.Title,
		Kind:   string(ch.Kind),
		Active: ch.Active,
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "kind", "active", "updated_at"}),
	}).Create(e).Error
	if err != nil {
		return Channel{}, err
	}

	var out ChannelEntity
	if err := s.conn(ctx).Where("chat_id = ?", ch.ChatID).First(&out).Error; err != nil {
		return Channel{}, err
	}
	return toChannelModel(&out), nil
}

func (s *gormStore) DeactivateChannel(ctx context.Context, chatID int64) error {
	res := s.conn(ctx).Model(&ChannelEntity{}).
		Where("chat_id = ?", chatID).
		Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) ListActiveChannels(ctx context.Context) ([]Channel, error) {
	var es []ChannelEntity
	if err := s.conn(ctx).Where("active = ?", true).Order("title ASC, chat_id ASC").Find(&es).Error; err != nil {
		return nil, err
	}
	return toChannelModels(es), nil
}

func (s *gormStore) ChannelsByChatIDs(ctx context.Context, chatIDs []int64) ([]Channel, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	var es []ChannelEntity
	if err := s.conn(ctx).Where("chat_id IN ?", chatIDs).Find(&es).Error; err != nil {
		return nil, err
	}
	return toChannelModels(es), nil
}

func (s *gormStore) CreateActivity(ctx context.Context, a *Activity) error {
	if a == nil {
		return errors.New("nil activity")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	e, err := toActivityEntity(a)
	if err != nil {
		return err
	}

	deliveries := make([]DeliveryEntity, 0, len(a.Deliveries))
	for i := range a.Deliveries {
		a.Deliveries[i].ActivityID = a.ID
		d := a.Deliveries[i]
		deliveries = append(deliveries, DeliveryEntity{
			ActivityID: a.ID,
			ChatID:     d.ChatID,
			ChatKind:   string(d.ChatKind),
			MessageID:  d.MessageID,
		})
	}

	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Omit(clause.Associations).Create(e).Error; err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}
		if err := s.conn(ctx).CreateInBatches(deliveries, 200).Error; err != nil {
			return err
		}
		for i := range deliveries {
			a.Deliveries[i].ID = deliveries[i].ID
		}
		return nil
	})
}

func (s *gormStore) ListActivities(ctx context.Context, offset, limit int) ([]Activity, int64, error) {
	live := func() *gorm.DB {
		return s.conn(ctx).Model(&ActivityEntity{}).Where("is_deleted = ?", false)
	}

	var total int64
	if err := live().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 100 {
		limit = 5
	}
	if offset < 0 {
		offset = 0
	}

	var es []ActivityEntity
	err := live().Preload("Deliveries").
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&es).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]Activity, 0, len(es))
	for i := range es {
		a, err := toActivityModel(&es[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, nil
}

func (s *gormStore) GetActivity(ctx context.Context, id string) (Activity, error) {
	var e ActivityEntity
	err := s.conn(ctx).Preload("Deliveries", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}

	a, err := toActivityModel(&e)
	if err != nil {
		return Activity{}, err
	}
	if len(a.Deliveries) == 0 {
		return a, nil
	}

	ids := make([]int64, 0, len(a.Deliveries))
	for _, d := range a.Deliveries {
		ids = append(ids, d.ChatID)
	}
	chans, err := s.ChannelsByChatIDs(ctx, ids)
	if err != nil {
		return Activity{}, err
	}
	titles := make(map[int64]string, len(chans))
	for _, c := range chans {
		titles[c.ChatID] = c.Title
	}
	for i := range a.Deliveries {
		a.Deliveries[i].Title = titles[a.Deliveries[i].ChatID]
	}
	return a, nil
}

func (s *gormStore) MarkActivityDeleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.conn(ctx).Model(&ActivityEntity{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{"is_deleted": true, "deleted_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) UpdateActivityContent(ctx context.Context, id string, c Content) error {
	e, err := toActivityEntity(&Activity{Content: c})
	if err != nil {
		return err
	}
	res := s.conn(ctx).Model(&ActivityEntity{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{"content": e.Content, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) PurgeDeletedActivities(ctx context.Context, before time.Time) (int64, error) {
	var purged int64
	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		var ids []string
		err := s.conn(ctx).Model(&ActivityEntity{}).
			Where("is_deleted = ? AND deleted_at < ?", true, before.UTC()).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		if err := s.conn(ctx).Where("activity_id IN ?", ids).Delete(&DeliveryEntity{}).Error; err != nil {
			return err
		}
		res := s.conn(ctx).Where("id IN ?", ids).Delete(&ActivityEntity{})
		purged = res.RowsAffected
		return res.Error
	})
	return purged, err
}

func (s *gormStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return s.conn(ctx).Create(toAuditEntity(e)).Error
}

func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *gormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
