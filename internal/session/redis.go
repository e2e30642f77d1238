package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	logx "castbot/pkg/logx"
)

// Redis stores each pending interaction as a JSON value with a TTL, so state
// survives restarts and is shared between replicas.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

func NewRedis(cfg Config, ttl time.Duration, log logx.Logger) (*Redis, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("session: redis addr is required")
	}
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    strings.Split(addr, ","),
		DB:       cfg.RedisDB,
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, ttl, log), nil
}

func NewRedisWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = "castbot:session:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (s *Redis) key(ownerID int64) string {
	return s.prefix + strconv.FormatInt(ownerID, 10)
}

func (s *Redis) Get(ctx context.Context, ownerID int64) (Pending, bool, error) {
	b, err := s.client.Get(ctx, s.key(ownerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Pending{}, false, nil
	}
	if err != nil {
		return Pending{}, false, err
	}
	var p Pending
	if err := json.Unmarshal(b, &p); err != nil {
		// A corrupt entry is dropped rather than wedging the operator.
		s.log.Warn("dropping unreadable session", logx.Int64("owner_id", ownerID), logx.Err(err))
		_ = s.client.Del(ctx, s.key(ownerID)).Err()
		return Pending{}, false, nil
	}
	return p, true, nil
}

func (s *Redis) Put(ctx context.Context, p Pending) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(p.OwnerID), b, s.ttl).Err()
}

func (s *Redis) Delete(ctx context.Context, ownerID int64) error {
	return s.client.Del(ctx, s.key(ownerID)).Err()
}

func (s *Redis) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Redis) Close() error { return s.client.Close() }
