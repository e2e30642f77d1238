package app

import (
	"errors"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/eventbus/amqpsink"
	"castbot/internal/maintenance"
	"castbot/internal/observability/ops"
	"castbot/internal/session"
	"castbot/internal/storage"
	telegram "castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapAdapter(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll, APIURL: cfg.Telegram.APIURL}, nil
}

// mapLimits fills omitted dispatch fields from the platform defaults.
func mapLimits(cfg *config.Config) (ratelimit.Limits, error) {
	d := cfg.Dispatch
	def := ratelimit.DefaultLimits()
	out := ratelimit.Limits{
		GlobalMax:    d.GlobalMax,
		GroupMax:     d.GroupMax,
		GroupSliding: strings.EqualFold(strings.TrimSpace(d.GroupWindowMode), "sliding"),
	}
	if out.GlobalMax <= 0 {
		out.GlobalMax = def.GlobalMax
	}
	if out.GroupMax <= 0 {
		out.GroupMax = def.GroupMax
	}
	var errs []error
	dur := func(dst *time.Duration, path, raw string, fallback time.Duration) {
		v, err := config.ParseDurationOrDefault(path, raw, fallback)
		errs = append(errs, err)
		*dst = v
	}
	dur(&out.GlobalWindow, "dispatch.global_window", d.GlobalWindow, def.GlobalWindow)
	dur(&out.PrivateCooldown, "dispatch.private_cooldown", d.PrivateCooldown, def.PrivateCooldown)
	dur(&out.GroupWindow, "dispatch.group_window", d.GroupWindow, def.GroupWindow)
	dur(&out.IdleWait, "dispatch.idle_wait", d.IdleWait, def.IdleWait)
	dur(&out.Pace, "dispatch.pace", d.Pace, def.Pace)
	dur(&out.DefaultRetryAfter, "dispatch.default_retry_after", d.DefaultRetryAfter, def.DefaultRetryAfter)
	if err := errors.Join(errs...); err != nil {
		return ratelimit.Limits{}, err
	}
	return out, nil
}

func mapBroadcast(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	progress, err := config.ParseDurationOrDefault("broadcast.progress_interval", b.ProgressInterval, 5*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	store, err := config.ParseDurationOrDefault("broadcast.store_timeout", b.StoreTimeout, 30*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{ProgressInterval: progress, ETARate: b.ETARate, StoreTimeout: store}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	slow, err := config.ParseDurationOrDefault("storage.slow_query", sc.SlowQuery, 500*time.Millisecond)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
		SlowQuery:    slow,
	}, nil
}

func mapSession(cfg *config.Config) (session.Config, error) {
	sc := cfg.Session
	ttl, err := config.ParseDurationOrDefault("session.ttl", sc.TTL, time.Hour)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Driver:    sc.Driver,
		TTL:       ttl,
		RedisAddr: sc.RedisAddr,
		RedisDB:   sc.RedisDB,
		Password:  sc.Password,
		KeyPrefix: sc.KeyPrefix,
	}, nil
}

func mapEvents(cfg *config.Config) amqpsink.Config {
	return amqpsink.Config{
		URL:        strings.TrimSpace(cfg.Events.AMQPURL),
		Exchange:   strings.TrimSpace(cfg.Events.Exchange),
		RoutingKey: strings.TrimSpace(cfg.Events.RoutingKey),
	}
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	out := ops.Config{
		Enabled:              o.Enabled,
		Addr:                 strings.TrimSpace(o.Addr),
		Token:                strings.TrimSpace(o.Token),
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = ops.DefaultAddr
	}
	var errs []error
	dur := func(dst *time.Duration, path, raw string, fallback time.Duration) {
		v, err := config.ParseDurationOrDefault(path, raw, fallback)
		errs = append(errs, err)
		*dst = v
	}
	dur(&out.ReadTimeout, "ops.read_timeout", o.ReadTimeout, 10*time.Second)
	// pprof profile and trace stream for a while; 0 keeps writes unbounded.
	dur(&out.WriteTimeout, "ops.write_timeout", o.WriteTimeout, 0)
	dur(&out.IdleTimeout, "ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err := errors.Join(errs...); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	retention, err := config.ParseDurationOrDefault("maintenance.retention", m.Retention, 720*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:              m.Enabled,
		Timezone:             m.Timezone,
		PurgeSchedule:        m.PurgeSchedule,
		Retention:            retention,
		SessionPruneSchedule: m.SessionPruneSchedule,
	}, nil
}
