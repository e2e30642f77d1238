package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronParser accepts 5- or 6-field (with seconds) specs and descriptors
// such as "@daily" or "@every 5m".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		add(errors.New("telegram.owner_user_ids must list at least one user"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id is required when enabled"))
	}

	d := cfg.Dispatch
	if d.GlobalMax < 0 || d.GroupMax < 0 {
		add(errors.New("dispatch: max values must be >= 0"))
	}
	dur("dispatch.global_window", d.GlobalWindow)
	dur("dispatch.private_cooldown", d.PrivateCooldown)
	dur("dispatch.group_window", d.GroupWindow)
	dur("dispatch.idle_wait", d.IdleWait)
	dur("dispatch.pace", d.Pace)
	dur("dispatch.default_retry_after", d.DefaultRetryAfter)
	switch strings.ToLower(strings.TrimSpace(d.GroupWindowMode)) {
	case "", "discrete", "sliding":
	default:
		add(fmt.Errorf("dispatch.group_window_mode: unknown mode %q", d.GroupWindowMode))
	}

	dur("broadcast.progress_interval", cfg.Broadcast.ProgressInterval)
	dur("broadcast.store_timeout", cfg.Broadcast.StoreTimeout)
	if cfg.Broadcast.ETARate < 0 {
		add(errors.New("broadcast.eta_rate must be >= 0"))
	}

	st := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(st.Driver)) {
	case "", "none":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(st.Path) == "" {
			add(errors.New("storage.path is required for sqlite"))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(st.DSN) == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}
	dur("storage.busy_timeout", st.BusyTimeout)
	dur("storage.slow_query", st.SlowQuery)

	switch strings.ToLower(strings.TrimSpace(cfg.Session.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Session.RedisAddr) == "" {
			add(errors.New("session.redis_addr is required for redis"))
		}
	default:
		add(fmt.Errorf("session.driver: unknown driver %q", cfg.Session.Driver))
	}
	dur("session.ttl", cfg.Session.TTL)

	if cfg.Events.Enabled && strings.TrimSpace(cfg.Events.AMQPURL) == "" {
		add(errors.New("events.amqp_url is required when enabled"))
	}

	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr != "" && !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			add(fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr))
		}
		dur("ops.read_timeout", cfg.Ops.ReadTimeout)
		dur("ops.write_timeout", cfg.Ops.WriteTimeout)
		dur("ops.idle_timeout", cfg.Ops.IdleTimeout)
	}

	if m := cfg.Maintenance; m.Enabled {
		for path, spec := range map[string]string{
			"maintenance.purge_schedule":         m.PurgeSchedule,
			"maintenance.session_prune_schedule": m.SessionPruneSchedule,
		} {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			if _, err := CronParser.Parse(spec); err != nil {
				add(fmt.Errorf("%s: %w", path, err))
			}
		}
		dur("maintenance.retention", m.Retention)
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to the local machine.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
