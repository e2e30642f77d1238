package config

import (
	"reflect"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// restartSections cannot be swapped on a live process.
var restartSections = map[string]bool{
	"telegram.token": true,
	"storage":        true,
	"session":        true,
	"events":         true,
}

// SummarizeConfigChange returns the changed sections, safe structured
// attrs for logging (never secrets), and the subset of changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token {
		mark("telegram.token")
	}
	if !reflect.DeepEqual(o.OwnerUserIDs, n.OwnerUserIDs) ||
		strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		strings.TrimSpace(o.APIURL) != strings.TrimSpace(n.APIURL) {
		mark("telegram",
			logx.Int("telegram.owner_count", len(n.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		mark("dispatch",
			logx.Int("dispatch.global_max", d.GlobalMax),
			logx.Int("dispatch.group_max", d.GroupMax),
			logx.String("dispatch.group_window_mode", d.GroupWindowMode),
			logx.String("dispatch.pace", d.Pace),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		mark("broadcast",
			logx.String("broadcast.progress_interval", newCfg.Broadcast.ProgressInterval),
			logx.Int("broadcast.eta_rate", newCfg.Broadcast.ETARate),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		s := newCfg.Storage
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(s.DSN) != ""),
		)
	}

	if oldCfg.Session != newCfg.Session {
		mark("session", logx.String("session.driver", newCfg.Session.Driver))
	}

	if oldCfg.Events != newCfg.Events {
		mark("events",
			logx.Bool("events.enabled", newCfg.Events.Enabled),
			logx.String("events.exchange", newCfg.Events.Exchange),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		m := newCfg.Maintenance
		mark("maintenance",
			logx.Bool("maintenance.enabled", m.Enabled),
			logx.String("maintenance.purge_schedule", m.PurgeSchedule),
			logx.String("maintenance.retention", m.Retention),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
