package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const baseYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [10, 20]
  poll_timeout: 10s
logging:
  level: info
  console: true
dispatch:
  global_max: 30
  group_window_mode: sliding
storage:
  driver: sqlite
  path: ./castbot.db
maintenance:
  enabled: true
  purge_schedule: "@daily"
  retention: 720h
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", baseYAML)

	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "123:abc", cfg.Telegram.Token)
	require.Equal(t, []int64{10, 20}, cfg.Telegram.OwnerUserIDs)
	require.Equal(t, 30, cfg.Dispatch.GlobalMax)
	require.Equal(t, "sliding", cfg.Dispatch.GroupWindowMode)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestParseYAMLErrorsNameTheFile(t *testing.T) {
	dir := t.TempDir()

	empty := writeFile(t, dir, "empty.yaml", "  \n")
	_, err := NewConfigManager(empty).Parse()
	require.ErrorIs(t, err, errEmptyConfig)
	require.ErrorContains(t, err, empty)

	list := writeFile(t, dir, "list.yml", "- telegram\n- dispatch\n")
	_, err = NewConfigManager(list).Parse()
	require.ErrorContains(t, err, list+": top level must be a mapping")

	broken := writeFile(t, dir, "broken.yaml", "telegram: [\n")
	_, err = NewConfigManager(broken).Parse()
	require.ErrorContains(t, err, broken+": yaml:")
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr string
	}{
		{raw: "", want: 0},
		{raw: " 5s ", want: 5 * time.Second},
		{raw: "30d", want: 30 * 24 * time.Hour},
		{raw: "0d", want: 0},
		{raw: "1.5d", wantErr: "whole days"},
		{raw: "-1s", wantErr: "must not be negative"},
		{raw: "soon", wantErr: `maintenance.retention: invalid duration "soon"`},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDurationField("maintenance.retention", tt.raw)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	d, err := ParseDurationOrDefault("session.ttl", "0d", time.Hour)
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)
}

func TestParseRejectsUnknownField(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x","owner_user_ids":[1]},"plugins":{}}`)

	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"}}{}`)

	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", baseYAML)
	t.Setenv("CASTBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("CASTBOT_OWNER_USER_IDS", "7|8|9")
	t.Setenv("CASTBOT_STORAGE_DRIVER", "postgres")
	t.Setenv("CASTBOT_STORAGE_DSN", "postgres://localhost/castbot")

	cfg, err := NewConfigManager(p).Load()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Telegram.Token)
	require.Equal(t, []int64{7, 8, 9}, cfg.Telegram.OwnerUserIDs)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	// Unset variables keep file values.
	require.Equal(t, "10s", cfg.Telegram.PollTimeout)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", "CASTBOT_OPS_ADDR=127.0.0.1:9999\n")
	t.Setenv("CASTBOT_OPS_ADDR", "")
	require.NoError(t, os.Unsetenv("CASTBOT_OPS_ADDR"))

	require.NoError(t, LoadDotEnv(p))
	require.Equal(t, "127.0.0.1:9999", os.Getenv("CASTBOT_OPS_ADDR"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "minimal", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "no owners", mutate: func(c *Config) { c.Telegram.OwnerUserIDs = nil }, wantErr: "owner_user_ids"},
		{name: "bad duration", mutate: func(c *Config) { c.Dispatch.Pace = "fast" }, wantErr: "dispatch.pace"},
		{name: "bad window mode", mutate: func(c *Config) { c.Dispatch.GroupWindowMode = "rolling" }, wantErr: "group_window_mode"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "redis without addr", mutate: func(c *Config) { c.Session.Driver = "redis" }, wantErr: "redis_addr"},
		{name: "events without url", mutate: func(c *Config) { c.Events.Enabled = true }, wantErr: "amqp_url"},
		{
			name: "public ops without token",
			mutate: func(c *Config) {
				c.Ops.Enabled = true
				c.Ops.Addr = "0.0.0.0:6060"
			},
			wantErr: "ops.addr",
		},
		{
			name: "public ops with token",
			mutate: func(c *Config) {
				c.Ops.Enabled = true
				c.Ops.Addr = "0.0.0.0:6060"
				c.Ops.Token = "secret"
			},
		},
		{
			name: "bad cron",
			mutate: func(c *Config) {
				c.Maintenance.Enabled = true
				c.Maintenance.PurgeSchedule = "every day"
			},
			wantErr: "purge_schedule",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", OwnerUserIDs: []int64{1}}}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "b", OwnerUserIDs: []int64{1, 2}},
		Dispatch: DispatchConfig{GlobalMax: 10},
		Storage:  StorageConfig{Driver: "sqlite", Path: "x.db"},
	}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"dispatch", "storage", "telegram", "telegram.token"}, changed)
	require.Equal(t, []string{"storage", "telegram.token"}, restart)
	require.NotEmpty(t, attrs)

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, changed)
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.yaml", baseYAML)

	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", baseYAML+"broadcast:\n  eta_rate: 25\n")

	select {
	case cfg := <-sub:
		require.Equal(t, 25, cfg.Broadcast.ETARate)
		require.Equal(t, 25, m.Get().Broadcast.ETARate)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	<-done
}
