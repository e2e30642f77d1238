package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}

func TestPragmaFailuresAreLogged(t *testing.T) {
	db, err := openSQLite(Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	logPath := filepath.Join(t.TempDir(), "store.log")
	svc, log := logx.New(logx.Config{Level: "info", File: logx.FileConfig{Enabled: true, Path: logPath}}, nil)
	failed := applyPragmas(db, ":memory:", []string{"PRAGMA busy_timeout = 100", "PRAGMA ("}, log)
	require.NoError(t, svc.Close())
	require.Equal(t, 1, failed)

	raw, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var warned []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.Contains(line, "sqlite pragma failed") {
			warned = append(warned, line)
		}
	}
	require.Len(t, warned, 1)
	require.Contains(t, warned[0], `"level":"warn"`)
	require.Contains(t, warned[0], `"pragma":"PRAGMA ("`)
}

func TestChannelLifecycle(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	ch, err := st.UpsertChannel(ctx, Channel{ChatID: -100, Title: "News", Kind: kit.ChatChannel, Active: true})
	require.NoError(t, err)
	require.NotZero(t, ch.ID)
	require.True(t, ch.Active)

	_, err = st.UpsertChannel(ctx, Channel{ChatID: -200, Title: "Chat", Kind: kit.ChatSuperGroup, Active: true})
	require.NoError(t, err)

	active, err := st.ListActiveChannels(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	require.NoError(t, st.DeactivateChannel(ctx, -100))
	require.ErrorIs(t, st.DeactivateChannel(ctx, -999), ErrNotFound)

	active, err = st.ListActiveChannels(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, int64(-200), active[0].ChatID)
	require.Equal(t, kit.ChatSuperGroup, active[0].Kind)

	// Re-adding keeps the row and reactivates it.
	again, err := st.UpsertChannel(ctx, Channel{ChatID: -100, Title: "News 2", Kind: kit.ChatChannel, Active: true})
	require.NoError(t, err)
	require.Equal(t, ch.ID, again.ID)
	require.Equal(t, "News 2", again.Title)
	require.True(t, again.Active)

	byID, err := st.ChannelsByChatIDs(ctx, []int64{-100, -200, -300})
	require.NoError(t, err)
	require.Len(t, byID, 2)
}

func TestCreateAndGetActivity(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	_, err := st.UpsertChannel(ctx, Channel{ChatID: -1, Title: "one", Kind: kit.ChatChannel, Active: true})
	require.NoError(t, err)

	a := &Activity{
		Kind:        ActivityDirect,
		Content:     Content{Kind: ContentText, Text: "hello"},
		RequesterID: 42,
		Total:       3,
		Failed:      1,
		Deliveries: []Delivery{
			{ChatID: -1, ChatKind: kit.ChatChannel, MessageID: 10},
			{ChatID: -2, ChatKind: kit.ChatGroup, MessageID: 11},
		},
	}
	require.NoError(t, st.CreateActivity(ctx, a))
	require.Len(t, a.ID, 36)
	for _, d := range a.Deliveries {
		require.NotZero(t, d.ID)
		require.Equal(t, a.ID, d.ActivityID)
	}

	got, err := st.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, ActivityDirect, got.Kind)
	require.Equal(t, "hello", got.Content.Text)
	require.Equal(t, 3, got.Total)
	require.Len(t, got.Deliveries, 2)
	require.Equal(t, "one", got.Deliveries[0].Title)
	require.Equal(t, kit.ChatGroup, got.Deliveries[1].ChatKind)

	_, err = st.GetActivity(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListActivitiesPaging(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 7; i++ {
		a := &Activity{
			Kind:       ActivityForward,
			Content:    Content{Kind: ContentCopy, SourceChatID: 1, SourceMessageID: i},
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			Deliveries: []Delivery{{ChatID: -1, ChatKind: kit.ChatChannel, MessageID: i}},
		}
		require.NoError(t, st.CreateActivity(ctx, a))
		ids = append(ids, a.ID)
	}
	require.NoError(t, st.MarkActivityDeleted(ctx, ids[6]))
	require.ErrorIs(t, st.MarkActivityDeleted(ctx, ids[6]), ErrNotFound)

	page, total, err := st.ListActivities(ctx, 0, 5)
	require.NoError(t, err)
	require.EqualValues(t, 6, total)
	require.Len(t, page, 5)
	require.Equal(t, ids[5], page[0].ID, "newest live activity first")
	require.Len(t, page[0].Deliveries, 1)

	page, _, err = st.ListActivities(ctx, 5, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].ID)
}

func TestUpdateContentAndPurge(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t)

	a := &Activity{
		Kind:       ActivityDirect,
		Content:    Content{Kind: ContentText, Text: "v1"},
		Deliveries: []Delivery{{ChatID: -1, ChatKind: kit.ChatChannel, MessageID: 1}},
	}
	require.NoError(t, st.CreateActivity(ctx, a))
	require.NoError(t, st.UpdateActivityContent(ctx, a.ID, Content{Kind: ContentText, Text: "v2"}))

	got, err := st.GetActivity(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Content.Text)

	n, err := st.PurgeDeletedActivities(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n, "live activities are never purged")

	require.NoError(t, st.MarkActivityDeleted(ctx, a.ID))
	require.ErrorIs(t, st.UpdateActivityContent(ctx, a.ID, Content{Text: "v3"}), ErrNotFound)

	n, err = st.PurgeDeletedActivities(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n, "recently deleted activities are kept")

	n, err = st.PurgeDeletedActivities(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = st.GetActivity(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendAudit(t *testing.T) {
	st := setupTestStore(t)
	require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{
		ActorID: 1, Action: "broadcast", Target: "job", OK: 2, Fail: 1,
	}))
	require.NoError(t, st.Ping(context.Background()))
}
