package bot

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"castbot/internal/broadcast"
	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/maintenance"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const owner int64 = 42

type sent struct {
	op        string
	chatID    int64
	messageID int
	text      string
	rows      [][]kit.InlineButton
}

type fakeAdapter struct {
	mu      sync.Mutex
	calls   []sent
	answers []string
	menu    []kit.BotCommand
	nextID  int
}

func (f *fakeAdapter) record(s sent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.messageID == 0 {
		f.nextID++
		s.messageID = f.nextID
	}
	f.calls = append(f.calls, s)
	return s.messageID
}

func rowsOf(opt *kit.SendOptions) [][]kit.InlineButton {
	if opt == nil {
		return nil
	}
	rows, _ := opt.ReplyMarkupAdapter.([][]kit.InlineButton)
	return rows
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	id := f.record(sent{op: "send", chatID: to.ChatID, text: text, rows: rowsOf(opt)})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: id}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.record(sent{op: "edit", chatID: ref.ChatID, messageID: ref.MessageID, text: text, rows: rowsOf(opt)})
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	f.answers = append(f.answers, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) CopyMessage(_ context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	f.record(sent{op: "copy", chatID: to.ChatID, messageID: from.MessageID})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: from.MessageID + 1000}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, _ string, caption string) (kit.MessageRef, error) {
	id := f.record(sent{op: "photo", chatID: to.ChatID, text: caption})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: id}, nil
}

func (f *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	f.record(sent{op: "delete", chatID: ref.ChatID, messageID: ref.MessageID})
	return nil
}

func (f *fakeAdapter) InlineKeyboard(rows [][]kit.InlineButton) any { return rows }

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) ops(op string, chatID int64) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, c := range f.calls {
		if c.op == op && c.chatID == chatID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAdapter) last(op string, chatID int64) sent {
	all := f.ops(op, chatID)
	if len(all) == 0 {
		return sent{}
	}
	return all[len(all)-1]
}

func (f *fakeAdapter) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return "<none>"
	}
	return f.answers[len(f.answers)-1]
}

type fixture struct {
	r        *Router
	tx       *fakeAdapter
	svc      *broadcast.Service
	sessions *session.Memory
	msgID    atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lim := ratelimit.New(ratelimit.Limits{
		GlobalMax:         100,
		GlobalWindow:      time.Second,
		PrivateCooldown:   10 * time.Millisecond,
		GroupMax:          100,
		GroupWindow:       time.Second,
		IdleWait:          2 * time.Millisecond,
		Pace:              time.Millisecond,
		DefaultRetryAfter: 10 * time.Millisecond,
	})
	require.NoError(t, lim.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lim.Stop(ctx)
	})

	f := &fixture{tx: &fakeAdapter{}, sessions: session.NewMemory(time.Hour)}
	f.svc = broadcast.New(broadcast.Config{ProgressInterval: time.Hour}, broadcast.Deps{
		Sender:   f.tx,
		Limiter:  lim,
		Store:    st,
		Sessions: f.sessions,
	})
	f.r = New(Config{Owners: []int64{owner}}, Deps{
		Adapter:   f.tx,
		Broadcast: f.svc,
		Sessions:  f.sessions,
		Limiter:   lim,
	})
	return f
}

func (f *fixture) message(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:       int(f.msgID.Add(1)),
		ChatID:   from,
		ChatKind: kit.ChatPrivate,
		FromID:   from,
		Text:     text,
	}}
}

func press(from int64, messageID int, data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb", FromID: from, ChatID: from, MessageID: messageID, Data: data,
	}}
}

func promoted(chatID int64, title string) kit.Update {
	return kit.Update{Kind: kit.UpdateMembership, Membership: &kit.Membership{
		ChatID: chatID, ChatKind: kit.ChatChannel, Title: title,
		OldStatus: kit.MemberLeft, NewStatus: kit.MemberAdministrator,
	}}
}

func (f *fixture) handle(up kit.Update) { f.r.Handle(context.Background(), up) }

func (f *fixture) seedChannels() {
	f.handle(promoted(-1001, "Alpha"))
	f.handle(promoted(-1002, "Bravo"))
	f.handle(promoted(-1003, "Charlie"))
}

func (f *fixture) pending(t *testing.T) (session.Pending, bool) {
	t.Helper()
	p, ok, err := f.sessions.Get(context.Background(), owner)
	require.NoError(t, err)
	return p, ok
}

func button(rows [][]kit.InlineButton, prefix string) kit.InlineButton {
	for _, row := range rows {
		for _, b := range row {
			if strings.HasPrefix(b.Text, prefix) {
				return b
			}
		}
	}
	return kit.InlineButton{}
}

func TestNonOwnerIsRejected(t *testing.T) {
	f := newFixture(t)

	f.handle(f.message(7, "hello"))
	require.Equal(t, textUnauthorized, f.tx.last("send", 7).text)

	f.handle(press(7, 1, "bc:send"))
	require.Equal(t, "forbidden", f.tx.lastAnswer())

	group := f.message(owner, "hello")
	group.Message.ChatKind = kit.ChatGroup
	f.handle(group)
	require.Empty(t, f.tx.ops("send", owner))
}

func TestDraftToggleAndSend(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()

	f.handle(f.message(owner, "hello world"))
	sel := f.tx.last("send", owner)
	require.Contains(t, sel.text, "Selected: 3 of 3")
	require.Len(t, sel.rows, 5)

	p, ok := f.pending(t)
	require.True(t, ok)
	require.Equal(t, session.ModeSelect, p.Mode)
	require.Equal(t, sel.messageID, p.SelectorMessageID)
	require.ElementsMatch(t, []int64{-1001, -1002, -1003}, p.Selected)

	bravo := button(sel.rows, "✅ Bravo")
	require.Equal(t, "bc:t:-1002", bravo.Data)
	f.handle(press(owner, sel.messageID, bravo.Data))

	redraw := f.tx.last("edit", owner)
	require.Contains(t, redraw.text, "Selected: 2 of 3")
	require.NotEmpty(t, button(redraw.rows, "⬜ Bravo").Data)

	f.handle(press(owner, sel.messageID, "bc:send"))

	require.Len(t, f.tx.ops("send", -1001), 1)
	require.Len(t, f.tx.ops("send", -1003), 1)
	require.Empty(t, f.tx.ops("send", -1002))
	require.Equal(t, "hello world", f.tx.last("send", -1001).text)
	require.Contains(t, f.tx.last("send", owner).text, "Broadcast sent successfully.")

	_, ok = f.pending(t)
	require.False(t, ok)

	page, err := f.svc.ListActivities(context.Background(), 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, storage.ActivityDirect, page.Items[0].Kind)
}

func TestForwardedDraftIsCopied(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()

	up := f.message(owner, "/not a command when forwarded")
	up.Message.Forwarded = true
	f.handle(up)
	sel := f.tx.last("send", owner)
	require.Contains(t, sel.text, "forwarded post")

	f.handle(press(owner, sel.messageID, "bc:send"))
	copies := f.tx.ops("copy", -1001)
	require.Len(t, copies, 1)
	require.Equal(t, up.Message.ID, copies[0].messageID)

	page, err := f.svc.ListActivities(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, storage.ActivityForward, page.Items[0].Kind)
}

func TestSendWithEmptySelectionKeepsDraft(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()

	f.handle(f.message(owner, "hello"))
	sel := f.tx.last("send", owner)
	f.handle(press(owner, sel.messageID, "bc:none"))
	require.Contains(t, f.tx.last("edit", owner).text, "Selected: 0 of 3")

	f.handle(press(owner, sel.messageID, "bc:send"))
	require.Equal(t, textSelectOne, f.tx.last("send", owner).text)
	require.Equal(t, textSelectOne, f.tx.lastAnswer())
	require.Empty(t, f.tx.ops("send", -1001))

	p, ok := f.pending(t)
	require.True(t, ok)
	require.Empty(t, p.Selected)

	f.handle(press(owner, sel.messageID, "bc:all"))
	p, _ = f.pending(t)
	require.Len(t, p.Selected, 3)
}

func TestDraftWithoutChannels(t *testing.T) {
	f := newFixture(t)
	f.handle(f.message(owner, "hello"))
	require.Equal(t, textNoChannels, f.tx.last("send", owner).text)
	_, ok := f.pending(t)
	require.False(t, ok)
}

func TestCancelDraft(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()

	f.handle(f.message(owner, "/cancel"))
	require.Equal(t, textNothingPending, f.tx.last("send", owner).text)

	f.handle(f.message(owner, "hello"))
	sel := f.tx.last("send", owner)
	f.handle(f.message(owner, "/cancel"))
	require.Equal(t, textCancelled, f.tx.last("send", owner).text)
	require.Equal(t, sel.messageID, f.tx.last("edit", owner).messageID)
	_, ok := f.pending(t)
	require.False(t, ok)

	f.handle(press(owner, sel.messageID, "bc:send"))
	require.Equal(t, textNoDraft, f.tx.lastAnswer())
}

func TestActivityViewEditDelete(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()
	f.handle(f.message(owner, "first version"))
	f.handle(press(owner, f.tx.last("send", owner).messageID, "bc:send"))

	f.handle(f.message(owner, "/activity"))
	list := f.tx.last("send", owner)
	require.Contains(t, list.text, "Recent broadcasts (Page 1/1)")
	require.Contains(t, list.text, "first version")
	view := button(list.rows, "1")
	require.True(t, strings.HasPrefix(view.Data, "act:view:"))
	id := strings.TrimPrefix(view.Data, "act:view:")

	f.handle(press(owner, list.messageID, view.Data))
	detail := f.tx.last("edit", owner)
	require.Contains(t, detail.text, "Delivered: 3 channels")
	require.Equal(t, "act:edit:"+id, button(detail.rows, "Edit").Data)

	f.handle(press(owner, list.messageID, "act:edit:"+id))
	require.Equal(t, textEditPrompt, f.tx.last("send", owner).text)
	p, ok := f.pending(t)
	require.True(t, ok)
	require.Equal(t, session.ModeEdit, p.Mode)

	f.handle(f.message(owner, "second version"))
	require.Equal(t, "Updated in 3 channels. Failed: 0", f.tx.last("send", owner).text)
	require.Equal(t, "second version", f.tx.last("edit", -1002).text)
	_, ok = f.pending(t)
	require.False(t, ok)

	f.handle(press(owner, list.messageID, "act:del:"+id))
	require.Contains(t, f.tx.last("edit", owner).text, "from 3 channels?")
	f.handle(press(owner, list.messageID, "act:delok:"+id))
	require.Equal(t, "Deleted from 3 channels. Failed: 0", f.tx.last("edit", owner).text)
	require.Len(t, f.tx.ops("delete", -1001), 1)

	f.handle(press(owner, list.messageID, view.Data))
	require.Equal(t, textActivityGone, f.tx.lastAnswer())

	f.handle(f.message(owner, "/activity"))
	require.Equal(t, textNoActivities, f.tx.last("send", owner).text)
}

func TestPhotoActivityIsNotEditable(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()
	up := f.message(owner, "")
	up.Message.PhotoFileID = "file-1"
	up.Message.Caption = "look"
	f.handle(up)
	f.handle(press(owner, f.tx.last("send", owner).messageID, "bc:send"))
	require.Len(t, f.tx.ops("photo", -1001), 1)

	page, err := f.svc.ListActivities(context.Background(), 1)
	require.NoError(t, err)
	id := page.Items[0].ID

	f.handle(press(owner, 1, "act:view:"+id))
	require.Empty(t, button(f.tx.last("edit", owner).rows, "Edit").Data)

	f.handle(press(owner, 1, "act:edit:"+id))
	require.Equal(t, textNotEditable, f.tx.lastAnswer())
	_, ok := f.pending(t)
	require.False(t, ok)
}

func TestStatusCommand(t *testing.T) {
	f := newFixture(t)
	f.seedChannels()
	f.handle(f.message(owner, "hello"))
	f.handle(press(owner, f.tx.last("send", owner).messageID, "bc:send"))

	f.handle(f.message(owner, "/status"))
	text := f.tx.last("send", owner).text
	require.Contains(t, text, "Dispatcher: running")
	require.Contains(t, text, "Queued: 0")
	require.Contains(t, text, "Broadcasts:")
	require.Contains(t, text, "done 3/3, failed 0")
}

func TestStatusText(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	snap := &ratelimit.Snapshot{Running: true, Queued: 12, PausedUntil: now.Add(3 * time.Second), Admitted: 40, Retried: 2}
	maint := []maintenance.JobInfo{{Name: "purge_activities", Spec: "@daily", LastErr: "db locked"}}

	text := statusText(now, snap, nil, maint)
	require.Contains(t, text, "Queued: 12")
	require.Contains(t, text, "Paused for 3s")
	require.Contains(t, text, "admitted 40, retried 2, failed 0")
	require.Contains(t, text, "purge_activities (@daily), last error: db locked")

	require.Equal(t, "Nothing to report.", statusText(now, nil, nil, nil))
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)
	f.handle(f.message(owner, "/nope"))
	require.Equal(t, textUnknownCommand, f.tx.last("send", owner).text)
	f.handle(f.message(owner, "/help@castbot"))
	require.Equal(t, textHelp, f.tx.last("send", owner).text)
}

func TestRunDispatchesAndPublishesMenu(t *testing.T) {
	f := newFixture(t)
	updates := make(chan kit.Update, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx, updates) }()

	updates <- f.message(owner, "/help")
	require.Eventually(t, func() bool { return len(f.tx.ops("send", owner)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		f.tx.mu.Lock()
		defer f.tx.mu.Unlock()
		return len(f.tx.menu) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop")
	}
}

func TestSetOwners(t *testing.T) {
	f := newFixture(t)
	f.r.SetOwners([]int64{7})
	f.handle(f.message(7, "/help"))
	require.Equal(t, textHelp, f.tx.last("send", 7).text)
	f.handle(f.message(owner, "/help"))
	require.Equal(t, textUnauthorized, f.tx.last("send", owner).text)
}

func TestClaim(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.r.claim(owner))
	require.False(t, f.r.claim(owner))
	f.r.release(owner)
	require.True(t, f.r.claim(owner))
}

func TestSanitizeCommand(t *testing.T) {
	require.Equal(t, "activity", sanitizeCommand("Activity"))
	require.Equal(t, "purge_now", sanitizeCommand("purge-now"))
	require.Equal(t, "cmd_42", sanitizeCommand("42"))
	require.Len(t, sanitizeCommand(strings.Repeat("a", 40)), 32)
}
