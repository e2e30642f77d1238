package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (local bot-api server).
	APIURL string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop, the drop reporter and the stop watcher.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

var allowedUpdates = []string{"message", "callback_query", "my_chat_member"}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    strings.TrimSpace(cfg.APIURL),
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: allowedUpdates},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, http: &http.Client{Timeout: 8 * time.Second}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m)})
		}
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnPhoto, onMessage)

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		var from int64
		if cb.Sender != nil {
			from = cb.Sender.ID
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    from,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		u := c.ChatMember()
		if u == nil || u.Chat == nil {
			return nil
		}
		mb := &kit.Membership{
			ChatID:   u.Chat.ID,
			ChatKind: kit.ParseChatKind(string(u.Chat.Type)),
			Title:    chatTitle(u.Chat),
		}
		if u.Sender != nil {
			mb.FromID = u.Sender.ID
		}
		if u.OldChatMember != nil {
			mb.OldStatus = kit.MemberStatus(u.OldChatMember.Role)
		}
		if u.NewChatMember != nil {
			mb.NewStatus = kit.MemberStatus(u.NewChatMember.Role)
		}
		a.sendUpdate(kit.Update{Kind: kit.UpdateMembership, Membership: mb})
		return nil
	})
}

func convertMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Text:      m.Text,
		Caption:   m.Caption,
		AlbumID:   m.AlbumID,
		Forwarded: m.IsForwarded(),
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.ChatKind = kit.ParseChatKind(string(m.Chat.Type))
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
	}
	if m.Photo != nil {
		out.PhotoFileID = m.Photo.FileID
	}
	return out
}

func chatTitle(c *tele.Chat) string {
	if t := strings.TrimSpace(c.Title); t != "" {
		return t
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return strconv.FormatInt(c.ID, 10)
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	report := func() {
		if n := a.droppedUpdates.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it ever returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and avoids cutting inside an HTML tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
	if withMarkup && opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			so.ReplyMarkup = rm
		}
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		// Markup goes on the first chunk only.
		msg, err := a.bot.Send(chat, chunk, sendOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(m, chunks[0], sendOptions(opt, 0, true)); err != nil {
		return mapError(err)
	}

	// Overflow goes out as new messages.
	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, sendOptions(opt, ref.ThreadID, false)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapError(a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}))
}

func (a *Adapter) CopyMessage(ctx context.Context, to kit.ChatTarget, from kit.MessageRef) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	src := tele.StoredMessage{MessageID: strconv.Itoa(from.MessageID), ChatID: from.ChatID}
	msg, err := a.bot.Copy(&tele.Chat{ID: to.ChatID}, src, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, fileID, caption string) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	p := &tele.Photo{File: tele.File{FileID: fileID}, Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, p, &tele.SendOptions{ThreadID: to.ThreadID})
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := tele.StoredMessage{MessageID: strconv.Itoa(ref.MessageID), ChatID: ref.ChatID}
	return mapError(a.bot.Delete(src))
}

// InlineKeyboard renders transport-neutral buttons as telebot markup.
func (a *Adapter) InlineKeyboard(rows [][]kit.InlineButton) any {
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, r := range rows {
		row := make([]tele.InlineButton, 0, len(r))
		for _, b := range r {
			row = append(row, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		kb = append(kb, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

// mapError converts telebot rejections into transport error types.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &kit.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &kit.RateLimitedError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		if te.Code == http.StatusTooManyRequests {
			return &kit.RateLimitedError{Err: err}
		}
		return &kit.APIError{Code: te.Code, Description: te.Description, Err: err}
	}
	return err
}

// UpdateMenuCommands publishes the command menu (setMyCommands).
// It only hits the network when the list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	base := strings.TrimRight(strings.TrimSpace(a.cfg.APIURL), "/")
	if base == "" {
		base = tele.DefaultApiURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/bot"+strings.TrimSpace(a.cfg.Token)+"/setMyCommands", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("telegram setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("telegram setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}
