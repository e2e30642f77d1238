// Package bot is the operator-facing Telegram front end: it turns owner
// messages into draft broadcasts, drives the destination selector and the
// activity views, and feeds membership changes to the channel registry.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/broadcast"
	"castbot/internal/dispatch/ratelimit"
	"castbot/internal/maintenance"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

// Broadcaster is the broadcast service surface the bot drives.
type Broadcaster interface {
	Confirm(ctx context.Context, req broadcast.ConfirmRequest) (broadcast.Outcome, error)
	ActiveTargets(ctx context.Context) ([]broadcast.Target, error)
	ResolveTargets(ctx context.Context, chatIDs []int64) ([]broadcast.Target, error)
	ListActivities(ctx context.Context, page int) (broadcast.ActivityPage, error)
	Activity(ctx context.Context, id string) (storage.Activity, error)
	DeleteActivity(ctx context.Context, actorID int64, id string) (broadcast.OpResult, error)
	EditActivity(ctx context.Context, actorID int64, id, text string) (broadcast.OpResult, error)
	HandleMembership(ctx context.Context, m kit.Membership) error
	Jobs() []broadcast.JobStatus
}

type LimiterStats interface {
	Snapshot() ratelimit.Snapshot
}

type MaintenanceStats interface {
	Jobs() []maintenance.JobInfo
}

type Config struct {
	Owners []int64
	// Workers bounds concurrent handlers; 0 means NumCPU (at least 2).
	Workers   int
	QueueSize int
	// CommandTimeout bounds short handlers. Sends and deletes are unbounded.
	CommandTimeout time.Duration
}

type Deps struct {
	Adapter     kit.Adapter
	Broadcast   Broadcaster
	Sessions    session.Store
	Limiter     LimiterStats
	Maintenance MaintenanceStats
	Log         logx.Logger
}

type command struct {
	name    string
	desc    string
	timeout time.Duration
	handle  HandlerFunc
}

type callbackRoute struct {
	timeout time.Duration
	handle  HandlerFunc
}

type Router struct {
	mu     sync.RWMutex
	owners []int64

	cfg      Config
	tx       kit.Adapter
	svc      Broadcaster
	sessions session.Store
	lim      LimiterStats
	maint    MaintenanceStats
	log      logx.Logger
	now      func() time.Time

	commands  map[string]command
	order     []string
	callbacks map[string]callbackRoute

	busyMu sync.Mutex
	busy   map[int64]bool

	jobsMu sync.Mutex
	jobs   chan func()
}

func New(cfg Config, d Deps) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = max(2, runtime.NumCPU())
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	r := &Router{
		owners:   slices.Clone(cfg.Owners),
		cfg:      cfg,
		tx:       d.Adapter,
		svc:      d.Broadcast,
		sessions: d.Sessions,
		lim:      d.Limiter,
		maint:    d.Maintenance,
		log:      d.Log.With(logx.String("comp", "bot")),
		now:      time.Now,
		busy:     map[int64]bool{},
	}
	r.register()
	return r
}

func (r *Router) register() {
	short := r.cfg.CommandTimeout
	r.commands = map[string]command{}
	for _, c := range []command{
		{name: "start", desc: "how to use this bot", timeout: short, handle: r.cmdHelp},
		{name: "help", desc: "how to use this bot", timeout: short, handle: r.cmdHelp},
		{name: "activity", desc: "recent broadcasts", timeout: short, handle: r.cmdActivity},
		{name: "cancel", desc: "drop the current draft or edit", timeout: short, handle: r.cmdCancel},
		{name: "status", desc: "dispatcher status", timeout: short, handle: r.cmdStatus},
	} {
		r.commands[c.name] = c
		r.order = append(r.order, c.name)
	}

	r.callbacks = map[string]callbackRoute{
		scopeCompose + ":" + actToggle: {timeout: short, handle: r.cbToggle},
		scopeCompose + ":" + actAll:    {timeout: short, handle: r.cbSelectAll},
		scopeCompose + ":" + actNone:   {timeout: short, handle: r.cbSelectNone},
		scopeCompose + ":" + actSend:   {handle: r.cbSend},
		scopeCompose + ":" + actCancel: {timeout: short, handle: r.cbCancel},

		scopeActivity + ":" + actList:     {timeout: short, handle: r.cbList},
		scopeActivity + ":" + actView:     {timeout: short, handle: r.cbView},
		scopeActivity + ":" + actDelete:   {timeout: short, handle: r.cbDeleteAsk},
		scopeActivity + ":" + actDeleteOK: {handle: r.cbDelete},
		scopeActivity + ":" + actEdit:     {timeout: short, handle: r.cbEdit},
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// MenuCommands is the command list published to the Telegram menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		if name == "start" {
			continue
		}
		out = append(out, kit.BotCommand{Command: sanitizeCommand(name), Description: r.commands[name].desc})
	}
	return out
}

// Run dispatches updates to a bounded worker pool until ctx is done or
// updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	jobs := make(chan func(), r.cfg.QueueSize)
	r.jobsMu.Lock()
	r.jobs = jobs
	r.jobsMu.Unlock()

	if up, ok := r.tx.(kit.CommandMenuUpdater); ok {
		sup.Go("telegram.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, r.MenuCommands()); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < r.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.cfg.Workers), logx.Int("queue_cap", cap(jobs)))

	defer func() {
		r.jobsMu.Lock()
		r.jobs = nil
		close(jobs)
		r.jobsMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			if !r.tryEnqueue(job) {
				r.rejectBusy(ctx, up)
			}
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in bot job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) tryEnqueue(job func()) bool {
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	if r.jobs == nil {
		return false
	}
	select {
	case r.jobs <- job:
		return true
	default:
		return false
	}
}

func (r *Router) rejectBusy(ctx context.Context, up kit.Update) {
	switch {
	case up.Callback != nil:
		_ = r.tx.AnswerCallback(ctx, up.Callback.ID, "busy, try again")
	case up.Message != nil:
		r.reply(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, textBusy)
	}
}

// Handle processes one update synchronously.
func (r *Router) Handle(ctx context.Context, up kit.Update) {
	if job := r.prepare(ctx, up); job != nil {
		job()
	}
}

// prepare authorizes and routes an update. It returns nil when the update
// needs no handler work.
func (r *Router) prepare(ctx context.Context, up kit.Update) func() {
	switch up.Kind {
	case kit.UpdateMessage:
		return r.prepareMessage(ctx, up)
	case kit.UpdateCallback:
		return r.prepareCallback(ctx, up)
	case kit.UpdateMembership:
		if up.Membership == nil {
			return nil
		}
		m := *up.Membership
		return func() {
			mctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
			defer cancel()
			if err := r.svc.HandleMembership(mctx, m); err != nil {
				r.log.Warn("membership update failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
			}
		}
	}
	return nil
}

func (r *Router) prepareMessage(ctx context.Context, up kit.Update) func() {
	msg := up.Message
	if msg == nil || msg.ChatKind != kit.ChatPrivate {
		return nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.isOwner(msg.FromID) {
		r.reply(ctx, chat, textUnauthorized)
		return nil
	}

	req := r.newRequest(up, chat, msg.FromID)
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") || msg.Forwarded {
		req.Command = "message"
		return r.bind(ctx, req, r.onContent, r.cfg.CommandTimeout)
	}

	fields := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	cmd, ok := r.commands[name]
	if !ok {
		r.reply(ctx, chat, textUnknownCommand)
		return nil
	}
	req.Command = cmd.name
	req.Args = fields[1:]
	req.Logger = req.Logger.With(logx.String("cmd", cmd.name))
	return r.bind(ctx, req, cmd.handle, cmd.timeout)
}

func (r *Router) prepareCallback(ctx context.Context, up kit.Update) func() {
	cb := up.Callback
	if cb == nil {
		return nil
	}
	scope, action, payload, ok := tgui.Parse(cb.Data)
	if !ok {
		return nil
	}
	route, ok := r.callbacks[scope+":"+action]
	if !ok {
		_ = r.tx.AnswerCallback(ctx, cb.ID, "")
		return nil
	}
	if !r.isOwner(cb.FromID) {
		_ = r.tx.AnswerCallback(ctx, cb.ID, "forbidden")
		return nil
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID)
	req.Command = "cb:" + scope + ":" + action
	req.Payload = payload
	req.Logger = req.Logger.With(logx.String("cmd", req.Command))
	run := r.bind(ctx, req, route.handle, route.timeout)
	return func() {
		run()
		_ = r.tx.AnswerCallback(context.WithoutCancel(ctx), cb.ID, req.Notice)
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64) *Request {
	rid := uuid.NewString()[:8]
	return &Request{
		Update: up,
		Chat:   chat,
		FromID: from,
		ReqID:  rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
		),
	}
}

func (r *Router) bind(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) func() {
	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)
	return func() {
		if err := final(ctx, req); err != nil && ctx.Err() == nil {
			r.reply(ctx, req.Chat, textFailed)
		}
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) {
	r.send(ctx, to, text, nil)
}

func (r *Router) send(ctx context.Context, to kit.ChatTarget, text string, rows [][]kit.InlineButton) {
	if _, err := r.tx.SendText(ctx, to, text, tgui.Markup(r.tx, rows)); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// edit replaces a bot message. Nil rows drop its keyboard.
func (r *Router) edit(ctx context.Context, ref kit.MessageRef, text string, rows [][]kit.InlineButton) {
	if ref.MessageID == 0 {
		return
	}
	if err := r.tx.EditText(ctx, ref, text, tgui.Markup(r.tx, rows)); err != nil {
		r.log.Debug("edit failed", logx.Int64("chat_id", ref.ChatID), logx.Int("message_id", ref.MessageID), logx.Err(err))
	}
}

// claim marks an owner as running a long operation. It reports false when
// one is already running.
func (r *Router) claim(ownerID int64) bool {
	r.busyMu.Lock()
	defer r.busyMu.Unlock()
	if r.busy[ownerID] {
		return false
	}
	r.busy[ownerID] = true
	return true
}

func (r *Router) release(ownerID int64) {
	r.busyMu.Lock()
	delete(r.busy, ownerID)
	r.busyMu.Unlock()
}
