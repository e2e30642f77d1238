package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"castbot/internal/broadcast"
	"castbot/internal/session"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

const (
	scopeCompose = "bc"

	actToggle = "t"
	actAll    = "all"
	actNone   = "none"
	actSend   = "send"
	actCancel = "cancel"

	titleRunes = 40
)

// contentOf snapshots what an owner message would broadcast.
func contentOf(msg *kit.Message) (storage.Content, storage.ActivityKind, bool) {
	switch {
	case msg.Forwarded:
		return storage.Content{
			Kind:            storage.ContentCopy,
			Text:            firstNonEmpty(msg.Text, msg.Caption),
			SourceChatID:    msg.ChatID,
			SourceMessageID: msg.ID,
		}, storage.ActivityForward, true
	case msg.PhotoFileID != "":
		return storage.Content{
			Kind:        storage.ContentPhoto,
			PhotoFileID: msg.PhotoFileID,
			Caption:     msg.Caption,
		}, storage.ActivityDirect, true
	case strings.TrimSpace(msg.Text) != "":
		return storage.Content{Kind: storage.ContentText, Text: msg.Text}, storage.ActivityDirect, true
	}
	return storage.Content{}, "", false
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// onContent handles any non-command owner message: it either completes a
// pending edit or starts a new draft with every active channel selected.
func (r *Router) onContent(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	prev, ok, err := r.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if ok && prev.Mode == session.ModeEdit {
		return r.applyEdit(ctx, req, prev)
	}

	content, kind, valid := contentOf(msg)
	if !valid {
		r.reply(ctx, req.Chat, textUnsupported)
		return nil
	}
	targets, err := r.svc.ActiveTargets(ctx)
	if errors.Is(err, broadcast.ErrNoStore) {
		r.reply(ctx, req.Chat, textNoStore)
		return nil
	}
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		r.reply(ctx, req.Chat, textNoChannels)
		return nil
	}

	p := session.Pending{
		OwnerID:   req.FromID,
		ChatID:    req.Chat.ChatID,
		Mode:      session.ModeSelect,
		Kind:      kind,
		Content:   content,
		CreatedAt: r.now(),
	}
	for _, t := range targets {
		p.Selected = append(p.Selected, t.ChatID)
	}
	ref, err := r.tx.SendText(ctx, req.Chat, selectorText(p, targets), tgui.Markup(r.tx, selectorRows(p, targets)))
	if err != nil {
		return err
	}
	p.SelectorMessageID = ref.MessageID
	if err := r.sessions.Put(ctx, p); err != nil {
		return err
	}
	if ok && prev.SelectorMessageID != 0 {
		r.edit(ctx, kit.MessageRef{ChatID: prev.ChatID, MessageID: prev.SelectorMessageID}, textReplacedDraft, nil)
	}
	req.Logger.Debug("draft created", logx.String("content", string(content.Kind)), logx.Int("targets", len(targets)))
	return nil
}

func selectorText(p session.Pending, targets []broadcast.Target) string {
	n := 0
	for _, t := range targets {
		if p.IsSelected(t.ChatID) {
			n++
		}
	}
	return fmt.Sprintf("Choose where to publish this %s.\nSelected: %d of %d", describeContent(p.Content), n, len(targets))
}

func selectorRows(p session.Pending, targets []broadcast.Target) [][]kit.InlineButton {
	rows := make([][]kit.InlineButton, 0, len(targets)+2)
	for _, t := range targets {
		mark := "⬜ "
		if p.IsSelected(t.ChatID) {
			mark = "✅ "
		}
		title := t.Title
		if title == "" {
			title = strconv.FormatInt(t.ChatID, 10)
		}
		rows = append(rows, []kit.InlineButton{
			tgui.Btn(mark+tgui.Snippet(title, titleRunes), tgui.MustData(scopeCompose, actToggle, strconv.FormatInt(t.ChatID, 10))),
		})
	}
	rows = append(rows,
		[]kit.InlineButton{
			tgui.Btn("Select all", tgui.MustData(scopeCompose, actAll, "")),
			tgui.Btn("Clear", tgui.MustData(scopeCompose, actNone, "")),
		},
		[]kit.InlineButton{
			tgui.Btn("Send", tgui.MustData(scopeCompose, actSend, "")),
			tgui.Btn("Cancel", tgui.MustData(scopeCompose, actCancel, "")),
		},
	)
	return rows
}

func describeContent(c storage.Content) string {
	switch c.Kind {
	case storage.ContentCopy:
		return "forwarded post"
	case storage.ContentPhoto:
		return "photo"
	default:
		return "text"
	}
}

// draft loads the caller's selection draft. A missing draft is reported to
// the user through the callback notice.
func (r *Router) draft(ctx context.Context, req *Request) (session.Pending, bool, error) {
	p, ok, err := r.sessions.Get(ctx, req.FromID)
	if err != nil {
		return session.Pending{}, false, err
	}
	if !ok || p.Mode != session.ModeSelect {
		req.Notice = textNoDraft
		return session.Pending{}, false, nil
	}
	return p, true, nil
}

// updateSelection applies fn to the draft, saves it and redraws the selector.
func (r *Router) updateSelection(ctx context.Context, req *Request, fn func(p *session.Pending, targets []broadcast.Target)) error {
	p, ok, err := r.draft(ctx, req)
	if err != nil || !ok {
		return err
	}
	targets, err := r.svc.ActiveTargets(ctx)
	if err != nil {
		return err
	}
	fn(&p, targets)
	if err := r.sessions.Put(ctx, p); err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: p.ChatID, ThreadID: req.Chat.ThreadID, MessageID: p.SelectorMessageID}
	r.edit(ctx, ref, selectorText(p, targets), selectorRows(p, targets))
	return nil
}

func (r *Router) cbToggle(ctx context.Context, req *Request) error {
	chatID, err := strconv.ParseInt(req.Payload, 10, 64)
	if err != nil {
		req.Notice = "bad selection"
		return nil
	}
	return r.updateSelection(ctx, req, func(p *session.Pending, _ []broadcast.Target) {
		p.Toggle(chatID)
	})
}

func (r *Router) cbSelectAll(ctx context.Context, req *Request) error {
	return r.updateSelection(ctx, req, func(p *session.Pending, targets []broadcast.Target) {
		p.Selected = p.Selected[:0]
		for _, t := range targets {
			p.Selected = append(p.Selected, t.ChatID)
		}
	})
}

func (r *Router) cbSelectNone(ctx context.Context, req *Request) error {
	return r.updateSelection(ctx, req, func(p *session.Pending, _ []broadcast.Target) {
		p.Selected = nil
	})
}

// cbSend confirms the draft. The broadcast service owns progress reporting,
// the summary and clearing the draft.
func (r *Router) cbSend(ctx context.Context, req *Request) error {
	if !r.claim(req.FromID) {
		req.Notice = textAlreadySending
		return nil
	}
	defer r.release(req.FromID)

	p, ok, err := r.draft(ctx, req)
	if err != nil || !ok {
		return err
	}
	targets, err := r.svc.ResolveTargets(ctx, p.Selected)
	if err != nil {
		return err
	}
	selector := kit.MessageRef{ChatID: p.ChatID, ThreadID: req.Chat.ThreadID, MessageID: p.SelectorMessageID}
	if len(targets) > 0 {
		r.edit(ctx, selector, fmt.Sprintf("Publishing this %s to %d channels.", describeContent(p.Content), len(targets)), nil)
	}

	_, err = r.svc.Confirm(ctx, broadcast.ConfirmRequest{
		RequesterID: req.FromID,
		StatusChat:  req.Chat,
		Kind:        p.Kind,
		Content:     p.Content,
		Targets:     targets,
	})
	switch {
	case errors.Is(err, broadcast.ErrEmptySelection):
		req.Notice = textSelectOne
		r.reply(ctx, req.Chat, textSelectOne)
		return nil
	case errors.Is(err, broadcast.ErrNoStore):
		r.reply(ctx, req.Chat, textNoStore)
		return nil
	}
	return err
}

func (r *Router) cbCancel(ctx context.Context, req *Request) error {
	p, ok, err := r.draft(ctx, req)
	if err != nil || !ok {
		return err
	}
	if err := r.sessions.Delete(ctx, req.FromID); err != nil {
		return err
	}
	r.edit(ctx, kit.MessageRef{ChatID: p.ChatID, ThreadID: req.Chat.ThreadID, MessageID: p.SelectorMessageID}, textCancelled, nil)
	return nil
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	p, ok, err := r.sessions.Get(ctx, req.FromID)
	if err != nil {
		return err
	}
	if !ok {
		r.reply(ctx, req.Chat, textNothingPending)
		return nil
	}
	if err := r.sessions.Delete(ctx, req.FromID); err != nil {
		return err
	}
	if p.Mode == session.ModeEdit {
		r.reply(ctx, req.Chat, textEditCancelled)
		return nil
	}
	r.edit(ctx, kit.MessageRef{ChatID: p.ChatID, MessageID: p.SelectorMessageID}, textCancelled, nil)
	r.reply(ctx, req.Chat, textCancelled)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Chat, textHelp)
	return nil
}
