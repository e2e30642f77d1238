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
	"castbot/pkg/tgui"
)

const (
	scopeActivity = "act"

	actList     = "list"
	actView     = "view"
	actDelete   = "del"
	actDeleteOK = "delok"
	actEdit     = "edit"

	previewRunes = 300
	listRunes    = 60
	timeLayout   = "2006-01-02 15:04"
)

func (r *Router) cmdActivity(ctx context.Context, req *Request) error {
	page := 1
	if len(req.Args) > 0 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil {
			page = n
		}
	}
	text, rows, err := r.listView(ctx, page)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	r.send(ctx, req.Chat, text, rows)
	return nil
}

func (r *Router) cbList(ctx context.Context, req *Request) error {
	page, _ := strconv.Atoi(req.Payload)
	text, rows, err := r.listView(ctx, page)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	r.edit(ctx, callbackRef(req), text, rows)
	return nil
}

func (r *Router) listView(ctx context.Context, page int) (string, [][]kit.InlineButton, error) {
	pg, err := r.svc.ListActivities(ctx, page)
	if err != nil {
		return "", nil, err
	}
	if len(pg.Items) == 0 {
		return textNoActivities, nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent broadcasts (%s)\n", tgui.PageLabel(pg.Page, pg.Pages))
	buttons := make([]kit.InlineButton, 0, len(pg.Items))
	for i, a := range pg.Items {
		n := (pg.Page-1)*broadcast.ActivityPageSize + i + 1
		fmt.Fprintf(&b, "\n%d. %s, %s\n   %s\n", n, a.CreatedAt.Format(timeLayout), deliveredLine(a), tgui.Snippet(preview(a.Content), listRunes))
		buttons = append(buttons, tgui.Btn(strconv.Itoa(n), tgui.MustData(scopeActivity, actView, a.ID)))
	}
	rows := tgui.Grid(buttons, broadcast.ActivityPageSize)
	if nav := tgui.NavRow(scopeActivity, actList, pg.Page, pg.Pages); nav != nil {
		rows = append(rows, nav)
	}
	return b.String(), rows, nil
}

func (r *Router) cbView(ctx context.Context, req *Request) error {
	a, err := r.svc.Activity(ctx, req.Payload)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	r.edit(ctx, callbackRef(req), detailText(a), detailRows(a))
	return nil
}

func detailText(a storage.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast %s\n", shortID(a.ID))
	fmt.Fprintf(&b, "Type: %s %s\n", a.Kind, describeContent(a.Content))
	fmt.Fprintf(&b, "Sent: %s\n", a.CreatedAt.Format(timeLayout))
	fmt.Fprintf(&b, "Delivered: %s\n", deliveredLine(a))
	if len(a.Deliveries) > 0 {
		titles := make([]string, 0, len(a.Deliveries))
		for _, d := range a.Deliveries {
			t := d.Title
			if t == "" {
				t = strconv.FormatInt(d.ChatID, 10)
			}
			titles = append(titles, tgui.Snippet(t, titleRunes))
		}
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(titles, ", "))
	}
	if p := preview(a.Content); p != "" {
		fmt.Fprintf(&b, "\n%s", tgui.Snippet(p, previewRunes))
	}
	return b.String()
}

func detailRows(a storage.Activity) [][]kit.InlineButton {
	actions := []kit.InlineButton{tgui.Btn("Delete", tgui.MustData(scopeActivity, actDelete, a.ID))}
	if broadcast.Editable(a) {
		actions = append(actions, tgui.Btn("Edit", tgui.MustData(scopeActivity, actEdit, a.ID)))
	}
	return [][]kit.InlineButton{
		actions,
		{tgui.Btn("‹ Back", tgui.MustData(scopeActivity, actList, "1"))},
	}
}

func (r *Router) cbDeleteAsk(ctx context.Context, req *Request) error {
	a, err := r.svc.Activity(ctx, req.Payload)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	text := fmt.Sprintf("Delete broadcast %s from %d channels?", shortID(a.ID), len(a.Deliveries))
	r.edit(ctx, callbackRef(req), text, [][]kit.InlineButton{{
		tgui.Btn("Yes, delete", tgui.MustData(scopeActivity, actDeleteOK, a.ID)),
		tgui.Btn("No", tgui.MustData(scopeActivity, actView, a.ID)),
	}})
	return nil
}

func (r *Router) cbDelete(ctx context.Context, req *Request) error {
	if !r.claim(req.FromID) {
		req.Notice = textAlreadySending
		return nil
	}
	defer r.release(req.FromID)

	ref := callbackRef(req)
	r.edit(ctx, ref, "Deleting…", nil)
	res, err := r.svc.DeleteActivity(ctx, req.FromID, req.Payload)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	r.edit(ctx, ref, fmt.Sprintf("Deleted from %d channels. Failed: %d", res.OK, res.Failed), nil)
	return nil
}

func (r *Router) cbEdit(ctx context.Context, req *Request) error {
	a, err := r.svc.Activity(ctx, req.Payload)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	if !broadcast.Editable(a) {
		req.Notice = textNotEditable
		return nil
	}
	err = r.sessions.Put(ctx, session.Pending{
		OwnerID:        req.FromID,
		ChatID:         req.Chat.ChatID,
		Mode:           session.ModeEdit,
		EditActivityID: a.ID,
		CreatedAt:      r.now(),
	})
	if err != nil {
		return err
	}
	r.reply(ctx, req.Chat, textEditPrompt)
	return nil
}

// applyEdit consumes the owner's next message as the replacement text.
func (r *Router) applyEdit(ctx context.Context, req *Request, p session.Pending) error {
	msg := req.Update.Message
	if msg.PhotoFileID != "" || msg.Forwarded || strings.TrimSpace(msg.Text) == "" {
		r.reply(ctx, req.Chat, textEditNeedsText)
		return nil
	}
	if !r.claim(req.FromID) {
		r.reply(ctx, req.Chat, textAlreadySending)
		return nil
	}
	defer r.release(req.FromID)

	if err := r.sessions.Delete(ctx, req.FromID); err != nil {
		return err
	}
	res, err := r.svc.EditActivity(ctx, req.FromID, p.EditActivityID, msg.Text)
	if err != nil {
		return r.activityErr(ctx, req, err)
	}
	r.reply(ctx, req.Chat, fmt.Sprintf("Updated in %d channels. Failed: %d", res.OK, res.Failed))
	return nil
}

// activityErr turns expected lookup failures into user replies.
func (r *Router) activityErr(ctx context.Context, req *Request, err error) error {
	var text string
	switch {
	case errors.Is(err, storage.ErrNotFound):
		text = textActivityGone
	case errors.Is(err, broadcast.ErrNoStore):
		text = textNoStore
	case errors.Is(err, broadcast.ErrNotEditable):
		text = textNotEditable
	default:
		return err
	}
	if req.Update.Callback != nil {
		req.Notice = text
		r.edit(ctx, callbackRef(req), text, nil)
		return nil
	}
	r.reply(ctx, req.Chat, text)
	return nil
}

func callbackRef(req *Request) kit.MessageRef {
	cb := req.Update.Callback
	if cb == nil {
		return kit.MessageRef{}
	}
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

func deliveredLine(a storage.Activity) string {
	ok := a.Total - a.Failed
	if a.Failed == 0 {
		return fmt.Sprintf("%d channels", ok)
	}
	return fmt.Sprintf("%d of %d channels", ok, a.Total)
}

func preview(c storage.Content) string {
	if c.Text != "" {
		return c.Text
	}
	return c.Caption
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
