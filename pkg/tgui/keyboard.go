package tgui

import kit "castbot/internal/transport"

func Btn(text, data string) kit.InlineButton {
	return kit.InlineButton{Text: text, Data: data}
}

// Grid splits buttons into rows of at most cols buttons.
func Grid(buttons []kit.InlineButton, cols int) [][]kit.InlineButton {
	if cols <= 0 {
		cols = 1
	}
	rows := make([][]kit.InlineButton, 0, (len(buttons)+cols-1)/cols)
	for len(buttons) > 0 {
		n := min(cols, len(buttons))
		rows = append(rows, buttons[:n:n])
		buttons = buttons[n:]
	}
	return rows
}

// Markup renders rows through the adapter when it supports inline keyboards.
// It returns nil otherwise, which sends the text without a keyboard.
func Markup(adapter any, rows [][]kit.InlineButton) *kit.SendOptions {
	kb, ok := adapter.(kit.KeyboardBuilder)
	if !ok || len(rows) == 0 {
		return nil
	}
	return &kit.SendOptions{DisablePreview: true, ReplyMarkupAdapter: kb.InlineKeyboard(rows)}
}
