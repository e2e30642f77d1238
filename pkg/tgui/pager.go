package tgui

import (
	"fmt"
	"strconv"

	kit "castbot/internal/transport"
)

// Pages returns how many pages of size hold total items, at least 1.
func Pages(total, size int) int {
	if size <= 0 {
		size = 10
	}
	if total <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

// PageLabel renders a 1-based "Page p/n" label.
func PageLabel(page, pages int) string {
	if pages < 1 {
		pages = 1
	}
	page = max(1, min(page, pages))
	return fmt.Sprintf("Page %d/%d", page, pages)
}

// NavRow builds previous/next buttons for a 1-based page. The page number is
// the callback payload. It returns nil when there is only one page.
func NavRow(scope, action string, page, pages int) []kit.InlineButton {
	if pages <= 1 {
		return nil
	}
	var row []kit.InlineButton
	if page > 1 {
		row = append(row, Btn("‹ Prev", MustData(scope, action, strconv.Itoa(page-1))))
	}
	if page < pages {
		row = append(row, Btn("Next ›", MustData(scope, action, strconv.Itoa(page+1))))
	}
	return row
}
