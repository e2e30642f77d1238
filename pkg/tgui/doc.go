// Package tgui holds small transport-neutral helpers for inline UIs:
// callback data encoding, keyboard layout, paging labels and text trimming.
package tgui
