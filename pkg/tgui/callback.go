package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "scope:action[:payload]".
// The payload is kept as-is and may itself contain colons.
func Data(scope, action, payload string) (string, error) {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	out := scope + ":" + action
	if payload != "" {
		out += ":" + payload
	}
	if len(out) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return out, nil
}

// MustData is Data for statically short values; it panics on overflow.
func MustData(scope, action, payload string) string {
	s, err := Data(scope, action, payload)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse splits callback data produced by Data.
func Parse(data string) (scope, action, payload string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}
