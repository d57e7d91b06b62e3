package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var (
	ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")
	ErrCallbackMalformed   = errors.New("tgui: malformed callback_data")
)

// Data formats callback data as "scope:action[:payload]".
func Data(scope, action, payload string) (string, error) {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if scope == "" || action == "" || strings.Contains(scope, ":") || strings.Contains(action, ":") {
		return "", ErrCallbackMalformed
	}
	s := scope + ":" + action
	if payload != "" {
		s += ":" + payload
	}
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Callback is parsed callback data.
type Callback struct {
	Scope   string
	Action  string
	Payload string
}

// Parse splits data produced by Data. The payload may contain ':'.
func Parse(data string) (Callback, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Callback{}, ErrCallbackMalformed
	}
	cb := Callback{Scope: parts[0], Action: parts[1]}
	if len(parts) == 3 {
		cb.Payload = parts[2]
	}
	return cb, nil
}
