package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// This is the length of the full string: "ns:action:args...".
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "ns:action" plus colon-joined args.
// Args must not themselves contain colons.
func Data(ns, action string, args ...string) string {
	parts := append([]string{strings.TrimSpace(ns), strings.TrimSpace(action)}, args...)
	return strings.Join(parts, ":")
}

// ParseData splits callback data produced by Data. It returns the namespace,
// action, and remaining args. ok is false when the data has fewer than two
// segments.
func ParseData(data string) (ns, action string, args []string, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return "", "", nil, false
	}
	return parts[0], parts[1], parts[2:], true
}
