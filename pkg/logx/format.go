package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Chat messages stay well under Telegram's limit.
const (
	chatMaxLen   = 3500
	chatMaxValue = 600
	chatMaxStack = 900
)

// formatChatLine renders one zerolog JSON line as "[LEVEL] message"
// followed by one "- key=value" line per field, keys sorted.
func formatChatLine(line []byte) string {
	line = bytes.TrimSpace(line)
	fields := map[string]any{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return truncate(string(line), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := fields["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := fields["message"].(string)
	b.WriteString(msg)

	for _, k := range []string{"time", "level", "message"} {
		delete(fields, k)
	}
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		v := fmt.Sprint(fields[k])
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(v, chatMaxStack))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(v, chatMaxValue))
	}
	return truncate(b.String(), chatMaxLen)
}

// truncate cuts s to n bytes, marking the cut with "..." when there is room.
func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
