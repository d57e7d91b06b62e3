package router

import (
	"regexp"
	"strings"

	kit "uploadbot/internal/transport"
)

const (
	maxMenuName    = 32
	maxMenuEntries = 100
)

var (
	menuSeparators = regexp.MustCompile(`[\s_-]+`)
	menuInvalid    = regexp.MustCompile(`[^a-z0-9_]`)
)

// sanitizeTelegramCommand maps a name onto Telegram's [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "/")
	s = menuSeparators.ReplaceAllString(s, "_")
	s = menuInvalid.ReplaceAllString(s, "")
	s = strings.Trim(menuSeparators.ReplaceAllString(s, "_"), "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "cmd_" + s
	}
	return strings.TrimRight(s[:min(len(s), maxMenuName)], "_")
}

// buildMenu lists commands in registration order; aliases are left out.
func buildMenu(cmds []Command) []kit.BotCommand {
	var out []kit.BotCommand
	seen := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		if len(out) == maxMenuEntries {
			break
		}
		if _, dup := seen[c.Name]; dup {
			continue
		}
		seen[c.Name] = struct{}{}
		desc := strings.Join(strings.Fields(c.Description), " ")
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}
