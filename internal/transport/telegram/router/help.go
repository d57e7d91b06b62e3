package router

import (
	"html"
	"slices"
	"strings"
)

// helpText renders help in Telegram HTML.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	ordered := slices.Clone(r.ordered)
	byName := r.commands
	r.mu.RUnlock()

	if len(args) > 0 {
		c := byName[sanitizeTelegramCommand(args[0])]
		if c == nil {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		return commandHelp(*c)
	}

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	for _, c := range ordered {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " · " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	var aliases []string
	for _, a := range c.Aliases {
		if a = sanitizeTelegramCommand(a); a != "" && a != c.Name {
			aliases = append(aliases, "<code>/"+html.EscapeString(a)+"</code>")
		}
	}
	if len(aliases) > 0 {
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(aliases, ", "))
	}
	return strings.Join(lines, "\n")
}
