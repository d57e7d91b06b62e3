package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "uploadbot/internal/transport"
	logx "uploadbot/pkg/logx"
)

// maxMessageRunes stays under Telegram's 4096 limit.
const maxMessageRunes = 4000

// chunkText cuts s into pieces of at most limit runes. A cut moves back to
// the last newline when that keeps at least a third of the chunk, and in
// HTML mode it never lands inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = maxMessageRunes
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteOffset(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 && utf8.RuneCountInString(s[:nl]) >= limit/3 {
			cut = nl + 1
		}
		if html {
			head := s[:cut]
			if lt := strings.LastIndexByte(head, '<'); lt > 1 && lt > strings.LastIndexByte(head, '>') {
				cut = lt
			}
		}
		out = append(out, strings.TrimRight(s[:cut], "\n"))
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

func teleOptions(opt *kit.SendOptions, threadID int, withMarkup bool) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok && withMarkup {
		so.ReplyMarkup = rm
	}
	return so
}

func isHTML(opt *kit.SendOptions) bool { return strings.EqualFold(opt.ParseMode, string(tele.ModeHTML)) }

// SendText sends text, split over several messages when long. Reply markup
// is attached to the first message and the returned ref points at it.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	chat := &tele.Chat{ID: to.ChatID}
	for i, part := range chunkText(text, maxMessageRunes, isHTML(opt)) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		m, err := a.bot.Send(chat, part, teleOptions(opt, to.ThreadID, i == 0))
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = m.ID
		}
	}
	return ref, nil
}

// SendPlain sends unformatted text. The notifier and the chat log sink use it.
func (a *Adapter) SendPlain(ctx context.Context, chatID int64, text string) error {
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// EditText rewrites a message in place. Text past the first chunk is sent
// as follow-up messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	parts := chunkText(text, maxMessageRunes, isHTML(opt))
	target := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(target, parts[0], teleOptions(opt, 0, true)); err != nil {
		return err
	}
	for _, part := range parts[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(target.Chat, part, teleOptions(opt, ref.ThreadID, false)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// Download opens a file the operator sent to the bot.
func (a *Adapter) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fileID) == "" {
		return nil, errors.New("telegram: empty file id")
	}
	return a.bot.File(&tele.File{FileID: fileID})
}

// UpdateMenuCommands publishes the command menu, skipping the API call when
// the list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	list := menuCommands(cmds)
	sum := menuHash(list)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuSum {
		return nil
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuSum = sum
	a.log.Info("command menu updated", logx.Int("count", len(list)))
	return nil
}

// Telegram accepts up to 100 menu entries with 1..256 character descriptions.
const (
	maxMenuEntries = 100
	maxMenuDesc    = 256
)

func menuCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, min(len(cmds), maxMenuEntries))
	for _, c := range cmds {
		if len(out) == maxMenuEntries {
			break
		}
		name := strings.TrimPrefix(strings.TrimSpace(c.Command), "/")
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = name
		}
		if len(desc) > maxMenuDesc {
			desc = desc[:maxMenuDesc]
		}
		out = append(out, tele.Command{Text: name, Description: desc})
	}
	return out
}

func menuHash(cmds []tele.Command) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		_, _ = io.WriteString(h, c.Text+"\x00"+c.Description+"\x00")
	}
	return h.Sum64()
}
