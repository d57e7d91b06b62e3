// Package transport holds the chat-platform neutral types passed between the
// Telegram adapter, the router and the command handlers.
package transport

import (
	"context"
	"io"
)

// UpdateKind tells which pointer of an Update is set.
type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event: a message or an inline button press.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a text, video or document message. For media, Text holds the
// caption.
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int // forum topic, 0 outside topics
	IsGroup  bool

	FromID       int64
	FromUsername string

	Text  string
	Media *Media
}

// Media describes an attached file; fetch its bytes with Adapter.Download.
type Media struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
	Duration int // seconds; videos only
	IsVideo  bool
}

// Callback is a press on an inline keyboard button.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int // message carrying the keyboard
	Data      string
}

// ChatTarget addresses a chat, optionally a topic inside it.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef points at a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyMarkupAdapter is platform markup; *telebot.ReplyMarkup for Telegram.
	ReplyMarkupAdapter any
}

// Adapter is the chat platform as seen by the rest of the bot.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// Download opens the file behind Media.FileID. The caller closes it.
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
