// Package router turns transport updates into command, callback and
// conversation handler calls. Every handler is owner-only.
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	rtsup "uploadbot/internal/runtime/supervisor"
	kit "uploadbot/internal/transport"
	logx "uploadbot/pkg/logx"
)

const (
	MsgAccessDenied   = "❌ Access denied."
	MsgUnknownCommand = "Unknown command. Try /help"
	MsgBusy           = "Busy, try again in a moment."
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline button data "scope:action[:payload]".
type CallbackRoute struct {
	Scope   string
	Action  string
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Command      string // command name, or "cb:scope:action"
	Args         []string
	Payload      string // callback payload
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Message returns the message of a message update, or nil.
func (r *Request) Message() *kit.Message { return r.Update.Message }

// Callback returns the callback of a callback update, or nil.
func (r *Request) Callback() *kit.Callback { return r.Update.Callback }

// Reply sends plain text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Options struct {
	Logger  logx.Logger
	Adapter kit.Adapter
	Owners  []int64
	// Workers defaults to 4. Updates of one chat always land on the same
	// worker, so a chat sees its messages handled in order.
	Workers int
	// QueueSize is per worker; defaults to 64.
	QueueSize      int
	DefaultTimeout time.Duration
}

type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // name and aliases
	ordered   []Command
	callbacks map[string]map[string]CallbackRoute
	fallback  HandlerFunc
	owners    []int64

	log            logx.Logger
	adapter        kit.Adapter
	workers        int
	queueSize      int
	defaultTimeout time.Duration

	runMu  sync.Mutex
	sup    *rtsup.Supervisor
	queues []chan func()
}

func New(opts Options) *Router {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:       map[string]*Command{},
		callbacks:      map[string]map[string]CallbackRoute{},
		owners:         append([]int64(nil), opts.Owners...),
		log:            log.With(logx.String("comp", "telegram.router")),
		adapter:        opts.Adapter,
		workers:        opts.Workers,
		queueSize:      opts.QueueSize,
		defaultTimeout: opts.DefaultTimeout,
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.queueSize <= 0 {
		r.queueSize = 64
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = 2 * time.Minute
	}
	return r
}

// SetOwners replaces the user ids allowed to talk to the bot.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Register installs commands and callback routes, replacing earlier ones.
// A help command is always added.
func (r *Router) Register(cmds []Command, cbs []CallbackRoute) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "Show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byName := map[string]*Command{}
	ordered := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		ordered = append(ordered, c)
	}
	for i := range ordered {
		byName[ordered[i].Name] = &ordered[i]
	}
	// Aliases never shadow a real command name.
	for i := range ordered {
		for _, a := range ordered[i].Aliases {
			a = sanitizeTelegramCommand(a)
			if _, taken := byName[a]; a != "" && !taken {
				byName[a] = &ordered[i]
			}
		}
	}

	cb := map[string]map[string]CallbackRoute{}
	for _, route := range cbs {
		s, a := strings.TrimSpace(route.Scope), strings.TrimSpace(route.Action)
		if s == "" || a == "" || route.Handle == nil {
			continue
		}
		if cb[s] == nil {
			cb[s] = map[string]CallbackRoute{}
		}
		cb[s][a] = route
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.mu.Unlock()
}

// SetFallback handles owner messages that are not commands, such as media
// and wizard replies.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Menu returns the command menu for the current registry.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return buildMenu(r.ordered)
}

// Supervisor returns the worker supervisor while Run is active.
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run consumes updates until ctx is done or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	queues := make([]chan func(), r.workers)
	for i := range queues {
		queues[i] = make(chan func(), r.queueSize)
		q := queues[i]
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return r.workerLoop(c, q)
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.runMu.Lock()
	r.sup, r.queues = sup, queues
	r.runMu.Unlock()

	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		menu := r.Menu()
		sup.Go("menu.sync", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menu); err != nil {
				r.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	r.log.Info("router started", logx.Int("workers", r.workers))
	defer func() {
		r.runMu.Lock()
		r.sup, r.queues = nil, nil
		r.runMu.Unlock()
		for _, q := range queues {
			close(q)
		}
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up, queues)
		}
	}
}

func (r *Router) workerLoop(ctx context.Context, q <-chan func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-q:
			if !ok {
				return nil
			}
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error("panic in handler job", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					}
				}()
				job()
			}()
		}
	}
}

func enqueue(queues []chan func(), chatID int64, fn func()) bool {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%d", chatID)
	select {
	case queues[int(h.Sum32()%uint32(len(queues)))] <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) route(ctx context.Context, up kit.Update, queues []chan func()) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.routeMessage(ctx, up, queues)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.routeCallback(ctx, up, queues)
		}
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, username, command string) *Request {
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         chat,
		FromID:       fromID,
		FromUsername: username,
		Command:      command,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update, queues []chan func()) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if !r.isOwner(msg.FromID) {
		_, _ = r.adapter.SendText(ctx, chat, MsgAccessDenied, nil)
		return
	}

	text := strings.TrimSpace(msg.Text)
	var (
		h       HandlerFunc
		name    string
		args    []string
		timeout time.Duration
	)
	if strings.HasPrefix(text, "/") && msg.Media == nil {
		parts := tokenizeCommandLine(text)
		word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		r.mu.RLock()
		cmd := r.commands[word]
		r.mu.RUnlock()
		if cmd == nil {
			_, _ = r.adapter.SendText(ctx, chat, MsgUnknownCommand, nil)
			return
		}
		h, name, args, timeout = cmd.Handle, cmd.Name, parts[1:], cmd.Timeout
	} else {
		r.mu.RLock()
		h = r.fallback
		r.mu.RUnlock()
		if h == nil {
			return
		}
		name = "message"
	}

	req := r.newRequest(up, chat, msg.FromID, msg.FromUsername, name)
	req.Args = args
	final := r.chain(h, timeout)
	if !enqueue(queues, chat.ChatID, func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, chat, MsgBusy, nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update, queues []chan func()) {
	cb := up.Callback
	if !r.isOwner(cb.FromID) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, MsgAccessDenied)
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[parts[0]][parts[1]]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	chat := kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}
	req := r.newRequest(up, chat, cb.FromID, "", "cb:"+parts[0]+":"+parts[1])
	req.Payload = payload
	final := r.chain(func(c context.Context, rq *Request) error { return route.Handle(c, rq, payload) }, route.Timeout)

	if !enqueue(queues, chat.ChatID, func() {
		_ = final(ctx, req)
		// Stops the client's loading indicator.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, MsgBusy)
	}
}

func (r *Router) chain(h HandlerFunc, timeout time.Duration) HandlerFunc {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(),
		MWTimeout(timeout),
	)
}
