// Package commands implements the operator's Telegram commands on top of
// the upload engine.
package commands

import (
	"context"
	"encoding/json"
	"time"

	"uploadbot/internal/storage"
	"uploadbot/internal/transport/telegram/router"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
	"uploadbot/pkg/tgui"
)

// Auditor records operator actions. *storage.SQLite implements it.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Options struct {
	Submitter    *upload.Submitter
	Queue        *upload.Queue
	Reporter     *upload.Reporter
	Destinations upload.Destinations
	Audit        Auditor // optional
	// MaxMediaBytes is read per upload so config reloads apply.
	MaxMediaBytes func() int64
	// OnSubmitted runs after jobs were queued, typically to trigger a
	// dispatch tick.
	OnSubmitted func()
	SessionTTL  time.Duration
	PageSize    int
	Logger      logx.Logger
}

type Handlers struct {
	submit   *upload.Submitter
	queue    *upload.Queue
	reporter *upload.Reporter
	dests    upload.Destinations
	audit    Auditor
	maxBytes func() int64
	onSubmit func()
	pageSize int
	log      logx.Logger

	sessions *tgui.Store[int64, session]
}

func New(opts Options) *Handlers {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handlers{
		submit:   opts.Submitter,
		queue:    opts.Queue,
		reporter: opts.Reporter,
		dests:    opts.Destinations,
		audit:    opts.Audit,
		maxBytes: opts.MaxMediaBytes,
		onSubmit: opts.OnSubmitted,
		pageSize: opts.PageSize,
		log:      log.With(logx.String("comp", "commands")),
		sessions: tgui.NewStore[int64, session](opts.SessionTTL, 0),
	}
	if h.maxBytes == nil {
		h.maxBytes = func() int64 { return 50 << 20 }
	}
	if h.onSubmit == nil {
		h.onSubmit = func() {}
	}
	if h.pageSize <= 0 {
		h.pageSize = 5
	}
	return h
}

// Install registers every command, callback and the upload conversation.
func (h *Handlers) Install(r *router.Router) {
	r.Register(h.Commands(), h.Callbacks())
	r.SetFallback(h.onMessage)
}

func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "start", Description: "Greeting and quick help", Handle: h.cmdStart},
		{Name: "upload", Aliases: []string{"up"}, Description: "Queue a video for every channel", Usage: "/upload, then send the MP4 and its title", Timeout: 5 * time.Minute, Handle: h.cmdUpload},
		{Name: "status", Description: "Today's uploads and the schedule", Handle: h.cmdStatus},
		{Name: "queue", Aliases: []string{"q"}, Description: "List waiting jobs", Usage: "/queue [page]", Handle: h.cmdQueue},
		{Name: "cancel", Description: "Cancel a waiting job or the upload in progress", Usage: "/cancel [job id or prefix]", Handle: h.cmdCancel},
		{Name: "summary", Description: "Per-channel summary of a UTC day", Usage: "/summary [YYYY-MM-DD]", Handle: h.cmdSummary},
		{Name: "channels", Description: "Configured channels", Handle: h.cmdChannels},
	}
}

func (h *Handlers) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: scopeUpload, Action: actionConfirm, Timeout: 5 * time.Minute, Handle: h.cbUploadConfirm},
		{Scope: scopeUpload, Action: actionAbort, Handle: h.cbUploadAbort},
		{Scope: scopeQueue, Action: actionPage, Handle: h.cbQueuePage},
		{Scope: scopeQueue, Action: actionCancel, Handle: h.cbQueueCancel},
	}
}

const (
	scopeUpload   = "upload"
	scopeQueue    = "queue"
	actionConfirm = "confirm"
	actionAbort   = "abort"
	actionPage    = "page"
	actionCancel  = "cancel"
)

func (h *Handlers) record(ctx context.Context, req *router.Request, action, target string, meta any, err error) {
	if h.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now().UTC(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if meta != nil {
		if b, mErr := json.Marshal(meta); mErr == nil {
			e.MetaJSON = string(b)
		}
	}
	if aErr := h.audit.AppendAudit(ctx, e); aErr != nil {
		req.Logger.Warn("audit append failed", logx.Err(aErr))
	}
}

func (h *Handlers) cmdStart(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "👋 Hi! Send /upload to queue a video for every channel.\n/status shows today's progress, /help lists everything.")
}
