package commands

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"uploadbot/internal/alerts"
	"uploadbot/internal/job"
	"uploadbot/internal/transport/telegram/router"
	"uploadbot/pkg/tgui"
)

func (h *Handlers) renderQueue(ctx context.Context, page int) (tgui.Message, error) {
	if page < 1 {
		page = 1
	}
	jobs, total, err := h.queue.Page(ctx, page, h.pageSize)
	if err != nil {
		return tgui.Message{}, err
	}
	p := tgui.Page{Index: page - 1, Size: h.pageSize, Total: total}

	b := tgui.New().Title("📋", "Queue")
	if total == 0 {
		return b.Line("Nothing is waiting.").Build(), nil
	}
	b.Line(p.Label()).Blank()

	kb := tgui.NewInline()
	for _, j := range jobs {
		short := alerts.ShortID(j.ID)
		b.HTML(tgui.JoinH(" · ",
			tgui.Code(short),
			tgui.Esc(j.Destination),
			tgui.Esc(j.ScheduledFor.UTC().Format("2006-01-02 15:04")+" UTC"),
			tgui.I(string(j.State)),
		))
		b.Line("  " + tgui.TruncRunes(j.Title, 60))
		if data, err := tgui.Data(scopeQueue, actionCancel, j.ID); err == nil {
			kb.Row(tgui.Btn("✖ Cancel "+short, data))
		}
	}
	tgui.NavRow(kb, p, func(idx int) string {
		data, _ := tgui.Data(scopeQueue, actionPage, strconv.Itoa(idx+1))
		return data
	})
	return b.Inline(kb).Build(), nil
}

func (h *Handlers) cmdQueue(ctx context.Context, req *router.Request) error {
	page := 1
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return router.Userf("Usage: /queue [page]")
		}
		page = n
	}
	msg, err := h.renderQueue(ctx, page)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (h *Handlers) cbQueuePage(ctx context.Context, req *router.Request, payload string) error {
	page, _ := strconv.Atoi(payload)
	msg, err := h.renderQueue(ctx, page)
	if err != nil {
		return err
	}
	return msg.Edit(ctx, req.Adapter, callbackRef(req))
}

func (h *Handlers) cbQueueCancel(ctx context.Context, req *router.Request, id string) error {
	if err := h.cancelJob(ctx, req, id); err != nil {
		return err
	}
	msg, err := h.renderQueue(ctx, 1)
	if err != nil {
		return err
	}
	return msg.Edit(ctx, req.Adapter, callbackRef(req))
}

// cmdCancel cancels a queued job, or the upload conversation when called
// without arguments.
func (h *Handlers) cmdCancel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		if _, ok := h.sessions.Take(req.FromID); ok {
			return req.Reply(ctx, msgAborted)
		}
		return router.Userf("Usage: /cancel <job id or prefix>")
	}
	return h.cancelJob(ctx, req, strings.TrimSpace(req.Args[0]))
}

func (h *Handlers) cancelJob(ctx context.Context, req *router.Request, idOrPrefix string) error {
	j, err := h.queue.Resolve(ctx, idOrPrefix)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return router.Userf("No job matches %q.", idOrPrefix)
		}
		return router.Userf("❌ %v", err)
	}
	j, err = h.queue.Cancel(ctx, j.ID)
	h.record(ctx, req, "cancel", j.ID, nil, err)
	if errors.Is(err, job.ErrConflict) {
		return router.Userf("Job %s is already %s.", alerts.ShortID(j.ID), j.State)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, "🗑 Job "+alerts.ShortID(j.ID)+" on "+j.Destination+" cancelled. Later slots moved up.")
}

func (h *Handlers) cmdStatus(ctx context.Context, req *router.Request) error {
	st, err := h.reporter.Status(ctx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, alerts.FormatStatus(st))
}

func (h *Handlers) cmdSummary(ctx context.Context, req *router.Request) error {
	day := time.Now().UTC()
	if len(req.Args) > 0 {
		d, err := time.Parse(time.DateOnly, req.Args[0])
		if err != nil {
			return router.Userf("Usage: /summary [YYYY-MM-DD]")
		}
		day = d
	}
	sum, err := h.reporter.DailySummary(ctx, day)
	if err != nil {
		return err
	}
	return req.Reply(ctx, alerts.FormatSummary(sum))
}

func (h *Handlers) cmdChannels(ctx context.Context, req *router.Request) error {
	var dests []string
	if h.dests != nil {
		dests = h.dests.Destinations()
	}
	if len(dests) == 0 {
		return req.Reply(ctx, "No channels configured. Add credential files to the channels directory.")
	}
	sum, err := h.reporter.DailySummary(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	b := tgui.New().Title("📺", "Channels")
	for _, d := range dests {
		a := sum.ByDestination[d]
		b.KV(d, strconv.Itoa(a.Published)+" published today, "+strconv.Itoa(a.Queued)+" queued")
	}
	_, err = b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}
