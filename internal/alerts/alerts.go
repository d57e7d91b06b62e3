// Package alerts turns upload engine events into operator notifications
// and renders the plain-text reports shared by the bot and the CLI.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"uploadbot/internal/eventbus"
	"uploadbot/internal/notifier"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
)

const (
	PriorityPublished = 3
	PriorityDeferred  = 5
	PriorityFailed    = 9
)

// Notifier queues one alert.
type Notifier interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

type Options struct {
	Bus      eventbus.Bus
	Notifier Notifier
	// Admins returns the chat ids to alert; it is read per event so owner
	// changes apply without a restart.
	Admins   func() []int64
	Reporter *upload.Reporter
	Logger   logx.Logger
	// QuietPublished suppresses per-job publish alerts.
	QuietPublished bool
}

type Service struct {
	bus      eventbus.Bus
	notify   Notifier
	admins   func() []int64
	reporter *upload.Reporter
	log      logx.Logger
	quiet    bool
}

func New(opts Options) *Service {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		bus:      opts.Bus,
		notify:   opts.Notifier,
		admins:   opts.Admins,
		reporter: opts.Reporter,
		log:      log.With(logx.String("comp", "alerts")),
		quiet:    opts.QuietPublished,
	}
}

// Run forwards upload events until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, unsubscribe := s.bus.Subscribe(128, "upload.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			text, prio, ok := Format(ev)
			if !ok || (s.quiet && prio == PriorityPublished) {
				continue
			}
			s.broadcast(ctx, notifier.Alert{Priority: prio, Text: text})
		}
	}
}

func (s *Service) broadcast(ctx context.Context, a notifier.Alert) {
	key := a.Key
	for _, id := range s.admins() {
		a.ChatID = id
		if key != "" {
			a.Key = fmt.Sprintf("%s:%d", key, id)
		}
		if err := s.notify.Notify(ctx, a); err != nil && !errors.Is(err, notifier.ErrDisabled) {
			s.log.Warn("alert not queued", logx.Int64("chat_id", id), logx.Err(err))
		}
	}
}

// SendSummary alerts every admin with the summary of now's UTC day.
func (s *Service) SendSummary(ctx context.Context) error {
	sum, err := s.reporter.DailySummary(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	s.broadcast(ctx, notifier.Alert{
		Priority: PriorityDeferred,
		Text:     FormatSummary(sum),
		Key:      "summary:" + sum.Day.Format(time.DateOnly),
	})
	return nil
}

// ShortID is the job id prefix shown to operators.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func slot(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") }

// Format renders an upload event. ok is false for events not worth an alert.
func Format(ev eventbus.Event) (text string, priority int, ok bool) {
	switch d := ev.Data.(type) {
	case upload.JobPublished:
		return fmt.Sprintf("✅ Published job %s on %s as %s (attempt %d).\n%s",
			ShortID(d.JobID), d.Destination, d.ExternalID, d.Attempt, d.Title), PriorityPublished, true
	case upload.JobDeferred:
		if d.Retry {
			return fmt.Sprintf("Error on job %s (%s, attempt %d): %s\nRescheduled for %s UTC.",
				ShortID(d.JobID), d.Destination, d.Attempt, d.Reason, slot(d.ScheduledFor)), PriorityDeferred, true
		}
		return fmt.Sprintf("Daily limit reached. Job %s (%s) moved to %s UTC.",
			ShortID(d.JobID), d.Destination, slot(d.ScheduledFor)), PriorityDeferred, true
	case upload.JobFailed:
		return fmt.Sprintf("Job %s on %s failed after %d attempt(s): %s\n%s",
			ShortID(d.JobID), d.Destination, d.Attempt, d.Reason, d.Title), PriorityFailed, true
	case upload.JobPublishedTwice:
		return fmt.Sprintf("⚠️ Job %s was published twice on %s: kept %s, duplicate %s.\n%s",
			ShortID(d.JobID), d.Destination, d.KeptID, d.DuplicateID, d.Title), PriorityFailed, true
	}
	return "", 0, false
}

// FormatSummary renders a daily summary as plain text.
func FormatSummary(s upload.DailySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📅 Summary for %s (UTC)\n", s.Day.Format(time.DateOnly))
	dests := s.Destinations()
	if len(dests) == 0 {
		b.WriteString("No channels configured.")
		return b.String()
	}
	for _, d := range dests {
		a := s.ByDestination[d]
		fmt.Fprintf(&b, "• %s: %d published, %d failed, %d queued\n", d, a.Published, a.Failed, a.Queued)
	}
	fmt.Fprintf(&b, "Total: %d published, %d failed, %d queued", s.Total.Published, s.Total.Failed, s.Total.Queued)
	return b.String()
}

// FormatStatus renders an operator status snapshot as plain text.
func FormatStatus(st upload.Status) string {
	lines := []string{
		"📊 Status at " + slot(st.Now) + " UTC",
		fmt.Sprintf("Uploaded today: %d/%d", st.PublishedToday, st.DailyLimit*max(st.Destinations, 1)),
		fmt.Sprintf("Daily limit: %d per channel, %d channel(s)", st.DailyLimit, st.Destinations),
		fmt.Sprintf("Queued: %d", st.Queued),
		fmt.Sprintf("Scheduled today: %d", st.ScheduledToday),
		fmt.Sprintf("Scheduled tomorrow: %d", st.ScheduledTomorrow),
	}
	return strings.Join(lines, "\n")
}
