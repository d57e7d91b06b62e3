package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"

	"uploadbot/internal/alerts"
	"uploadbot/internal/job"
	kit "uploadbot/internal/transport"
	"uploadbot/internal/transport/telegram/router"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
	"uploadbot/pkg/tgui"
)

type step int

const (
	stepMedia step = iota
	stepTitle
	stepConfirm
)

// session is one operator's upload in progress.
type session struct {
	Step  step
	Nonce string
	Media *kit.Media
	Title string
}

const (
	msgSendVideo   = "📤 Send the MP4 video (max %s)."
	msgSendTitle   = "✏️ Now send the title."
	msgTitleAsText = "✏️ Please send the title as text."
	msgNoUpload    = "Send /upload to queue a video."
	msgExpired     = "⌛ This upload expired. Send /upload to start again."
	msgAborted     = "✖ Upload cancelled."
	msgUploading   = "⏳ Uploading…"
)

func megabytes(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}

// isMP4 accepts Telegram videos and MP4 documents.
func isMP4(m *kit.Media) bool {
	mime := strings.ToLower(strings.TrimSpace(m.MimeType))
	if m.IsVideo {
		return mime == "" || mime == "video/mp4"
	}
	return mime == "video/mp4" || strings.EqualFold(path.Ext(m.FileName), ".mp4")
}

func (h *Handlers) cmdUpload(ctx context.Context, req *router.Request) error {
	h.sessions.Put(req.FromID, session{Step: stepMedia, Nonce: newNonce()})
	return req.Reply(ctx, fmt.Sprintf(msgSendVideo, megabytes(h.maxBytes())))
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// onMessage drives the upload conversation for non-command messages.
// A video sent without /upload starts one.
func (h *Handlers) onMessage(ctx context.Context, req *router.Request) error {
	msg := req.Message()
	if msg == nil {
		return nil
	}
	sess, ok := h.sessions.Get(req.FromID)
	if !ok {
		if msg.Media == nil {
			return req.Reply(ctx, msgNoUpload)
		}
		sess = session{Step: stepMedia, Nonce: newNonce()}
	}

	switch sess.Step {
	case stepMedia:
		if msg.Media == nil {
			return req.Reply(ctx, fmt.Sprintf(msgSendVideo, megabytes(h.maxBytes())))
		}
		if !isMP4(msg.Media) {
			return router.Userf("❌ Only MP4 videos are accepted.")
		}
		if limit := h.maxBytes(); limit > 0 && msg.Media.Size > limit {
			return router.Userf("❌ File too large (%s, max %s).", megabytes(msg.Media.Size), megabytes(limit))
		}
		sess.Media = msg.Media
		if caption := strings.TrimSpace(msg.Text); caption != "" {
			sess.Title = caption
			return h.askConfirm(ctx, req, sess)
		}
		sess.Step = stepTitle
		h.sessions.Put(req.FromID, sess)
		return req.Reply(ctx, msgSendTitle)

	case stepTitle:
		title := strings.TrimSpace(msg.Text)
		if msg.Media != nil || title == "" {
			return req.Reply(ctx, msgTitleAsText)
		}
		sess.Title = title
		return h.askConfirm(ctx, req, sess)

	default:
		return req.Reply(ctx, "Use the buttons above to confirm or cancel.")
	}
}

func (h *Handlers) askConfirm(ctx context.Context, req *router.Request, sess session) error {
	yes, err := tgui.Data(scopeUpload, actionConfirm, sess.Nonce)
	if err != nil {
		return err
	}
	no, err := tgui.Data(scopeUpload, actionAbort, sess.Nonce)
	if err != nil {
		return err
	}
	sess.Step = stepConfirm
	h.sessions.Put(req.FromID, sess)

	name := sess.Media.FileName
	if name == "" {
		name = "video.mp4"
	}
	b := tgui.New().
		Title("📋", "Confirm upload").
		KV("File", name).
		KV("Size", megabytes(sess.Media.Size)).
		KV("Title", tgui.TruncRunes(sess.Title, 100))
	if h.dests != nil {
		b.KV("Channels", strings.Join(h.dests.Destinations(), ", "))
	}
	_, err = b.Inline(tgui.Confirm("✅ Confirm", yes, "✖ Cancel", no)).Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func callbackRef(req *router.Request) kit.MessageRef {
	cb := req.Callback()
	return kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
}

// editOrReply replaces the callback's message text, falling back to a new
// message when the edit fails.
func editOrReply(ctx context.Context, req *router.Request, text string) error {
	if cb := req.Callback(); cb != nil {
		if err := req.Adapter.EditText(ctx, callbackRef(req), text, &kit.SendOptions{DisablePreview: true}); err == nil {
			return nil
		}
	}
	return req.Reply(ctx, text)
}

func (h *Handlers) cbUploadAbort(ctx context.Context, req *router.Request, nonce string) error {
	if sess, ok := h.sessions.Get(req.FromID); ok && sess.Nonce == nonce {
		h.sessions.Delete(req.FromID)
	}
	return editOrReply(ctx, req, msgAborted)
}

func (h *Handlers) cbUploadConfirm(ctx context.Context, req *router.Request, nonce string) error {
	sess, ok := h.sessions.Get(req.FromID)
	if !ok || sess.Nonce != nonce || sess.Step != stepConfirm {
		return editOrReply(ctx, req, msgExpired)
	}
	h.sessions.Delete(req.FromID)
	_ = editOrReply(ctx, req, msgUploading)

	data, err := h.download(ctx, req.Adapter, sess.Media)
	if err != nil {
		h.record(ctx, req, "upload", sess.Title, nil, err)
		return err
	}
	res, err := h.submit.Submit(ctx, upload.Submission{Media: data, Title: sess.Title})
	h.record(ctx, req, "upload", sess.Title, map[string]any{
		"jobs": res.JobIDs, "duplicates": res.Duplicates, "seq": res.SeqNo,
	}, err)

	var dup *job.DuplicateError
	switch {
	case errors.As(err, &dup):
		return router.Userf("⚠️ This video is already queued or published (job %s on %s).", alerts.ShortID(dup.ExistingID), dup.Destination)
	case errors.Is(err, upload.ErrValidation):
		return router.Userf("❌ %v", err)
	case err != nil:
		return err
	}

	req.Logger.Info("upload queued", logx.Int64("seq", res.SeqNo), logx.Int("jobs", len(res.JobIDs)))
	h.onSubmit()
	return req.Reply(ctx, formatSubmitResult(res))
}

func formatSubmitResult(res upload.SubmitResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Queued #%d: %s\n", res.SeqNo, res.Title)
	for i, dest := range res.Destinations {
		fmt.Fprintf(&b, "• %s: job %s\n", dest, alerts.ShortID(res.JobIDs[i]))
	}
	for _, dest := range slices.Sorted(maps.Keys(res.Duplicates)) {
		fmt.Fprintf(&b, "• %s: skipped, duplicate of job %s\n", dest, alerts.ShortID(res.Duplicates[dest]))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handlers) download(ctx context.Context, ad kit.Adapter, m *kit.Media) ([]byte, error) {
	rc, err := ad.Download(ctx, m.FileID)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer rc.Close()

	limit := h.maxBytes()
	r := io.Reader(rc)
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, router.Userf("❌ File too large (max %s).", megabytes(limit))
	}
	return data, nil
}
