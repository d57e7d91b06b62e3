package youtube

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"uploadbot/internal/job"
	logx "uploadbot/pkg/logx"
)

const (
	categoryComedy = "23"
	maxTitle       = 100
	maxDescription = 4999
	chunkSize      = 8 << 20
)

// MediaOpener resolves a media reference to a readable file.
type MediaOpener interface {
	Open(ref string) (*os.File, error)
}

type Options struct {
	Registry *Registry
	Media    MediaOpener
	Logger   logx.Logger
	// ClientOptions are appended when building each channel's service.
	ClientOptions []option.ClientOption
}

// Publisher uploads one job to the channel named by its destination.
type Publisher struct {
	reg   *Registry
	media MediaOpener
	log   logx.Logger
	extra []option.ClientOption

	// base outlives individual publishes; token refreshes run on it.
	base context.Context

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func New(ctx context.Context, opts Options) *Publisher {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		reg:     opts.Registry,
		media:   opts.Media,
		log:     log.With(logx.String("comp", "youtube")),
		extra:   opts.ClientOptions,
		base:    ctx,
		sources: map[string]oauth2.TokenSource{},
	}
}

// Forget drops the cached token for a channel so its file is read again.
func (p *Publisher) Forget(dest string) {
	p.mu.Lock()
	delete(p.sources, dest)
	p.mu.Unlock()
}

func (p *Publisher) tokenSource(dest string) (oauth2.TokenSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.sources[dest]; ok {
		return ts, nil
	}
	creds, err := p.reg.Credentials(dest)
	if err != nil {
		return nil, err
	}
	ts := oauth2.ReuseTokenSource(creds.Token, creds.Config.TokenSource(p.base, creds.Token))
	p.sources[dest] = ts
	return ts, nil
}

func (p *Publisher) service(ctx context.Context, dest string) (*yt.Service, error) {
	ts, err := p.tokenSource(dest)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, p.extra...)
	return yt.NewService(ctx, opts...)
}

// Publish uploads the job's media as a public video and returns its id.
func (p *Publisher) Publish(ctx context.Context, j job.Job) (string, error) {
	svc, err := p.service(ctx, j.Destination)
	if err != nil {
		return "", classify(err)
	}

	f, err := p.media.Open(j.MediaRef)
	if err != nil {
		return "", classify(fmt.Errorf("open media: %w", err))
	}
	defer f.Close()

	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       truncate(j.Title, maxTitle),
			Description: truncate(j.Description, maxDescription),
			Tags:        j.Tags,
			CategoryId:  categoryComedy,
		},
		Status: &yt.VideoStatus{
			PrivacyStatus:           "public",
			SelfDeclaredMadeForKids: false,
			ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
		},
	}

	out, err := svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(f, googleapi.ContentType("video/mp4"), googleapi.ChunkSize(chunkSize)).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(err)
	}
	if out.Id == "" {
		return "", fmt.Errorf("insert returned no video id")
	}

	if j.ThumbnailRef != "" {
		p.setThumbnail(ctx, svc, out.Id, j)
	}
	return out.Id, nil
}

// setThumbnail is best effort; the video is already live.
func (p *Publisher) setThumbnail(ctx context.Context, svc *yt.Service, videoID string, j job.Job) {
	f, err := p.media.Open(j.ThumbnailRef)
	if err != nil {
		p.log.Warn("thumbnail missing", logx.Job(j.ID), logx.Err(err))
		return
	}
	defer f.Close()
	if _, err := svc.Thumbnails.Set(videoID).Media(f, googleapi.ContentType("image/jpeg")).Context(ctx).Do(); err != nil {
		p.log.Warn("thumbnail upload failed", logx.Job(j.ID), logx.String("video", videoID), logx.Err(err))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
