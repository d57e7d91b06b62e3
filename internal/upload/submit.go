package upload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"uploadbot/internal/job"
	"uploadbot/internal/metadata"
	logx "uploadbot/pkg/logx"
)

// Submission is one operator upload request.
type Submission struct {
	Media           []byte   `validate:"min=1"`
	Destinations    []string `validate:"dive,required"`
	Title           string   `validate:"required"`
	DescriptionHint string
	TagHint         string
}

// SubmitResult lists the jobs created. Duplicates maps each destination
// that already held the media to the live job id.
type SubmitResult struct {
	JobIDs       []string
	Destinations []string
	Duplicates   map[string]string
	SeqNo        int64
	Title        string
}

// Enricher builds publish metadata.
type Enricher interface {
	Enrich(req metadata.Request) metadata.Result
}

// MediaSink persists media bytes and returns references for the publisher.
type MediaSink interface {
	Save(ctx context.Context, fingerprint string, data []byte) (mediaRef, thumbRef string, err error)
}

type SubmitterOptions struct {
	Store         Store
	Destinations  Destinations
	Enricher      Enricher
	Media         MediaSink
	MaxMediaBytes int64
	Clock         Clock
	Logger        logx.Logger
}

// Submitter turns submissions into pending jobs.
type Submitter struct {
	store    Store
	dests    Destinations
	enrich   Enricher
	media    MediaSink
	maxBytes atomic.Int64
	clock    Clock
	index    *DuplicateIndex
	validate *validator.Validate
	log      logx.Logger
}

func NewSubmitter(opts SubmitterOptions) *Submitter {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Submitter{
		store:    opts.Store,
		dests:    opts.Destinations,
		enrich:   opts.Enricher,
		media:    opts.Media,
		clock:    opts.Clock,
		index:    NewDuplicateIndex(opts.Store),
		validate: validator.New(),
		log:      log.With(logx.String("comp", "submit")),
	}
	s.maxBytes.Store(opts.MaxMediaBytes)
	return s
}

// SetMaxMediaBytes changes the size cap; 0 disables it.
func (s *Submitter) SetMaxMediaBytes(n int64) { s.maxBytes.Store(n) }

// Submit validates sub and creates one pending job per destination, due
// immediately. An empty destination list means every configured one.
//
// It fails with *ValidationError for bad input, and with
// *job.DuplicateError when every destination already holds the media.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	sub.Title = strings.TrimSpace(sub.Title)
	known := s.dests.Destinations()
	if len(sub.Destinations) == 0 {
		sub.Destinations = known
	}
	sub.Destinations = uniqueStrings(sub.Destinations)
	if err := s.check(sub, known); err != nil {
		return SubmitResult{}, err
	}

	fp := Fingerprint(sub.Media)
	res := SubmitResult{Duplicates: map[string]string{}}

	free := make([]string, 0, len(sub.Destinations))
	for _, dest := range sub.Destinations {
		existing, err := s.index.Check(ctx, fp, dest)
		if err != nil {
			return res, err
		}
		if existing != "" {
			res.Duplicates[dest] = existing
			continue
		}
		free = append(free, dest)
	}
	if len(free) == 0 {
		return res, s.duplicateOf(res.Duplicates, sub.Destinations)
	}

	seq, err := s.store.NextSeqNo(ctx)
	if err != nil {
		return res, storageErr("next sequence number", err)
	}
	meta := s.enrich.Enrich(metadata.Request{
		Title:           sub.Title,
		DescriptionHint: sub.DescriptionHint,
		TagHint:         sub.TagHint,
		SeqNo:           seq,
	})
	mediaRef, thumbRef, err := s.media.Save(ctx, fp, sub.Media)
	if err != nil {
		return res, err
	}

	res.SeqNo = seq
	res.Title = meta.Title
	now := s.clock.now()
	for _, dest := range free {
		j := job.Job{
			ID:           uuid.NewString(),
			SeqNo:        seq,
			Fingerprint:  fp,
			Destination:  dest,
			Title:        meta.Title,
			Description:  meta.Description,
			Tags:         meta.Tags,
			MediaRef:     mediaRef,
			ThumbnailRef: thumbRef,
			State:        job.StatePending,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		allowed, existing, err := s.index.Register(ctx, j)
		if err != nil {
			return res, err
		}
		if !allowed {
			// Lost a race with a concurrent submission.
			res.Duplicates[dest] = existing
			continue
		}
		res.JobIDs = append(res.JobIDs, j.ID)
		res.Destinations = append(res.Destinations, dest)
	}
	if len(res.JobIDs) == 0 {
		return res, s.duplicateOf(res.Duplicates, sub.Destinations)
	}

	s.log.Info("submission accepted",
		logx.Int64("seq", seq),
		logx.String("fingerprint", fp[:12]),
		logx.Int("jobs", len(res.JobIDs)),
		logx.Int("duplicates", len(res.Duplicates)),
	)
	return res, nil
}

func (s *Submitter) check(sub Submission, known []string) error {
	var fields []string
	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate submission: %w", err)
		}
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	if limit := s.maxBytes.Load(); limit > 0 && int64(len(sub.Media)) > limit {
		fields = append(fields, fmt.Sprintf("media: larger than %d bytes", limit))
	}
	if len(sub.Destinations) == 0 {
		fields = append(fields, "destinations: none configured")
	}
	for _, d := range sub.Destinations {
		if d != "" && !slices.Contains(known, d) {
			fields = append(fields, fmt.Sprintf("destinations: unknown %q", d))
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func (s *Submitter) duplicateOf(dups map[string]string, order []string) error {
	for _, d := range order {
		if id, ok := dups[d]; ok {
			return &job.DuplicateError{ExistingID: id, Destination: d}
		}
	}
	return job.ErrDuplicate
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
