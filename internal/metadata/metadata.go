// Package metadata derives publish title, description and tags for a
// submission.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	logx "uploadbot/pkg/logx"
)

const (
	fallbackBase  = "Random funny content"
	minBaseRunes  = 4
	maxTitleRunes = 100
	maxTagChars   = 490
	poolSample    = 10
)

var DefaultDescriptions = []string{
	"Hilarious meme video! Subscribe for more laughs! 😂 #meme",
	"Epic meme alert! Like and subscribe! 😜 #funny",
	"LOL with this meme! More coming soon! 🚀 #viral",
}

var (
	fixedTags = []string{"meme", "funny", "viral"}
	wordRe    = regexp.MustCompile(`[A-Za-z0-9#@]+`)
)

// Request is the operator's raw input.
type Request struct {
	Title           string
	DescriptionHint string
	TagHint         string
	SeqNo           int64
}

type Result struct {
	Title       string
	Description string
	Tags        []string
}

type Options struct {
	DescriptionsFile string
	TagsFile         string
	Rand             *rand.Rand
	Logger           logx.Logger
}

// Enricher turns a Request into publish metadata. Template files are read
// lazily and re-read after Reload.
type Enricher struct {
	descFile string
	tagsFile string
	log      logx.Logger

	mu     sync.Mutex
	rnd    *rand.Rand
	loaded bool
	descs  []string
	pool   []string
}

func New(opts Options) *Enricher {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Enricher{
		descFile: opts.DescriptionsFile,
		tagsFile: opts.TagsFile,
		log:      log.With(logx.String("comp", "metadata")),
		rnd:      rnd,
	}
}

// Reload forgets cached templates.
func (e *Enricher) Reload(descFile, tagsFile string) {
	e.mu.Lock()
	e.descFile, e.tagsFile = descFile, tagsFile
	e.loaded = false
	e.mu.Unlock()
}

func (e *Enricher) Enrich(req Request) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked()

	title := BuildTitle(req.Title, req.SeqNo)

	desc := strings.TrimSpace(req.DescriptionHint)
	if desc == "" {
		desc = e.descs[e.rnd.Intn(len(e.descs))]
	}

	pool := append([]string(nil), e.pool...)
	e.rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > poolSample {
		pool = pool[:poolSample]
	}

	tags := TitleTags(title)
	tags = append(tags, hintTags(req.TagHint)...)
	tags = append(tags, pool...)
	return Result{Title: title, Description: desc, Tags: LimitTags(dedup(tags))}
}

func (e *Enricher) loadLocked() {
	if e.loaded {
		return
	}
	e.loaded = true
	e.descs = e.readList(e.descFile)
	if len(e.descs) == 0 {
		e.descs = append([]string(nil), DefaultDescriptions...)
	}
	e.pool = e.readList(e.tagsFile)
}

func (e *Enricher) readList(path string) []string {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	list, err := LoadList(path)
	if err != nil {
		e.log.Warn("template unusable; using defaults", logx.String("path", path), logx.Err(err))
		return nil
	}
	return list
}

// LoadList reads a JSON array of strings, dropping blanks.
func LoadList(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("missing: %w", err)
	}
	if err != nil {
		return nil, err
	}
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON list: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out, nil
}

// BuildTitle formats the publish title, capped at 100 runes.
func BuildTitle(base string, seq int64) string {
	base = strings.TrimSpace(base)
	if utf8.RuneCountInString(base) < minBaseRunes {
		base = fallbackBase
	}
	return truncateRunes(fmt.Sprintf("%s... memes I found on TikTok #%d", base, seq), maxTitleRunes)
}

// TitleTags returns lowercased title words of four or more characters
// followed by the fixed tags.
func TitleTags(title string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(title, -1) {
		if len(w) >= minBaseRunes {
			out = append(out, strings.ToLower(w))
		}
	}
	return dedup(append(out, fixedTags...))
}

func hintTags(hint string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(hint, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' }) {
		if t := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "#")); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// LimitTags keeps tags in order while the comma-joined length stays within
// the platform cap.
func LimitTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	total := 0
	for _, t := range tags {
		add := len(t)
		if len(out) > 0 {
			add++
		}
		if total+add > maxTagChars {
			break
		}
		out = append(out, t)
		total += add
	}
	return out
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
