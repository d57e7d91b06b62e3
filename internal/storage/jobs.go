package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"uploadbot/internal/job"
)

const jobColumns = `id, seq_no, fingerprint, destination, title, description, tags, media_ref,
	thumbnail_ref, state, attempt, scheduled_for, created_at, updated_at, completed_at, last_error, result_ref, deferral`

var queuedStates = []job.State{job.StatePending, job.StateDeferred}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j                          job.Job
		tags                       string
		state, deferral            string
		thumb, lastErr, resultRef  sql.NullString
		scheduled, created, update int64
		completed                  sql.NullInt64
	)
	err := r.Scan(&j.ID, &j.SeqNo, &j.Fingerprint, &j.Destination, &j.Title, &j.Description, &tags,
		&j.MediaRef, &thumb, &state, &j.Attempt, &scheduled, &created, &update, &completed, &lastErr, &resultRef, &deferral)
	if err != nil {
		return job.Job{}, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
			return job.Job{}, fmt.Errorf("job %s tags: %w", j.ID, err)
		}
	}
	j.State = job.State(state)
	j.Deferral = job.Deferral(deferral)
	j.ThumbnailRef = thumb.String
	j.LastError = lastErr.String
	j.ResultRef = resultRef.String
	j.ScheduledFor = fromMS(scheduled)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(update)
	if completed.Valid {
		j.CompletedAt = fromMS(completed.Int64)
	}
	return j, nil
}

func (s *SQLite) queryJobs(ctx context.Context, q string, args ...any) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Create inserts a new job. A live job for the same fingerprint and
// destination makes it fail with *job.DuplicateError.
func (s *SQLite) Create(ctx context.Context, j job.Job) error {
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return err
	}
	if j.Tags == nil {
		tags = []byte("[]")
	}
	now := s.now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	var completed any
	if !j.CompletedAt.IsZero() {
		completed = ms(j.CompletedAt)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.SeqNo, j.Fingerprint, j.Destination, j.Title, j.Description, string(tags), j.MediaRef,
		nullStr(j.ThumbnailRef), string(j.State), j.Attempt, ms(j.ScheduledFor), ms(j.CreatedAt), ms(j.UpdatedAt),
		completed, nullStr(j.LastError), nullStr(j.ResultRef), string(j.Deferral),
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("insert job: %w", err)
	}
	live, ok, ferr := s.FindLive(ctx, j.Fingerprint, j.Destination)
	if ferr != nil {
		return fmt.Errorf("insert job: %w", ferr)
	}
	if !ok {
		// primary key clash
		return fmt.Errorf("insert job: %w", err)
	}
	return &job.DuplicateError{ExistingID: live.ID, Destination: j.Destination}
}

func (s *SQLite) Get(ctx context.Context, id string) (job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, job.ErrNotFound
	}
	return j, err
}

// FindByPrefix resolves a shortened job id. Ambiguous prefixes fail.
func (s *SQLite) FindByPrefix(ctx context.Context, prefix string) (job.Job, error) {
	prefix = strings.TrimSpace(prefix)
	if len(prefix) < 4 {
		return job.Job{}, fmt.Errorf("job id prefix %q too short", prefix)
	}
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id LIKE ? ESCAPE '\' LIMIT 2`,
		escapeLike(prefix)+"%")
	if err != nil {
		return job.Job{}, err
	}
	switch len(jobs) {
	case 0:
		return job.Job{}, job.ErrNotFound
	case 1:
		return jobs[0], nil
	default:
		return job.Job{}, fmt.Errorf("job id prefix %q is ambiguous", prefix)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindLive returns the non-failed job holding (fingerprint, destination).
func (s *SQLite) FindLive(ctx context.Context, fingerprint, destination string) (job.Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE fingerprint = ? AND destination = ? AND state <> ?`,
		fingerprint, destination, string(job.StateFailed)))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, err
	}
	return j, true, nil
}

// LoadDue returns pending jobs and deferred jobs whose slot has arrived,
// oldest slot first.
func (s *SQLite) LoadDue(ctx context.Context, asOf time.Time) ([]job.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state IN (?, ?) AND scheduled_for <= ?
		 ORDER BY scheduled_for, created_at, seq_no, id`,
		string(job.StatePending), string(job.StateDeferred), ms(asOf))
}

// ListByState returns every job currently in state.
func (s *SQLite) ListByState(ctx context.Context, state job.State) ([]job.Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY scheduled_for, created_at, id`, string(state))
}

// Transition moves a job from -> to and writes u in the same statement.
// It fails with job.ErrConflict when the job is no longer in from.
func (s *SQLite) Transition(ctx context.Context, id string, from, to job.State, u job.Update) error {
	if !job.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(to), ms(at)}
	if u.IncAttempt {
		sets = append(sets, "attempt = attempt + 1")
	}
	if u.ScheduledFor != nil {
		sets = append(sets, "scheduled_for = ?")
		args = append(args, ms(*u.ScheduledFor))
	}
	if u.Deferral != nil {
		sets = append(sets, "deferral = ?")
		args = append(args, string(*u.Deferral))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, ms(*u.CompletedAt))
	}
	if u.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*u.LastError))
	}
	if u.ResultRef != nil {
		// A recorded result is never replaced.
		sets = append(sets, "result_ref = COALESCE(NULLIF(result_ref, ''), ?)")
		args = append(args, nullStr(*u.ResultRef))
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	return s.checkAffected(ctx, res, id, from)
}

// Reschedule moves a queued job's slot without changing its state.
func (s *SQLite) Reschedule(ctx context.Context, id string, state job.State, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET scheduled_for = ?, updated_at = ? WHERE id = ? AND state = ?`,
		ms(at), ms(s.now()), id, string(state))
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	return s.checkAffected(ctx, res, id, state)
}

func (s *SQLite) checkAffected(ctx context.Context, res sql.Result, id string, want job.State) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s, not %s: %w", id, cur, want, job.ErrConflict)
}

// RecordLateResult stores an external id that arrived after the publish
// call was given up on. A job that already has a result keeps it. It
// returns the job's current state and the result now stored.
func (s *SQLite) RecordLateResult(ctx context.Context, id, ref string) (job.State, string, error) {
	var (
		state string
		kept  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET result_ref = COALESCE(NULLIF(result_ref, ''), ?), updated_at = ?
		 WHERE id = ? RETURNING state, result_ref`,
		ref, ms(s.now()), id).Scan(&state, &kept)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", job.ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return job.State(state), kept.String, nil
}

// CountPublishedOn counts jobs published on the UTC day containing day.
// An empty destination counts all destinations.
func (s *SQLite) CountPublishedOn(ctx context.Context, destination string, day time.Time) (int, error) {
	from, to := dayRange(day)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE state = ? AND completed_at >= ? AND completed_at < ? AND (? = '' OR destination = ?)`,
		string(job.StatePublished), from, to, destination, destination).Scan(&n)
	return n, err
}

// CountScheduledOn counts queued jobs whose slot falls on the UTC day.
// An empty destination counts all destinations.
func (s *SQLite) CountScheduledOn(ctx context.Context, destination string, day time.Time) (int, error) {
	from, to := dayRange(day)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE state IN (?, ?) AND scheduled_for >= ? AND scheduled_for < ? AND (? = '' OR destination = ?)`,
		string(queuedStates[0]), string(queuedStates[1]), from, to, destination, destination).Scan(&n)
	return n, err
}

// CountQueued counts every job still waiting to be published.
func (s *SQLite) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN (?, ?, ?)`,
		string(job.StatePending), string(job.StateDeferred), string(job.StateDispatched)).Scan(&n)
	return n, err
}

// ListQueued pages through waiting jobs by slot and returns the total.
func (s *SQLite) ListQueued(ctx context.Context, limit, offset int) ([]job.Job, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN (?, ?)`,
		string(queuedStates[0]), string(queuedStates[1])).Scan(&total); err != nil {
		return nil, 0, err
	}
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?)
		 ORDER BY scheduled_for, created_at, id LIMIT ? OFFSET ?`,
		string(queuedStates[0]), string(queuedStates[1]), limit, offset)
	return jobs, total, err
}

// ListScheduledOn returns one destination's queued jobs for a UTC day.
func (s *SQLite) ListScheduledOn(ctx context.Context, destination string, day time.Time) ([]job.Job, error) {
	from, to := dayRange(day)
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state IN (?, ?) AND destination = ? AND scheduled_for >= ? AND scheduled_for < ?
		 ORDER BY scheduled_for, created_at, id`,
		string(queuedStates[0]), string(queuedStates[1]), destination, from, to)
}

// AggregateDay counts published, failed and queued jobs per destination
// for the UTC day. Destinations with no activity are omitted.
func (s *SQLite) AggregateDay(ctx context.Context, day time.Time) (map[string]job.DayAggregate, error) {
	from, to := dayRange(day)
	rows, err := s.db.QueryContext(ctx,
		`SELECT destination,
			SUM(CASE WHEN state = ? AND completed_at >= ? AND completed_at < ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = ? AND completed_at >= ? AND completed_at < ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN state IN (?, ?, ?) AND scheduled_for >= ? AND scheduled_for < ? THEN 1 ELSE 0 END)
		 FROM jobs
		 WHERE (completed_at >= ? AND completed_at < ?) OR (scheduled_for >= ? AND scheduled_for < ?)
		 GROUP BY destination`,
		string(job.StatePublished), from, to,
		string(job.StateFailed), from, to,
		string(job.StatePending), string(job.StateDeferred), string(job.StateDispatched), from, to,
		from, to, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]job.DayAggregate{}
	for rows.Next() {
		var (
			dest string
			a    job.DayAggregate
		)
		if err := rows.Scan(&dest, &a.Published, &a.Failed, &a.Queued); err != nil {
			return nil, err
		}
		if a != (job.DayAggregate{}) {
			out[dest] = a
		}
	}
	return out, rows.Err()
}

// AggregateForDay is AggregateDay narrowed to one destination.
func (s *SQLite) AggregateForDay(ctx context.Context, destination string, day time.Time) (job.DayAggregate, error) {
	all, err := s.AggregateDay(ctx, day)
	if err != nil {
		return job.DayAggregate{}, err
	}
	return all[destination], nil
}

// NextSeqNo allocates the next submission sequence number, starting at
// 100. Concurrent callers never get the same number.
func (s *SQLite) NextSeqNo(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE sequences SET value = value + 1 WHERE name = 'submission' RETURNING value`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next seq no: %w", err)
	}
	return n, nil
}
