package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "uploadbot/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ; empty means UTC
}

// Job is one scheduled unit of work. The context carries the job timeout.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	wrapped func()
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}
