package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vlogd/internal/task/engine"
	logx "vlogd/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ for cron specs; empty means UTC
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Enqueuer accepts tasks for execution. *engine.Service satisfies it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

// SecondOptional allows both 5-field and 6-field cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type scheduleDef struct {
	name    string
	spec    string // calendar cron spec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	opt     TaskOptions
	state   *engine.RunState
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	job     func(ctx context.Context) error
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	c    *cron.Cron
	defs []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// One-shot timers survive Stop/Start: the definition stays, the timer is
	// recreated.
	tmu   sync.Mutex
	once  map[string]*onceDef
	onceV uint64
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

// Snapshot is a diagnostics view of registered triggers.
type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
	Pending   int // armed one-shot timers
}
