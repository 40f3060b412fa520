package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"vlogd/internal/task/engine"
	logx "vlogd/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// ParseCron checks spec as a calendar cron expression: five fields, an
// optional leading seconds field, or a descriptor such as "@hourly".
// "@every" intervals are rejected since they drift off calendar boundaries.
func ParseCron(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("cron spec required")
	}
	if strings.HasPrefix(spec, "@every") {
		return nil, fmt.Errorf("interval spec %q is not a calendar schedule", spec)
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return sched, nil
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddCronOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddCronOpt registers (or replaces, by name) a recurring trigger.
func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := ParseCron(spec); err != nil {
		return "", err
	}
	s.removeOnce(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		// Registered on Start.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddOnce arms a one-shot trigger at at. Registering the same name again
// replaces the previous timer; a stale timer that already fired is ignored.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev, ok := s.once[name]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	s.onceV++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.onceV}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return name, nil
}

// Remove unschedules every trigger with the given name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes defs matching name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// armLocked starts the runtime timer for d. Call with s.tmu held.
func (s *Service) armLocked(name string, d *onceDef) {
	delay := time.Until(d.at)
	if delay < 0 {
		delay = 0
	}
	ver := d.ver
	d.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			s.tmu.Unlock()
			return
		}
		// Forget the definition before enqueueing so a restart cannot fire it twice.
		delete(s.once, name)
		s.tmu.Unlock()

		s.enqueue(name, cur.timeout, TaskOptions{}, &engine.RunState{}, cur.job)
	})
}

func (s *Service) rearmOnce() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
		}
		s.armLocked(name, d)
	}
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, st, run := d.name, d.timeout, d.opt, d.state, d.job
	eid, err := s.c.AddJob(strings.TrimSpace(d.spec), cron.FuncJob(func() {
		s.enqueue(name, timeout, opt, st, run)
	}))
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) enqueue(name string, timeout time.Duration, opt TaskOptions, st *engine.RunState, job func(ctx context.Context) error) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt, State: st})
	s.reportEnqueueError(name, err)
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips are part of normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}

// previewNextRunsLocked lists the next n run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := ParseCron(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.UTC
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
