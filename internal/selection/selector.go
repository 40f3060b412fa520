package selection

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vlogd/internal/model"
	logx "vlogd/pkg/logx"
)

// ErrSequenceConsumed is yielded when a ForMinute sequence is ranged twice.
var ErrSequenceConsumed = errors.New("selection: sequence already consumed")

// Config is the scheduling window and selection policy. Windows are
// minute-of-day values and WindowEnd is inclusive.
type Config struct {
	WindowStart      int
	WindowEnd        int
	MaxDailyRequests int
	MinInterval      int // minutes
}

func (c Config) withDefaults() Config {
	if c.WindowStart < 0 || c.WindowStart >= MinutesPerDay {
		c.WindowStart = 0
	}
	if c.WindowEnd <= 0 || c.WindowEnd >= MinutesPerDay {
		c.WindowEnd = MinutesPerDay - 1
	}
	if c.WindowEnd < c.WindowStart {
		c.WindowEnd = c.WindowStart
	}
	if c.MaxDailyRequests < 0 {
		c.MaxDailyRequests = 0
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 60
	}
	return c
}

// WindowLength is the number of minutes in the scheduling window.
func (c Config) WindowLength() int { return c.WindowEnd - c.WindowStart + 1 }

// Directory streams the users eligible for scheduling.
type Directory interface {
	EligibleUsers(ctx context.Context) iter.Seq2[model.User, error]
}

// Slot is one scheduled request of a user, already corrected into the
// UTC minute-of-day frame.
type Slot struct {
	UserID string
	Minute int
	Index  int
}

type minuteFunc func(userID string, day time.Time, index, windowStart, windowLength int) int

// Selector yields the users due a record request in a given minute.
type Selector struct {
	dir Directory
	log logx.Logger

	mu  sync.RWMutex
	cfg Config

	locs     sync.Map // tz name -> *time.Location
	minuteFn minuteFunc
}

func New(dir Directory, cfg Config, log logx.Logger) *Selector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Selector{
		dir:      dir,
		log:      log,
		cfg:      cfg.withDefaults(),
		minuteFn: ScheduledMinute,
	}
}

// Apply swaps the selection policy. Passes already running keep the old one.
func (s *Selector) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Selector) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ForMinute is ForMinuteOffset with a zero offset: the evaluated minute is
// the UTC minute-of-day of at.
func (s *Selector) ForMinute(ctx context.Context, at time.Time) iter.Seq2[model.User, error] {
	return s.ForMinuteOffset(ctx, at, 0)
}

// ForMinuteOffset returns a lazy, single-use sequence of the users due at
// at's UTC minute shifted by utcOffset minutes. Invalid users are logged and
// skipped. A directory error is yielded once and ends the sequence.
func (s *Selector) ForMinuteOffset(ctx context.Context, at time.Time, utcOffset int) iter.Seq2[model.User, error] {
	cfg := s.Config()
	utc := at.UTC()
	day := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	minute := wrapMinute(utc.Hour()*60 + utc.Minute() + utcOffset)

	var used atomic.Bool
	return func(yield func(model.User, error) bool) {
		if used.Swap(true) {
			yield(model.User{}, ErrSequenceConsumed)
			return
		}
		scanned, due := 0, 0
		defer func() {
			s.log.Debug("selection pass done",
				logx.Int("minute", minute), logx.Int("scanned", scanned), logx.Int("due", due))
		}()

		for u, err := range s.dir.EligibleUsers(ctx) {
			if err != nil {
				yield(model.User{}, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(model.User{}, err)
				return
			}
			scanned++

			slots, err := s.slots(u, day, cfg)
			if err != nil {
				s.log.Warn("user skipped", logx.String("user", u.ID), logx.Err(err))
				continue
			}
			if !Due(slots, minute, cfg.MinInterval) {
				continue
			}
			due++
			if !yield(u, nil) {
				return
			}
		}
	}
}

// Slots computes a user's corrected slots for day. A zero request count
// returns no slots.
func (s *Selector) Slots(u model.User, day time.Time) ([]Slot, error) {
	return s.slots(u, day, s.Config())
}

func (s *Selector) slots(u model.User, day time.Time, cfg Config) ([]Slot, error) {
	loc, err := s.location(u)
	if err != nil {
		return nil, err
	}
	n := RequestCount(cfg.MaxDailyRequests, u.DailyRequestLimit)
	if n == 0 {
		return nil, nil
	}
	offset := BaseOffsetMinutes(loc, day.Year())
	out := make([]Slot, n)
	for i := 1; i <= n; i++ {
		raw := s.minuteFn(u.ID, day, i, cfg.WindowStart, cfg.WindowLength())
		out[i-1] = Slot{UserID: u.ID, Minute: wrapMinute(raw - offset), Index: i}
	}
	return out, nil
}

// location resolves u's zone through the cache. Only the zone lookup is
// cached; a cache hit still requires a user that would pass Validate.
func (s *Selector) location(u model.User) (*time.Location, error) {
	tz := strings.TrimSpace(u.Timezone)
	if strings.TrimSpace(u.ID) != "" && u.DailyRequestLimit >= 0 {
		if v, ok := s.locs.Load(tz); ok {
			return v.(*time.Location), nil
		}
	}
	loc, err := u.Validate()
	if err != nil {
		return nil, err
	}
	s.locs.Store(tz, loc)
	return loc, nil
}

// Due reports whether any slot lands on minute without another slot lying
// strictly earlier and less than minInterval minutes before it.
func Due(slots []Slot, minute, minInterval int) bool {
	for i, sl := range slots {
		if sl.Minute != minute {
			continue
		}
		suppressed := false
		for j, other := range slots {
			if j == i {
				continue
			}
			if other.Minute < sl.Minute && sl.Minute-other.Minute < minInterval {
				suppressed = true
				break
			}
		}
		if !suppressed {
			return true
		}
	}
	return false
}

// BaseOffsetMinutes is the zone's standard (non-daylight) UTC offset in
// minutes for the given year.
func BaseOffsetMinutes(loc *time.Location, year int) int {
	_, jan := time.Date(year, time.January, 1, 12, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 12, 0, 0, 0, loc).Zone()
	return min(jan, jul) / 60
}

func wrapMinute(m int) int {
	m %= MinutesPerDay
	if m < 0 {
		m += MinutesPerDay
	}
	return m
}
