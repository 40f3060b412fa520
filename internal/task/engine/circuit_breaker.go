package engine

import (
	"sync"
	"time"
)

// circuitState counts consecutive failures of one circuit key. Once the
// count reaches the trip threshold the circuit opens for a cooldown that
// doubles with every further failure.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		enabled:    true,
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if opt.CircuitTripFailures > 0 {
		cc.trip = opt.CircuitTripFailures
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = 5 * time.Minute
	}
	return cc
}

// stateLocked returns the state for key. Call with mu held.
func (s *circuitStore) stateLocked(key string, now time.Time, cc circuitCfg) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	// A failure streak that went quiet long enough is forgotten.
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		*st = circuitState{}
	}
	return st
}

func (s *Service) circuitIsOpen(now time.Time, key string, cfg Config, opt TaskOptions) (bool, time.Time) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled || key == "" {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.stateLocked(key, now, cc)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, key string, cfg Config, opt TaskOptions, err error) {
	cc := effectiveCircuitCfg(cfg, opt)
	if !cc.enabled || key == "" {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.stateLocked(key, now, cc)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := cc.trip; i < st.fails && d < cc.maxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	for _, st := range s.circuits.m {
		total++
		if now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
