package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"vlogd/internal/livestream"
	"vlogd/internal/task/engine"
)

var ErrUnknownEvent = errors.New("sandbox: unknown event")

// Sandbox is an in-process broadcast service with deterministic ids. It
// keeps enough state to reject calls a real service would reject.
type Sandbox struct {
	ingest string

	mu     sync.Mutex
	seq    int
	events map[string]*SandboxEvent
	faults map[string]int
	calls  map[string]int
}

type SandboxEvent struct {
	ID      string
	Running bool
	Outputs []string
}

func NewSandbox(ingestBase string) *Sandbox {
	if ingestBase == "" {
		ingestBase = "rtmp://sandbox.local/live"
	}
	return &Sandbox{
		ingest: strings.TrimRight(ingestBase, "/"),
		events: make(map[string]*SandboxEvent),
		faults: make(map[string]int),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next n calls of op ("provision", "start", "stop",
// "create_output", "delete_outputs", "delete") fail.
func (s *Sandbox) FailNext(op string, n int) {
	s.mu.Lock()
	s.faults[op] = n
	s.mu.Unlock()
}

// Calls returns how often op was invoked, failures included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Event returns a copy of the event state.
func (s *Sandbox) Event(id string) (SandboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return SandboxEvent{}, false
	}
	out := *ev
	out.Outputs = append([]string(nil), ev.Outputs...)
	return out, true
}

// enter counts the call and consumes an injected fault. Call with mu held.
func (s *Sandbox) enter(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.faults[op] > 0 {
		s.faults[op]--
		return fmt.Errorf("sandbox: injected %s failure", op)
	}
	return nil
}

func (s *Sandbox) ProvisionEvent(ctx context.Context) (livestream.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "provision"); err != nil {
		return livestream.Broadcast{}, err
	}
	s.seq++
	id := fmt.Sprintf("sbx-%06d", s.seq)
	s.events[id] = &SandboxEvent{ID: id}
	return livestream.Broadcast{ExternalID: id, Location: s.ingest + "/" + id}, nil
}

func (s *Sandbox) StartEvent(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "start"); err != nil {
		return err
	}
	ev, ok := s.events[externalID]
	if !ok {
		return engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownEvent, externalID))
	}
	ev.Running = true
	return nil
}

// StopEvent is idempotent.
func (s *Sandbox) StopEvent(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "stop"); err != nil {
		return err
	}
	if ev, ok := s.events[externalID]; ok {
		ev.Running = false
	}
	return nil
}

func (s *Sandbox) CreateOutput(ctx context.Context, externalID, recordID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "create_output"); err != nil {
		return "", err
	}
	ev, ok := s.events[externalID]
	if !ok {
		return "", engine.NoRetry(fmt.Errorf("%w: %s", ErrUnknownEvent, externalID))
	}
	ev.Outputs = append(ev.Outputs, recordID)
	return "https://sandbox.local/play/" + externalID + "/" + recordID, nil
}

func (s *Sandbox) DeleteOutputs(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "delete_outputs"); err != nil {
		return err
	}
	if ev, ok := s.events[externalID]; ok {
		ev.Outputs = nil
	}
	return nil
}

func (s *Sandbox) DeleteEvent(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "delete"); err != nil {
		return err
	}
	delete(s.events, externalID)
	return nil
}
