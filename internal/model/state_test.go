package model

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from State
		ev   Event
		to   State
		ok   bool
	}{
		{StateCreatedInternal, EventPublish, StateCreated, true},
		{StateCreated, EventClaim, StatePendingUser, true},
		{StatePendingUser, EventStartStreaming, StatePendingUserConnect, true},
		{StatePendingUserConnect, EventConnect, StateLive, true},
		{StateLive, EventDisconnect, StatePendingClosure, true},
		{StatePendingClosure, EventClose, StateClosed, true},
		{StateClosed, EventReset, StateCreated, true},
		{StatePendingUser, EventNoResponse, StateUserNoResponseTimeout, true},
		{StatePendingUserConnect, EventNeverConnected, StateUserNeverConnectedTimeout, true},
		{StateUserNoResponseTimeout, EventReset, StateCreated, true},
		{StateUserNeverConnectedTimeout, EventReset, StateCreated, true},

		{StateCreated, EventConnect, "", false},
		{StatePendingUser, EventClaim, "", false},
		{StateCreatedInternal, EventClaim, "", false},
		{StateLive, EventReset, "", false},
		{StatePendingClosure, EventReset, "", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"/"+string(tc.ev), func(t *testing.T) {
			to, ok := Next(tc.from, tc.ev)
			if ok != tc.ok || to != tc.to {
				t.Fatalf("Next(%s,%s)=(%s,%v) want (%s,%v)", tc.from, tc.ev, to, ok, tc.to, tc.ok)
			}
		})
	}
}

func TestEveryStateReachesCreated(t *testing.T) {
	t.Parallel()

	// Walk the graph: every state must be able to get back to Created.
	for _, start := range States {
		seen := map[State]bool{start: true}
		frontier := []State{start}
		found := start == StateCreated
		for len(frontier) > 0 && !found {
			cur := frontier[0]
			frontier = frontier[1:]
			for e, to := range transitions {
				if e.from != cur || seen[to] {
					continue
				}
				if to == StateCreated {
					found = true
				}
				seen[to] = true
				frontier = append(frontier, to)
			}
		}
		if !found {
			t.Fatalf("state %s cannot reach created", start)
		}
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	for _, s := range States {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Fatalf("ParseState(%q)=(%q,%v)", s, got, err)
		}
	}
	if _, err := ParseState("deleted"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestConflictErrorMatching(t *testing.T) {
	t.Parallel()

	err := Conflict("ls-1", EventConnect, StateCreated)
	if !errors.Is(err, ErrStateConflict) || !IsStateConflict(err) {
		t.Fatalf("conflict error should match ErrStateConflict")
	}
	if len(err.Expected) != 1 || err.Expected[0] != StatePendingUserConnect {
		t.Fatalf("expected sources=%v", err.Expected)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not found")
	}

	pe := &ExternalProviderError{Op: "stop", ExternalID: "ev-1", Err: errors.New("boom")}
	if !errors.Is(pe, ErrExternalProvider) {
		t.Fatalf("provider error should match sentinel")
	}
}

func TestUserValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		u    User
		ok   bool
	}{
		{"ok", User{ID: "u1", Timezone: "UTC", DailyRequestLimit: 2}, true},
		{"no id", User{Timezone: "UTC"}, false},
		{"no tz", User{ID: "u1"}, false},
		{"bad tz", User{ID: "u1", Timezone: "Mars/Olympus"}, false},
		{"negative limit", User{ID: "u1", Timezone: "UTC", DailyRequestLimit: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.u.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v ok=%v", err, tc.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidUser) {
				t.Fatalf("error %v should wrap ErrInvalidUser", err)
			}
		})
	}
}
