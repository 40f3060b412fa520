package selection

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"testing"
	"time"

	"vlogd/internal/model"
	logx "vlogd/pkg/logx"
)

type sliceDirectory struct {
	users []model.User
	err   error
}

func (d sliceDirectory) EligibleUsers(ctx context.Context) iter.Seq2[model.User, error] {
	return func(yield func(model.User, error) bool) {
		for _, u := range d.users {
			if !yield(u, nil) {
				return
			}
		}
		if d.err != nil {
			yield(model.User{}, d.err)
		}
	}
}

func collect(t *testing.T, seq iter.Seq2[model.User, error]) []string {
	t.Helper()
	var ids []string
	for u, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, u.ID)
	}
	return ids
}

var dayD = time.Date(2024, time.June, 14, 0, 0, 0, 0, time.UTC)

func atMinute(m int) time.Time { return dayD.Add(time.Duration(m) * time.Minute) }

// findUserAt searches for a user id whose first request lands on minute.
func findUserAt(t *testing.T, minute int) string {
	t.Helper()
	for i := range 500000 {
		id := fmt.Sprintf("user-%d", i)
		if ScheduledMinute(id, dayD, 1, 0, MinutesPerDay) == minute {
			return id
		}
	}
	t.Fatalf("no user hashes to minute %d", minute)
	return ""
}

func TestForMinuteSingleRequestUTC(t *testing.T) {
	t.Parallel()

	id := findUserAt(t, 600)
	dir := sliceDirectory{users: []model.User{{ID: id, Timezone: "UTC", DailyRequestLimit: 1}}}
	s := New(dir, Config{WindowStart: 0, WindowEnd: 1439, MaxDailyRequests: 3}, logx.Nop())

	if got := collect(t, s.ForMinute(context.Background(), atMinute(600))); !slices.Equal(got, []string{id}) {
		t.Fatalf("10:00 got %v", got)
	}
	for _, m := range []int{599, 601} {
		if got := collect(t, s.ForMinute(context.Background(), atMinute(m))); len(got) != 0 {
			t.Fatalf("minute %d got %v", m, got)
		}
	}
}

func TestForMinuteAppliesTimezone(t *testing.T) {
	t.Parallel()

	id := findUserAt(t, 600)
	// Asia/Jakarta is UTC+7 without daylight saving: 10:00 local is 03:00 UTC.
	dir := sliceDirectory{users: []model.User{{ID: id, Timezone: "Asia/Jakarta", DailyRequestLimit: 1}}}
	s := New(dir, Config{MaxDailyRequests: 1}, logx.Nop())

	if got := collect(t, s.ForMinute(context.Background(), atMinute(180))); !slices.Equal(got, []string{id}) {
		t.Fatalf("03:00 UTC got %v", got)
	}
	if got := collect(t, s.ForMinute(context.Background(), atMinute(600))); len(got) != 0 {
		t.Fatalf("10:00 UTC got %v", got)
	}
}

func TestForMinuteZeroLimitNeverYielded(t *testing.T) {
	t.Parallel()

	dir := sliceDirectory{users: []model.User{{ID: "silent", Timezone: "UTC", DailyRequestLimit: 0}}}
	s := New(dir, Config{MaxDailyRequests: 5}, logx.Nop())
	for m := range MinutesPerDay {
		if got := collect(t, s.ForMinute(context.Background(), atMinute(m))); len(got) != 0 {
			t.Fatalf("minute %d yielded %v", m, got)
		}
	}
}

func TestForMinuteEarlierWins(t *testing.T) {
	t.Parallel()

	minutes := map[string][]int{
		"close": {630, 600}, // 30 minutes apart: only 600 honored
		"far":   {600, 700},
	}
	dir := sliceDirectory{users: []model.User{
		{ID: "close", Timezone: "UTC", DailyRequestLimit: 2},
		{ID: "far", Timezone: "UTC", DailyRequestLimit: 2},
	}}
	s := New(dir, Config{MaxDailyRequests: 2, MinInterval: 60}, logx.Nop())
	s.minuteFn = func(userID string, _ time.Time, index, _, _ int) int {
		return minutes[userID][index-1]
	}

	cases := []struct {
		minute int
		want   []string
	}{
		{600, []string{"close", "far"}},
		{630, nil},
		{700, []string{"far"}},
	}
	for _, tc := range cases {
		got := collect(t, s.ForMinute(context.Background(), atMinute(tc.minute)))
		if !slices.Equal(got, tc.want) {
			t.Fatalf("minute %d got %v want %v", tc.minute, got, tc.want)
		}
	}
}

func TestForMinuteSameMinuteYieldedOnce(t *testing.T) {
	t.Parallel()

	dir := sliceDirectory{users: []model.User{{ID: "dup", Timezone: "UTC", DailyRequestLimit: 2}}}
	s := New(dir, Config{MaxDailyRequests: 2}, logx.Nop())
	s.minuteFn = func(string, time.Time, int, int, int) int { return 42 }

	if got := collect(t, s.ForMinute(context.Background(), atMinute(42))); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestYieldedMinutesRespectInterval(t *testing.T) {
	t.Parallel()

	s := New(sliceDirectory{}, Config{MaxDailyRequests: 6, MinInterval: 60}, logx.Nop())
	for u := range 50 {
		user := model.User{ID: fmt.Sprintf("prop-%d", u), Timezone: "America/New_York", DailyRequestLimit: 6}
		slots, err := s.Slots(user, dayD)
		if err != nil {
			t.Fatalf("slots: %v", err)
		}
		var yielded []int
		for m := range MinutesPerDay {
			if Due(slots, m, 60) {
				yielded = append(yielded, m)
			}
		}
		for i := 1; i < len(yielded); i++ {
			if yielded[i]-yielded[i-1] < 60 {
				t.Fatalf("user %s yielded %d and %d", user.ID, yielded[i-1], yielded[i])
			}
		}
		if len(yielded) == 0 {
			t.Fatalf("user %s never yielded", user.ID)
		}
	}
}

func TestForMinuteSkipsInvalidUsers(t *testing.T) {
	t.Parallel()

	id := findUserAt(t, 600)
	dir := sliceDirectory{users: []model.User{
		{ID: "no-tz", DailyRequestLimit: 1},
		{ID: "bad-tz", Timezone: "Nowhere/City", DailyRequestLimit: 1},
		{ID: id, Timezone: "UTC", DailyRequestLimit: 1},
	}}
	s := New(dir, Config{MaxDailyRequests: 1}, logx.Nop())
	if got := collect(t, s.ForMinute(context.Background(), atMinute(600))); !slices.Equal(got, []string{id}) {
		t.Fatalf("got %v", got)
	}
}

func TestForMinuteRevalidatesCachedZone(t *testing.T) {
	t.Parallel()

	dir := sliceDirectory{users: []model.User{
		{ID: "u1", Timezone: "Europe/Berlin", DailyRequestLimit: 1},
		{ID: "   ", Timezone: "Europe/Berlin", DailyRequestLimit: 1},
		{ID: "u2", Timezone: " Europe/Berlin ", DailyRequestLimit: 1},
		{ID: "u3", Timezone: "Europe/Berlin", DailyRequestLimit: -1},
	}}
	s := New(dir, Config{MaxDailyRequests: 1}, logx.Nop())
	s.minuteFn = func(string, time.Time, int, int, int) int { return 660 }

	// Berlin's base offset is +60, so local 660 is UTC minute 600.
	if got := collect(t, s.ForMinute(context.Background(), atMinute(600))); !slices.Equal(got, []string{"u1", "u2"}) {
		t.Fatalf("got %v, want [u1 u2]", got)
	}
}

func TestForMinuteDirectoryErrorEndsSequence(t *testing.T) {
	t.Parallel()

	boom := errors.New("directory down")
	s := New(sliceDirectory{err: boom}, Config{MaxDailyRequests: 1}, logx.Nop())

	var got error
	for _, err := range s.ForMinute(context.Background(), atMinute(0)) {
		got = err
	}
	if !errors.Is(got, boom) {
		t.Fatalf("got %v want %v", got, boom)
	}
}

func TestForMinuteIsSingleUse(t *testing.T) {
	t.Parallel()

	s := New(sliceDirectory{}, Config{MaxDailyRequests: 1}, logx.Nop())
	seq := s.ForMinute(context.Background(), atMinute(0))
	for range seq {
	}
	var got error
	for _, err := range seq {
		got = err
	}
	if !errors.Is(got, ErrSequenceConsumed) {
		t.Fatalf("second range got %v", got)
	}
}

func TestForMinuteOffset(t *testing.T) {
	t.Parallel()

	id := findUserAt(t, 600)
	dir := sliceDirectory{users: []model.User{{ID: id, Timezone: "UTC", DailyRequestLimit: 1}}}
	s := New(dir, Config{MaxDailyRequests: 1}, logx.Nop())

	// 09:00 UTC evaluated with a +60 minute shift is minute 600.
	if got := collect(t, s.ForMinuteOffset(context.Background(), atMinute(540), 60)); !slices.Equal(got, []string{id}) {
		t.Fatalf("got %v", got)
	}
}

func TestBaseOffsetMinutesIgnoresDST(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tz   string
		want int
	}{
		{"UTC", 0},
		{"Asia/Jakarta", 420},
		{"America/New_York", -300},
		{"Australia/Sydney", 600},
		{"Asia/Kolkata", 330},
	}
	for _, tc := range cases {
		loc, err := time.LoadLocation(tc.tz)
		if err != nil {
			t.Fatalf("load %s: %v", tc.tz, err)
		}
		if got := BaseOffsetMinutes(loc, 2024); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.tz, got, tc.want)
		}
	}
}

func TestWrapMinute(t *testing.T) {
	t.Parallel()

	cases := map[int]int{-1: 1439, -420: 1020, 0: 0, 1440: 0, 1500: 60}
	for in, want := range cases {
		if got := wrapMinute(in); got != want {
			t.Fatalf("wrapMinute(%d)=%d want %d", in, got, want)
		}
	}
}
