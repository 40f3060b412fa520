package selection

import (
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"
)

// MinutesPerDay is the size of the minute-of-day space.
const MinutesPerDay = 24 * 60

// ScheduledMinute maps (user, day, 1-based request index) onto a minute in
// [windowStart, windowStart+windowLength). Only the calendar date of day is
// used, so any time on the same date yields the same minute.
func ScheduledMinute(userID string, day time.Time, index, windowStart, windowLength int) int {
	if windowLength <= 0 {
		return windowStart
	}
	h := murmur3.Sum32(slotKey(userID, day, index))
	return int(h%uint32(windowLength)) + windowStart
}

// RequestCount is how many requests a user gets per day.
func RequestCount(globalMax, userLimit int) int {
	n := min(globalMax, userLimit)
	if n < 0 {
		return 0
	}
	return n
}

func slotKey(userID string, day time.Time, index int) []byte {
	y, m, d := day.Date()
	b := make([]byte, 0, len(userID)+16)
	b = append(b, userID...)
	b = append(b, ':')
	b = appendPadded(b, y, 4)
	b = append(b, '-')
	b = appendPadded(b, int(m), 2)
	b = append(b, '-')
	b = appendPadded(b, d, 2)
	b = append(b, ':')
	b = strconv.AppendInt(b, int64(index), 10)
	return b
}

func appendPadded(b []byte, v, width int) []byte {
	s := strconv.Itoa(v)
	for i := len(s); i < width; i++ {
		b = append(b, '0')
	}
	return append(b, s...)
}
