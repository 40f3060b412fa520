package model

import "time"

// Livestream is a pooled external broadcast resource. Rows are created once
// and cycle through the state graph indefinitely.
type Livestream struct {
	ID         string
	ExternalID string // broadcast provider event id
	Location   string // ingest location handed to the user
	State      State

	OwnerUserID string    // empty when unclaimed
	TriggerAt   time.Time // trigger minute of the current claim, zero when unclaimed
	RecordID    string    // bound video record, empty when unclaimed
	PlaybackURL string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	StateChangedAt time.Time
}

// Claimed reports whether the livestream is bound to a user.
func (l Livestream) Claimed() bool { return l.OwnerUserID != "" }

// RecordStatus tracks how far a bound video record got.
type RecordStatus string

const (
	RecordReserved  RecordStatus = "reserved"
	RecordRecording RecordStatus = "recording"
	RecordCompleted RecordStatus = "completed"
)

// VideoRecord is the platform-side record a vlog is written into.
type VideoRecord struct {
	ID           string
	LivestreamID string
	UserID       string
	Status       RecordStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecordRequest is the payload handed to the notification dispatcher.
type RecordRequest struct {
	LivestreamID string        `json:"livestream_id"`
	RecordID     string        `json:"record_id"`
	RequestedAt  time.Time     `json:"requested_at"`
	Timeout      time.Duration `json:"timeout"`
	Location     string        `json:"location,omitempty"`
}

// TriggerMinute rounds t down to its UTC minute. Claims and timeouts use it as
// the lookup key for a user's request.
func TriggerMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
