package models

import "time"

// RawEventTime is the start or end marker of an event as delivered by a calendar source.
// Exactly one of DateTime (RFC 3339, timed event) or Date (YYYY-MM-DD, all-day event)
// is expected to be set; both empty means the marker is missing.
type RawEventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

// IsZero reports whether neither a timed nor a date-only value is present.
func (t RawEventTime) IsZero() bool {
	return t.DateTime == "" && t.Date == ""
}

// RawEvent is a calendar event before normalization.
// This is an internal representation, independent of any specific calendar provider.
type RawEvent struct {
	ID      string       `json:"id,omitempty"`
	Summary string       `json:"summary,omitempty"`
	Start   RawEventTime `json:"start"`
	End     RawEventTime `json:"end"`
	Source  string       `json:"source,omitempty"` // e.g. "google-primary", "icloud"
}

// BusyInterval is the span occupied by one event of one user.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the interval.
func (b BusyInterval) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// FreeWindow is a span in which nobody in the queried set is busy. Start is always before End.
type FreeWindow struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window.
func (w FreeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}
