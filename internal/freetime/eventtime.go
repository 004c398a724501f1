package freetime

import (
	"errors"
	"fmt"
	"time"

	"rendaivous/internal/models"
)

// DateLayout is the layout of date-only (all-day) markers.
const DateLayout = "2006-01-02"

// Kind tells a timed marker apart from a date-only one.
type Kind int

const (
	KindTimed Kind = iota + 1
	KindAllDay
)

func (k Kind) String() string {
	switch k {
	case KindTimed:
		return "timed"
	case KindAllDay:
		return "all-day"
	default:
		return "unknown"
	}
}

// EventTime is a resolved event marker: either a precise instant or a whole date.
type EventTime struct {
	kind Kind
	at   time.Time
}

// Timed returns a marker for a precise instant.
func Timed(t time.Time) EventTime {
	return EventTime{kind: KindTimed, at: t.UTC()}
}

// AllDay returns a marker for the calendar date of d. All-day dates are anchored
// at UTC midnight regardless of the location d carries.
func AllDay(d time.Time) EventTime {
	y, m, day := d.Date()
	return EventTime{kind: KindAllDay, at: time.Date(y, m, day, 0, 0, 0, 0, time.UTC)}
}

// Kind returns the marker variant.
func (t EventTime) Kind() Kind {
	return t.kind
}

// Instant returns the point in time the marker denotes, in UTC.
func (t EventTime) Instant() time.Time {
	return t.at
}

var errMissingMarker = errors.New("no dateTime or date value")

// ResolveEventTime turns a raw marker into an EventTime, preferring the timed value.
func ResolveEventTime(raw models.RawEventTime) (EventTime, error) {
	switch {
	case raw.DateTime != "":
		t, err := time.Parse(time.RFC3339, raw.DateTime)
		if err != nil {
			return EventTime{}, fmt.Errorf("parsing dateTime %q: %w", raw.DateTime, err)
		}
		return Timed(t), nil
	case raw.Date != "":
		d, err := time.Parse(DateLayout, raw.Date)
		if err != nil {
			return EventTime{}, fmt.Errorf("parsing date %q: %w", raw.Date, err)
		}
		return AllDay(d), nil
	default:
		return EventTime{}, errMissingMarker
	}
}
