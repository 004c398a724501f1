package freetime

import (
	"fmt"
	"time"
)

// MalformedEventError is returned when a raw event lacks a usable start or end marker.
type MalformedEventError struct {
	Index   int    // position of the event in the input list
	EventID string // may be empty
	Reason  string
	Err     error // underlying parse error, if any
}

func (e *MalformedEventError) Error() string {
	msg := fmt.Sprintf("malformed event #%d", e.Index)
	if e.EventID != "" {
		msg += fmt.Sprintf(" (%s)", e.EventID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// InvalidRangeError is returned when the query range starts after it ends.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start %s is after end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// MalformedIntervalError is returned when an interval ends before it starts.
type MalformedIntervalError struct {
	Start time.Time
	End   time.Time
}

func (e *MalformedIntervalError) Error() string {
	return fmt.Sprintf("malformed interval: end %s is before start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}
