// Package freetime computes the windows in which every member of a group is free.
//
// The pipeline is made of three pure stages: Normalize turns one user's raw
// events into busy intervals, Merge unions the busy intervals of all users into a
// disjoint timeline and FreeWindows subtracts that timeline from a query range.
// All instants are handled in UTC; date-only (all-day) markers denote UTC midnight.
package freetime

import (
	"sort"

	"rendaivous/internal/models"
)

// Normalize converts one user's raw events into busy intervals sorted by start, then end.
// The result may contain overlapping intervals.
func Normalize(events []models.RawEvent) ([]models.BusyInterval, error) {
	busy := make([]models.BusyInterval, 0, len(events))
	for i, ev := range events {
		interval, err := toBusyInterval(i, ev)
		if err != nil {
			return nil, err
		}
		busy = append(busy, interval)
	}
	sortIntervals(busy)
	return busy, nil
}

func toBusyInterval(index int, ev models.RawEvent) (models.BusyInterval, error) {
	switch {
	case ev.Start.IsZero() && ev.End.IsZero():
		return models.BusyInterval{}, &MalformedEventError{Index: index, EventID: ev.ID, Reason: "missing start and end"}
	case ev.Start.IsZero():
		return models.BusyInterval{}, &MalformedEventError{Index: index, EventID: ev.ID, Reason: "missing start"}
	case ev.End.IsZero():
		return models.BusyInterval{}, &MalformedEventError{Index: index, EventID: ev.ID, Reason: "missing end"}
	}

	start, err := ResolveEventTime(ev.Start)
	if err != nil {
		return models.BusyInterval{}, &MalformedEventError{Index: index, EventID: ev.ID, Reason: "bad start", Err: err}
	}
	end, err := ResolveEventTime(ev.End)
	if err != nil {
		return models.BusyInterval{}, &MalformedEventError{Index: index, EventID: ev.ID, Reason: "bad end", Err: err}
	}

	interval := models.BusyInterval{Start: start.Instant(), End: end.Instant()}
	if interval.End.Before(interval.Start) {
		return models.BusyInterval{}, &MalformedIntervalError{Start: interval.Start, End: interval.End}
	}
	return interval, nil
}

// sortIntervals orders intervals by start ascending, breaking ties by end ascending.
func sortIntervals(intervals []models.BusyInterval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		a, b := intervals[i], intervals[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.End.Before(b.End)
	})
}
