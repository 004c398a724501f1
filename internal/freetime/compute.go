package freetime

import (
	"fmt"
	"sort"
	"time"

	"rendaivous/internal/models"
)

// Result holds both sides of a computation over one query range.
type Result struct {
	Busy []models.BusyInterval // merged busy timeline
	Free []models.FreeWindow
}

// Compute runs the whole pipeline over the raw events of every user.
// Users are processed in id order so the reported error is deterministic.
func Compute(perUser map[string][]models.RawEvent, rangeStart, rangeEnd time.Time) (*Result, error) {
	if rangeStart.After(rangeEnd) {
		return nil, &InvalidRangeError{Start: rangeStart, End: rangeEnd}
	}

	ids := make([]string, 0, len(perUser))
	for id := range perUser {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sets := make([][]models.BusyInterval, 0, len(ids))
	for _, id := range ids {
		busy, err := Normalize(perUser[id])
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		sets = append(sets, busy)
	}

	merged, err := Merge(sets...)
	if err != nil {
		return nil, err
	}
	free, err := FreeWindows(merged, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return &Result{Busy: merged, Free: free}, nil
}

// ComputeSharedFreeTime returns the windows in [rangeStart, rangeEnd] where no user is busy.
func ComputeSharedFreeTime(perUser map[string][]models.RawEvent, rangeStart, rangeEnd time.Time) ([]models.FreeWindow, error) {
	res, err := Compute(perUser, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return res.Free, nil
}
