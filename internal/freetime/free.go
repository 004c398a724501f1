package freetime

import (
	"time"

	"rendaivous/internal/models"
)

// FreeWindows subtracts a merged busy timeline from [rangeStart, rangeEnd].
// The timeline must be sorted and disjoint, as returned by Merge; it may extend
// beyond the range on either side. Windows are returned in ascending order, in UTC.
func FreeWindows(timeline []models.BusyInterval, rangeStart, rangeEnd time.Time) ([]models.FreeWindow, error) {
	if rangeStart.After(rangeEnd) {
		return nil, &InvalidRangeError{Start: rangeStart, End: rangeEnd}
	}
	rangeStart, rangeEnd = rangeStart.UTC(), rangeEnd.UTC()

	free := []models.FreeWindow{}
	cursor := rangeStart
	for _, busy := range timeline {
		if !cursor.Before(rangeEnd) {
			break
		}
		if cursor.Before(busy.Start) {
			free = append(free, models.FreeWindow{Start: cursor, End: earliest(busy.Start, rangeEnd)})
		}
		if busy.End.After(cursor) {
			cursor = busy.End
		}
	}
	if cursor.Before(rangeEnd) {
		free = append(free, models.FreeWindow{Start: cursor, End: rangeEnd})
	}
	return free, nil
}

func earliest(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
