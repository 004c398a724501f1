package freetime

import "rendaivous/internal/models"

// Merge unions the busy sets of several users into a sorted timeline in which
// consecutive intervals neither overlap nor touch. Touching intervals are joined.
// Zero-length intervals carry no busy time and are dropped. An empty result means
// everybody is free.
func Merge(sets ...[]models.BusyInterval) ([]models.BusyInterval, error) {
	var all []models.BusyInterval
	for _, set := range sets {
		for _, b := range set {
			if b.End.Before(b.Start) {
				return nil, &MalformedIntervalError{Start: b.Start, End: b.End}
			}
			if b.End.Equal(b.Start) {
				continue
			}
			all = append(all, b)
		}
	}

	merged := make([]models.BusyInterval, 0, len(all))
	if len(all) == 0 {
		return merged, nil
	}
	sortIntervals(all)

	current := all[0]
	for _, b := range all[1:] {
		if b.Start.After(current.End) {
			merged = append(merged, current)
			current = b
			continue
		}
		if b.End.After(current.End) {
			current.End = b.End
		}
	}
	merged = append(merged, current)
	return merged, nil
}
