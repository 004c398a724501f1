package icloud

import (
	"fmt"
	"strings"
	"time"

	"rendaivous/internal/models"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// maxOccurrencesPerEvent caps the expansion of a single recurring event.
const maxOccurrencesPerEvent = 5000

// expandEvents converts the VEVENTs of one calendar object into RawEvents.
// Recurring masters are expanded into the occurrences that overlap [from, to);
// instances overridden by a RECURRENCE-ID component are taken from the override.
func expandEvents(cal *ical.Calendar, from, to time.Time) ([]models.RawEvent, error) {
	events := cal.Events()

	overridden := make(map[string][]time.Time)
	for _, ev := range events {
		prop := ev.Props.Get(ical.PropRecurrenceID)
		if prop == nil {
			continue
		}
		rid, err := prop.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID %q: %w", prop.Value, err)
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		overridden[uid] = append(overridden[uid], rid)
	}

	var out []models.RawEvent
	for _, ev := range events {
		if cancelled(ev) {
			continue
		}
		if ev.Props.Get(ical.PropRecurrenceID) != nil || ev.Props.Get(ical.PropRecurrenceRule) == nil {
			out = append(out, toRawEvent(ev))
			continue
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		occurrences, err := expandRecurring(ev, overridden[uid], from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to expand event %s: %w", uid, err)
		}
		out = append(out, occurrences...)
	}
	return out, nil
}

// expandRecurring returns one RawEvent per occurrence of a recurring master that
// overlaps [from, to). Every occurrence keeps the DTEND-DTSTART duration of the master.
func expandRecurring(ev ical.Event, exclude []time.Time, from, to time.Time) ([]models.RawEvent, error) {
	base := toRawEvent(ev)
	start, okStart := markerTime(base.Start)
	end, okEnd := markerTime(base.End)
	if !okStart || !okEnd {
		// Let the free time engine report the broken markers.
		return []models.RawEvent{base}, nil
	}
	allDay := base.Start.Date != ""
	duration := end.Sub(start)

	// Keep the TZID location so the rule follows wall-clock time across DST changes.
	dtstart, err := ev.Props.Get(ical.PropDateTimeStart).DateTime(time.UTC)
	if err != nil {
		return nil, err
	}

	roption, err := ev.Props.RecurrenceRule()
	if err != nil {
		return nil, err
	}
	roption.Dtstart = dtstart
	rule, err := rrule.NewRRule(*roption)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE: %w", err)
	}

	var set rrule.Set
	set.RRule(rule)

	exdates, err := propTimes(ev.Props[ical.PropExceptionDates])
	if err != nil {
		return nil, fmt.Errorf("invalid EXDATE: %w", err)
	}
	for _, t := range append(exdates, exclude...) {
		set.ExDate(t)
	}
	rdates, err := propTimes(ev.Props[ical.PropRecurrenceDates])
	if err != nil {
		return nil, fmt.Errorf("invalid RDATE: %w", err)
	}
	for _, t := range rdates {
		set.RDate(t)
	}

	// An occurrence overlaps the range when it starts before to and ends after from.
	starts := set.Between(from.Add(-duration), to, false)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]models.RawEvent, 0, len(starts))
	for _, s := range starts {
		occ := base
		occ.Start = marker(s.UTC(), allDay)
		occ.End = marker(s.UTC().Add(duration), allDay)
		out = append(out, occ)
	}
	return out, nil
}

// propTimes parses date or date-time list properties such as EXDATE and RDATE.
func propTimes(props []ical.Prop) ([]time.Time, error) {
	var out []time.Time
	for _, prop := range props {
		for _, value := range strings.Split(prop.Value, ",") {
			single := prop
			single.Value = strings.TrimSpace(value)
			t, err := single.DateTime(time.UTC)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func cancelled(ev ical.Event) bool {
	status, err := ev.Status()
	return err == nil && status == ical.EventCancelled
}

func markerTime(m models.RawEventTime) (time.Time, bool) {
	if m.Date != "" {
		t, err := time.Parse("2006-01-02", m.Date)
		return t, err == nil
	}
	t, err := time.Parse(time.RFC3339, m.DateTime)
	return t, err == nil
}
