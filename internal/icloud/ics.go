package icloud

import (
	"fmt"
	"io"
	"time"

	"rendaivous/internal/models"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
)

const productID = "-//rendaivous//EN"

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// EncodeFreeWindows writes the windows as an iCalendar stream with one "Free" event each.
func EncodeFreeWindows(w io.Writer, windows []models.FreeWindow) error {
	cal := newCalendar()
	now := time.Now().UTC()
	for _, fw := range windows {
		ve := ical.NewComponent(ical.CompEvent)
		ve.Props.SetText(ical.PropUID, GenerateUID())
		ve.Props.SetText(ical.PropSummary, "Free")
		ve.Props.SetDateTime(ical.PropDateTimeStamp, now)
		ve.Props.SetDateTime(ical.PropDateTimeStart, fw.Start.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, fw.End.UTC())
		ve.Props.SetText(ical.PropTransparency, "TRANSPARENT")
		cal.Children = append(cal.Children, ve)
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode free windows to iCal format: %w", err)
	}
	return nil
}

// suggestionEvent converts a suggestion to a VEVENT spanning its window.
func suggestionEvent(s models.Suggestion) (*ical.Component, error) {
	start, err := time.Parse(time.RFC3339, s.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("invalid suggestion start %q: %w", s.WindowStart, err)
	}
	end, err := time.Parse(time.RFC3339, s.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("invalid suggestion end %q: %w", s.WindowEnd, err)
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, GenerateUID())
	ve.Props.SetText(ical.PropSummary, s.Activity)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	if s.Place != "" {
		ve.Props.SetText(ical.PropLocation, s.Place)
	}
	return ve, nil
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
