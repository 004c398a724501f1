package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"rendaivous/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "rendaivous/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient reads busy time from, and publishes plans to, one iCloud calendar.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	calendarPath string
}

// NewClient creates and initializes a new CalDAVClient for iCloud.
func NewClient(ctx context.Context, logger *slog.Logger, username, password, calendarName string) (*CalDAVClient, error) {
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, iCloudCalDAVEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
	}

	logger.Info("Finding iCloud calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found iCloud calendar", "path", calendarPath)

	return c, nil
}

// Events returns the events of the calendar that intersect [from, to).
// The server returns recurring events as masters; their occurrences are expanded here.
func (c *CalDAVClient) Events(ctx context.Context, from, to time.Time) ([]models.RawEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{
					ical.PropUID, ical.PropSummary, ical.PropStatus,
					ical.PropDateTimeStart, ical.PropDateTimeEnd, ical.PropDuration,
					ical.PropRecurrenceRule, ical.PropRecurrenceDates, ical.PropExceptionDates, ical.PropRecurrenceID,
				},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []models.RawEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		expanded, err := expandEvents(obj.Data, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", obj.Path, err)
		}
		events = append(events, expanded...)
	}
	c.logger.Info("Fetched iCloud events.", "count", len(events))
	return events, nil
}

// PublishSuggestions writes one calendar event per suggestion, in order.
// It returns how many suggestions were written before the first failure.
func (c *CalDAVClient) PublishSuggestions(ctx context.Context, suggestions []models.Suggestion) (int, error) {
	for i, s := range suggestions {
		vevent, err := suggestionEvent(s)
		if err != nil {
			return i, err
		}
		uid, _ := vevent.Props.Text(ical.PropUID)

		cal := newCalendar()
		cal.Children = append(cal.Children, vevent)

		eventPath := path.Join(c.calendarPath, uid+".ics")
		if _, err := c.caldavClient.PutCalendarObject(ctx, eventPath, cal); err != nil {
			return i, fmt.Errorf("failed to create event on CalDAV server: %w", err)
		}
		c.logger.Info("Published suggestion to iCloud", "place", s.Place, "start", s.WindowStart)
	}
	return len(suggestions), nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// toRawEvent converts a VEVENT to the provider independent RawEvent.
// DATE values become date-only markers; DATE-TIME values become RFC 3339 UTC markers.
// Values that cannot be parsed are passed through so the free time engine reports them.
func toRawEvent(ev ical.Event) models.RawEvent {
	out := models.RawEvent{Source: "icloud"}
	out.ID, _ = ev.Props.Text(ical.PropUID)
	out.Summary, _ = ev.Props.Text(ical.PropSummary)

	startProp := ev.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return out
	}
	allDay := isDate(startProp)
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		out.Start.DateTime = startProp.Value
		return out
	}
	out.Start = marker(start, allDay)

	if endProp := ev.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		end, err := endProp.DateTime(time.UTC)
		if err != nil {
			out.End.DateTime = endProp.Value
			return out
		}
		out.End = marker(end, isDate(endProp))
		return out
	}

	// RFC 5545: without DTEND the event lasts DURATION, one day for DATE starts,
	// and is instantaneous otherwise.
	end := start
	if durProp := ev.Props.Get(ical.PropDuration); durProp != nil {
		d, err := durProp.Duration()
		if err != nil {
			out.End.DateTime = durProp.Value
			return out
		}
		end = start.Add(d)
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	}
	out.End = marker(end, allDay)
	return out
}

func isDate(prop *ical.Prop) bool {
	return prop.ValueType() == ical.ValueDate || len(prop.Value) == len("20060102")
}

func marker(t time.Time, allDay bool) models.RawEventTime {
	if allDay {
		return models.RawEventTime{Date: t.Format("2006-01-02")}
	}
	return models.RawEventTime{DateTime: t.UTC().Format(time.RFC3339)}
}
