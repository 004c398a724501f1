package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rendaivous/internal/models"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// rateLimitSleep is how long to wait after Google answers rateLimitExceeded.
	rateLimitSleep = 2 * time.Second
	maxAttempts    = 3
)

// CalendarClient reads events from every calendar of one Google account.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger

	// IgnoreDeclined drops events the account owner declined.
	IgnoreDeclined bool
}

// NewClient creates a Google Calendar client acting with token. Expired access
// tokens are refreshed through the refresh token by the oauth2 transport.
func NewClient(ctx context.Context, logger *slog.Logger, config *oauth2.Config, token *oauth2.Token) (*CalendarClient, error) {
	if token == nil {
		return nil, fmt.Errorf("token cannot be nil")
	}
	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger}, nil
}

// NewClientFromTokenFile creates a client for an account authenticated with the auth command.
func NewClientFromTokenFile(ctx context.Context, logger *slog.Logger, config *oauth2.Config, accountName string) (*CalendarClient, error) {
	token, err := tokenFromFile(TokenFile(accountName))
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}
	return NewClient(ctx, logger, config, token)
}

// Events returns the events of all calendars of the account that intersect [from, to).
// Recurring events are expanded into single instances by the API.
func (c *CalendarClient) Events(ctx context.Context, from, to time.Time) ([]models.RawEvent, error) {
	calendarIDs, err := c.DiscoverGoogleCalendars(ctx)
	if err != nil {
		return nil, err
	}

	var all []models.RawEvent
	for _, calID := range calendarIDs {
		items, err := c.listEvents(ctx, calID, from, to)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events of calendar %s: %w", calID, err)
		}
		c.logger.Debug("Fetched events from Google Calendar", "count", len(items), "calendarID", calID)
		all = append(all, c.toRawEvents(items, calID)...)
	}
	c.logger.Info("Fetched all Google events.", "count", len(all), "calendars", len(calendarIDs))
	return all, nil
}

func (c *CalendarClient) listEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*calendar.Event, error) {
	for attempt := 1; ; attempt++ {
		var items []*calendar.Event
		err := c.service.Events.List(calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			OrderBy("startTime").
			Pages(ctx, func(page *calendar.Events) error {
				items = append(items, page.Items...)
				return nil
			})
		if err == nil {
			return items, nil
		}
		if !shouldRetry(err) || attempt >= maxAttempts {
			return nil, err
		}
		c.logger.Warn("Google rate limit hit, retrying", "calendarID", calendarID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rateLimitSleep):
		}
	}
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]string, error) {
	var calendarIDs []string
	err := c.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		for _, item := range list.Items {
			calendarIDs = append(calendarIDs, item.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	return calendarIDs, nil
}

// toRawEvents converts Google Calendar events to the provider independent RawEvent.
// Start and end markers are copied verbatim; parsing is left to the free time engine.
func (c *CalendarClient) toRawEvents(googleEvents []*calendar.Event, calendarID string) []models.RawEvent {
	events := make([]models.RawEvent, 0, len(googleEvents))
	for _, item := range googleEvents {
		if item.Status == "cancelled" {
			continue
		}
		if c.IgnoreDeclined && declinedBySelf(item) {
			c.logger.Debug("Skipping declined event", "id", item.Id)
			continue
		}
		events = append(events, models.RawEvent{
			ID:      item.Id,
			Summary: item.Summary,
			Start:   rawEventTime(item.Start),
			End:     rawEventTime(item.End),
			Source:  fmt.Sprintf("google-%s", calendarID),
		})
	}
	return events
}

func rawEventTime(dt *calendar.EventDateTime) models.RawEventTime {
	if dt == nil {
		return models.RawEventTime{}
	}
	return models.RawEventTime{DateTime: dt.DateTime, Date: dt.Date}
}

func declinedBySelf(item *calendar.Event) bool {
	for _, a := range item.Attendees {
		if a.Self {
			return a.ResponseStatus == "declined"
		}
	}
	return false
}

func shouldRetry(err error) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}
	for _, item := range gErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}
