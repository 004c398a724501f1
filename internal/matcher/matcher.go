package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rendaivous/internal/freetime"
	"rendaivous/internal/models"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentFetches bounds how many calendars are read at once.
const DefaultMaxConcurrentFetches = 4

// Source supplies the raw events of one user.
type Source interface {
	Events(ctx context.Context, from, to time.Time) ([]models.RawEvent, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, from, to time.Time) ([]models.RawEvent, error)

func (f SourceFunc) Events(ctx context.Context, from, to time.Time) ([]models.RawEvent, error) {
	return f(ctx, from, to)
}

// Participant is one user whose calendar takes part in the search.
type Participant struct {
	ID     string
	Source Source
}

// Suggester proposes one activity per free window, preserving window order.
type Suggester interface {
	Suggest(ctx context.Context, location string, preferences []string, windows []models.FreeWindow) ([]models.Suggestion, error)
}

// Matcher fetches the calendars of a group and finds the time everyone has free.
type Matcher struct {
	logger *slog.Logger

	MaxConcurrentFetches int
}

// New creates a Matcher.
func New(logger *slog.Logger) *Matcher {
	return &Matcher{logger: logger, MaxConcurrentFetches: DefaultMaxConcurrentFetches}
}

// SharedFreeTime fetches every participant's events concurrently and computes
// the merged busy timeline and shared free windows over [from, to].
func (m *Matcher) SharedFreeTime(ctx context.Context, participants []Participant, from, to time.Time) (*freetime.Result, error) {
	if from.After(to) {
		return nil, &freetime.InvalidRangeError{Start: from, End: to}
	}

	perUser, err := m.fetchAll(ctx, participants, from, to)
	if err != nil {
		return nil, err
	}

	res, err := freetime.Compute(perUser, from, to)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Computed shared free time.",
		"participants", len(participants),
		"busy", len(res.Busy),
		"free", len(res.Free),
	)
	return res, nil
}

func (m *Matcher) fetchAll(ctx context.Context, participants []Participant, from, to time.Time) (map[string][]models.RawEvent, error) {
	results := make([][]models.RawEvent, len(participants))

	g, gctx := errgroup.WithContext(ctx)
	if m.MaxConcurrentFetches > 0 {
		g.SetLimit(m.MaxConcurrentFetches)
	}
	for i, p := range participants {
		g.Go(func() error {
			events, err := p.Source.Events(gctx, from, to)
			if err != nil {
				return fmt.Errorf("failed to fetch events for %s: %w", p.ID, err)
			}
			m.logger.Debug("Fetched participant events", "participant", p.ID, "count", len(events))
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	perUser := make(map[string][]models.RawEvent, len(participants))
	for i, p := range participants {
		if _, dup := perUser[p.ID]; dup {
			return nil, fmt.Errorf("duplicate participant %s", p.ID)
		}
		perUser[p.ID] = results[i]
	}
	return perUser, nil
}

// Plan is a set of free windows together with what to do in each of them.
type Plan struct {
	Free        []models.FreeWindow
	Suggestions []models.Suggestion
}

// Plan finds the shared free windows of participants and asks suggester for an activity per window.
func (m *Matcher) Plan(ctx context.Context, suggester Suggester, participants []Participant, from, to time.Time, location string, preferences []string) (*Plan, error) {
	res, err := m.SharedFreeTime(ctx, participants, from, to)
	if err != nil {
		return nil, err
	}
	suggestions, err := suggester.Suggest(ctx, location, preferences, res.Free)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestions: %w", err)
	}
	return &Plan{Free: res.Free, Suggestions: suggestions}, nil
}
