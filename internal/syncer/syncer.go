package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"rendaivous/internal/matcher"
	"rendaivous/internal/models"
)

// DefaultStateFile is where published windows are remembered between runs.
const DefaultStateFile = "publish-state.json"

// SyncState keeps track of which free windows already got a suggestion published.
// The key is the window ("<start>/<end>" in UTC), and the value is a short description of what was published.
type SyncState map[string]string

// Publisher writes suggestions into a calendar, in order, and reports how many
// were written before any failure.
type Publisher interface {
	PublishSuggestions(ctx context.Context, suggestions []models.Suggestion) (int, error)
}

// Syncer finds shared free time, asks for suggestions for windows it has not
// seen before and publishes them.
type Syncer struct {
	logger    *slog.Logger
	matcher   *matcher.Matcher
	suggester matcher.Suggester
	publisher Publisher
	statePath string
	state     SyncState
	dryRun    bool
}

// Result reports what one cycle did.
type Result struct {
	Free      []models.FreeWindow
	Published []models.Suggestion
	Skipped   int
}

// NewSyncer creates a new Syncer. publisher may be nil when dryRun is set.
func NewSyncer(logger *slog.Logger, m *matcher.Matcher, suggester matcher.Suggester, publisher Publisher, statePath string, dryRun bool) (*Syncer, error) {
	if publisher == nil && !dryRun {
		return nil, fmt.Errorf("a publisher is required unless running dry")
	}
	if statePath == "" {
		statePath = DefaultStateFile
	}
	state, err := loadState(statePath)
	if err != nil {
		// If the file doesn't exist, we can start with an empty state.
		if os.IsNotExist(err) {
			logger.Info("No publish state file found, starting fresh.", "file", statePath)
			state = make(SyncState)
		} else {
			return nil, fmt.Errorf("failed to load publish state: %w", err)
		}
	}

	return &Syncer{
		logger:    logger,
		matcher:   m,
		suggester: suggester,
		publisher: publisher,
		statePath: statePath,
		state:     state,
		dryRun:    dryRun,
	}, nil
}

// Sync performs one cycle over [from, to).
func (s *Syncer) Sync(ctx context.Context, participants []matcher.Participant, from, to time.Time, location string, preferences []string) (*Result, error) {
	s.logger.Info("Starting publish cycle.", "from", from, "to", to)

	res, err := s.matcher.SharedFreeTime(ctx, participants, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared free time: %w", err)
	}

	var fresh []models.FreeWindow
	for _, w := range res.Free {
		if _, exists := s.state[windowKey(w)]; exists {
			s.logger.Debug("Window already published, skipping.", "start", w.Start, "end", w.End)
			continue
		}
		fresh = append(fresh, w)
	}
	result := &Result{Free: res.Free, Skipped: len(res.Free) - len(fresh)}
	if len(fresh) == 0 {
		s.logger.Info("Nothing new to publish.", "skipped", result.Skipped)
		return result, nil
	}

	suggestions, err := s.suggester.Suggest(ctx, location, preferences, fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to get suggestions: %w", err)
	}
	if len(suggestions) != len(fresh) {
		return nil, fmt.Errorf("got %d suggestions for %d windows", len(suggestions), len(fresh))
	}
	result.Published = suggestions

	if s.dryRun {
		for _, sg := range suggestions {
			s.logger.Info("[DRY RUN] Would publish suggestion", "start", sg.WindowStart, "place", sg.Place, "activity", sg.Activity)
		}
		return result, nil
	}

	published, pubErr := s.publisher.PublishSuggestions(ctx, suggestions)
	published = min(max(published, 0), len(fresh))
	if published > 0 {
		for i, w := range fresh[:published] {
			s.state[windowKey(w)] = suggestions[i].Activity + " @ " + suggestions[i].Place
		}
		if err := s.saveState(); err != nil {
			s.logger.Error("Failed to save publish state", "error", err)
		}
	}
	if pubErr != nil {
		return nil, fmt.Errorf("failed to publish suggestions after %d of %d: %w", published, len(suggestions), pubErr)
	}

	s.logger.Info("Publish cycle finished.", "published", len(suggestions), "skipped", result.Skipped)
	return result, nil
}

func windowKey(w models.FreeWindow) string {
	return w.Start.UTC().Format(time.RFC3339) + "/" + w.End.UTC().Format(time.RFC3339)
}

// loadState loads the publish state from the JSON file.
func loadState(path string) (SyncState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state SyncState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = make(SyncState)
	}
	return state, nil
}

// saveState saves the current publish state to the JSON file.
func (s *Syncer) saveState() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal publish state: %w", err)
	}
	return os.WriteFile(s.statePath, data, 0644)
}
