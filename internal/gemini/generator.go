package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"rendaivous/internal/models"

	"google.golang.org/genai"
)

// contentGenerator is the part of *genai.Models the generator relies on.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// ErrStreamConsumed is yielded when a chat stream is ranged over a second time.
var ErrStreamConsumed = errors.New("chat stream already consumed")

// Generator proposes activities for free windows and answers planning chat messages.
type Generator struct {
	models contentGenerator
	model  string
	logger *slog.Logger

	// Location is used to render window boundaries for the model and in suggestions.
	Location *time.Location
}

// NewGenerator creates a Generator backed by the Gemini API.
func NewGenerator(ctx context.Context, logger *slog.Logger, apiKey, model string) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newGenerator(client.Models, logger, model), nil
}

func newGenerator(m contentGenerator, logger *slog.Logger, model string) *Generator {
	return &Generator{models: m, model: model, logger: logger, Location: time.UTC}
}

var suggestionSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"windowStart": {Type: genai.TypeString},
			"windowEnd":   {Type: genai.TypeString},
			"place":       {Type: genai.TypeString},
			"activity":    {Type: genai.TypeString},
		},
		Required: []string{"windowStart", "windowEnd", "place", "activity"},
	},
}

type promptWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Suggest returns one suggestion per window, in the order of windows.
// The window boundaries of each suggestion are taken from the input, not from the model.
func (g *Generator) Suggest(ctx context.Context, location string, preferences []string, windows []models.FreeWindow) ([]models.Suggestion, error) {
	if len(windows) == 0 {
		return []models.Suggestion{}, nil
	}

	formatted := make([]promptWindow, len(windows))
	for i, w := range windows {
		formatted[i] = promptWindow{Start: g.format(w.Start), End: g.format(w.End)}
	}
	prompt, err := suggestionPrompt(location, preferences, formatted)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Requesting suggestions", "model", g.model, "windows", len(windows), "location", location)
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   suggestionSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate suggestions: %w", err)
	}

	var suggestions []models.Suggestion
	if err := json.Unmarshal([]byte(resp.Text()), &suggestions); err != nil {
		return nil, fmt.Errorf("model returned invalid JSON: %w", err)
	}
	if len(suggestions) != len(windows) {
		return nil, fmt.Errorf("model returned %d suggestions for %d windows", len(suggestions), len(windows))
	}
	for i := range suggestions {
		suggestions[i].WindowStart = formatted[i].Start
		suggestions[i].WindowEnd = formatted[i].End
	}
	g.logger.Info("Generated suggestions", "count", len(suggestions))
	return suggestions, nil
}

func (g *Generator) format(t time.Time) string {
	loc := g.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}

func suggestionPrompt(location string, preferences []string, windows []promptWindow) (string, error) {
	windowsJSON, err := json.Marshal(windows)
	if err != nil {
		return "", fmt.Errorf("failed to encode windows: %w", err)
	}
	prefs := "none"
	if len(preferences) > 0 {
		prefs = strings.Join(preferences, ", ")
	}

	var b strings.Builder
	b.WriteString("You plan activities for a group of friends.\n")
	b.WriteString("For every free time window below, name one specific place in the given area and a short activity to do there.\n")
	b.WriteString("Answer with a JSON array only, one object per window, in the same order as the windows.\n")
	fmt.Fprintf(&b, "Area: %s\n", location)
	fmt.Fprintf(&b, "Preferences: %s\n", prefs)
	b.WriteString("Keep every activity realistic for the length and time of day of its window and do not repeat places.\n")
	fmt.Fprintf(&b, "Windows (copy start/end into windowStart/windowEnd): %s\n", windowsJSON)
	return b.String(), nil
}

// Chat answers message given the previous turns of the conversation.
func (g *Generator) Chat(ctx context.Context, message string, history []models.ChatMessage) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, chatContents(message, history), nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate chat reply: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("empty reply from model")
	}
	return text, nil
}

// ChatStream answers message chunk by chunk. The returned sequence can be ranged
// over once; later attempts yield ErrStreamConsumed.
func (g *Generator) ChatStream(ctx context.Context, message string, history []models.ChatMessage) iter.Seq2[string, error] {
	contents := chatContents(message, history)
	var started atomic.Bool
	return func(yield func(string, error) bool) {
		if !started.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		for resp, err := range g.models.GenerateContentStream(ctx, g.model, contents, nil) {
			if err != nil {
				yield("", fmt.Errorf("chat stream failed: %w", err))
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// chatContents maps the conversation to Gemini contents; assistant turns become model turns.
func chatContents(message string, history []models.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		role := genai.Role(genai.RoleModel)
		if m.Role == models.RoleUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return append(contents, genai.NewContentFromText(message, genai.RoleUser))
}
