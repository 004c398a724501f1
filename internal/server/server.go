package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"rendaivous/internal/matcher"
	"rendaivous/internal/models"

	"golang.org/x/oauth2"
)

const maxBodyBytes = 1 << 20

// ConnectFunc opens the calendar of the user owning the given token pair.
type ConnectFunc func(ctx context.Context, accessToken, refreshToken string) (matcher.Source, error)

// Assistant is the AI side of the API.
type Assistant interface {
	matcher.Suggester
	Chat(ctx context.Context, message string, history []models.ChatMessage) (string, error)
	ChatStream(ctx context.Context, message string, history []models.ChatMessage) iter.Seq2[string, error]
}

// Options configures a Server. Connect, OAuth and Assistant may be nil; the
// routes that need them then answer 503.
type Options struct {
	Matcher        *matcher.Matcher
	Connect        ConnectFunc
	OAuth          *oauth2.Config
	Assistant      Assistant
	Location       *time.Location
	AllowedOrigins []string
}

type Server struct {
	logger    *slog.Logger
	matcher   *matcher.Matcher
	connect   ConnectFunc
	oauth     *oauth2.Config
	assistant Assistant
	loc       *time.Location
	origins   []string
}

func New(logger *slog.Logger, opts Options) *Server {
	m := opts.Matcher
	if m == nil {
		m = matcher.New(logger)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		logger:    logger,
		matcher:   m,
		connect:   opts.Connect,
		oauth:     opts.OAuth,
		assistant: opts.Assistant,
		loc:       loc,
		origins:   opts.AllowedOrigins,
	}
}

// Handler returns the API with its middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleAuthCallback)
	mux.HandleFunc("GET /shared_free_time", s.handleSharedFreeTime)
	mux.HandleFunc("GET /user_free_time", s.handleUserFreeTime)
	mux.HandleFunc("POST /v1/free_time", s.handleFreeTime)
	mux.HandleFunc("POST /v1/ai/suggest", s.handleSuggest)
	mux.HandleFunc("POST /v1/ai/chat", s.handleChat)
	mux.HandleFunc("POST /v1/ai/chat/stream", s.handleChatStream)

	return Chain(mux,
		WithRequestID,
		WithAccessLog(s.logger),
		WithCORS(CORSPolicy{
			AllowedOrigins:   s.origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Authorization", RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           10 * time.Minute,
		}),
		WithBodyLimit(maxBodyBytes),
	)
}

// Run serves the API on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
