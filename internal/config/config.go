package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // PRIMARY_TIMEZONE must resolve on hosts without a zoneinfo database
)

const (
	DefaultListen      = "127.0.0.1:8000"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// DefaultAllowedOrigins matches the Vite dev server of the web client.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}

// GoogleConfig holds the OAuth client used to read calendars.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// ICloudConfig holds the CalDAV account of the optional iCloud calendar.
type ICloudConfig struct {
	Username     string
	Password     string // app-specific password
	CalendarName string
}

// Enabled reports whether enough is set to connect to iCloud.
func (c ICloudConfig) Enabled() bool {
	return c.Username != "" && c.Password != "" && c.CalendarName != ""
}

// Config is the application configuration. It is built once at startup and
// handed to the components that need it.
type Config struct {
	Listen         string
	LogLevel       string
	AllowedOrigins []string

	// Location is used for range values that carry no offset and for rendering.
	Location *time.Location

	Google       GoogleConfig
	GeminiAPIKey string
	GeminiModel  string
	ICloud       ICloudConfig
}

// FromEnv builds a Config from the process environment.
func FromEnv() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using lookup to read variables.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	tzName := get("PRIMARY_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", tzName, err)
	}

	origins := DefaultAllowedOrigins
	if raw := get("CORS_ALLOWED_ORIGINS", ""); raw != "" {
		origins = splitList(raw)
	}

	return &Config{
		Listen:         get("LISTEN_ADDR", DefaultListen),
		LogLevel:       get("LOG_LEVEL", "info"),
		AllowedOrigins: origins,
		Location:       loc,
		Google: GoogleConfig{
			ClientID:     get("GOOGLE_CLIENT_ID", ""),
			ClientSecret: get("GOOGLE_CLIENT_SECRET", ""),
			RedirectURL:  get("GOOGLE_REDIRECT_URI", ""),
		},
		GeminiAPIKey: get("GEMINI_API_KEY", ""),
		GeminiModel:  get("GEMINI_MODEL", DefaultGeminiModel),
		ICloud: ICloudConfig{
			Username:     get("ICLOUD_USERNAME", ""),
			Password:     get("ICLOUD_APP_SPECIFIC_PASSWORD", ""),
			CalendarName: get("ICLOUD_CALENDAR_NAME", ""),
		},
	}, nil
}

// RequireGemini returns an error when no Gemini API key is configured.
func (c *Config) RequireGemini() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
