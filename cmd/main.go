package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rendaivous/internal/config"
	"rendaivous/internal/gemini"
	"rendaivous/internal/google"
	"rendaivous/internal/icloud"
	"rendaivous/internal/matcher"
	"rendaivous/internal/models"
	"rendaivous/internal/server"
	"rendaivous/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const (
	rangeLayout  = "2006-01-02T15:04"
	defaultRange = 7 * 24 * time.Hour
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	app := &cli.App{
		Name:  "rendaivous",
		Usage: "Find the time a group of friends has free and decide what to do with it.",
		Commands: []*cli.Command{
			serveCommand(cfg),
			authCommand(cfg),
			freeCommand(cfg),
			suggestCommand(cfg),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: cfg.Listen, Usage: "Address to listen on."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := server.Options{
				Matcher:        matcher.New(logger),
				Location:       cfg.Location,
				AllowedOrigins: cfg.AllowedOrigins,
			}

			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
			if err != nil {
				logger.Warn("Google sign-in disabled", "error", err)
			} else {
				opts.OAuth = oauthConfig
				opts.Connect = func(ctx context.Context, accessToken, refreshToken string) (matcher.Source, error) {
					return google.NewClient(ctx, logger, oauthConfig, google.TokenFromPair(accessToken, refreshToken))
				}
			}

			if err := cfg.RequireGemini(); err != nil {
				logger.Warn("AI routes disabled", "error", err)
			} else {
				generator, err := gemini.NewGenerator(ctx, logger, cfg.GeminiAPIKey, cfg.GeminiModel)
				if err != nil {
					return err
				}
				generator.Location = cfg.Location
				opts.Assistant = generator
			}

			return server.New(logger, opts).Run(ctx, c.String("listen"))
		},
	}
}

func authCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Name for this account (e.g., 'personal', 'work')."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			// The interactive flow always uses the copy/paste redirect.
			oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, "")
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := google.AuthCodeURL(oauthConfig, "state-token")
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return err
			}

			accountName := c.String("account")
			if accountName == "" {
				fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			if accountName == "" {
				return fmt.Errorf("account name cannot be empty")
			}
			tokenFile := google.TokenFile(accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func rangeFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.TimestampFlag{Name: "start", Layout: rangeLayout, Timezone: cfg.Location, Usage: "Start of the range (default: now)."},
		&cli.TimestampFlag{Name: "end", Layout: rangeLayout, Timezone: cfg.Location, Usage: "End of the range (default: start + 7 days)."},
		&cli.BoolFlag{Name: "icloud", Usage: "Include the configured iCloud calendar as a participant."},
		&cli.BoolFlag{Name: "ignore-declined", Usage: "Do not count Google events you declined as busy."},
	}
}

func freeCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "free",
		Usage: "Compute the shared free time of all authenticated accounts.",
		Flags: append(rangeFlags(cfg),
			&cli.StringFlag{Name: "ics", Usage: "Write the free windows to this .ics file instead of printing them."},
		),
		Action: func(c *cli.Context) error {
			logger := setupLogger(cfg.LogLevel)
			from, to := rangeFromFlags(c, cfg)

			participants, _, err := loadParticipants(c, logger, cfg)
			if err != nil {
				return err
			}

			res, err := matcher.New(logger).SharedFreeTime(c.Context, participants, from, to)
			if err != nil {
				return err
			}

			if path := c.String("ics"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", path, err)
				}
				defer f.Close()
				if err := icloud.EncodeFreeWindows(f, res.Free); err != nil {
					return err
				}
				logger.Info("Wrote free windows.", "file", path, "count", len(res.Free))
				return nil
			}

			printWindows(res.Free, cfg.Location)
			return nil
		},
	}
}

func suggestCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "suggest",
		Usage: "Suggest places and activities for the shared free time.",
		Flags: append(rangeFlags(cfg),
			&cli.StringFlag{Name: "location", Required: true, Usage: "Area to suggest places in."},
			&cli.StringSliceFlag{Name: "pref", Usage: "Activity preference; may be repeated."},
			&cli.BoolFlag{Name: "publish", Usage: "Write the suggestions into the iCloud calendar."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be published without making changes."},
			&cli.StringFlag{Name: "state-file", Value: syncer.DefaultStateFile, Usage: "Where published windows are remembered."},
			&cli.IntFlag{Name: "watch", Value: 3600, Usage: "Publish every N seconds. Implies --publish."},
		),
		Action: func(c *cli.Context) error {
			var interval time.Duration
			if c.IsSet("watch") {
				var err error
				if interval, err = watchInterval(c.Int("watch")); err != nil {
					return err
				}
			}

			logger := setupLogger(cfg.LogLevel)
			if err := cfg.RequireGemini(); err != nil {
				return err
			}
			generator, err := gemini.NewGenerator(c.Context, logger, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return err
			}
			generator.Location = cfg.Location

			participants, iClient, err := loadParticipants(c, logger, cfg)
			if err != nil {
				return err
			}
			m := matcher.New(logger)
			location, prefs := c.String("location"), c.StringSlice("pref")

			if !c.Bool("publish") && !c.IsSet("watch") {
				from, to := rangeFromFlags(c, cfg)
				plan, err := m.Plan(c.Context, generator, participants, from, to, location, prefs)
				if err != nil {
					return err
				}
				printSuggestions(plan.Suggestions)
				return nil
			}

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}
			var publisher syncer.Publisher
			if iClient != nil {
				publisher = iClient
			} else if !c.Bool("dry-run") {
				if iClient, err = newICloudClient(c.Context, logger, cfg); err != nil {
					return err
				}
				publisher = iClient
			}

			s, err := syncer.NewSyncer(logger, m, generator, publisher, c.String("state-file"), c.Bool("dry-run"))
			if err != nil {
				return fmt.Errorf("failed to create syncer: %w", err)
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()
				logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					from, to := rangeFromFlags(c, cfg)
					if _, err := s.Sync(ctx, participants, from, to, location, prefs); err != nil {
						logger.Error("Publish cycle failed", "error", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			}

			from, to := rangeFromFlags(c, cfg)
			res, err := s.Sync(c.Context, participants, from, to, location, prefs)
			if err != nil {
				return fmt.Errorf("publish cycle failed: %w", err)
			}
			printSuggestions(res.Published)
			return nil
		},
	}
}

// watchInterval converts the --watch value, which must be a positive number of seconds.
func watchInterval(seconds int) (time.Duration, error) {
	if seconds <= 0 {
		return 0, fmt.Errorf("--watch must be a positive number of seconds, got %d", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

// rangeFromFlags returns the --start/--end range, defaulting to the next week.
func rangeFromFlags(c *cli.Context, cfg *config.Config) (time.Time, time.Time) {
	from := time.Now().In(cfg.Location).Truncate(time.Minute)
	if ts := c.Timestamp("start"); ts != nil {
		from = *ts
	}
	to := from.Add(defaultRange)
	if ts := c.Timestamp("end"); ts != nil {
		to = *ts
	}
	return from, to
}

// loadParticipants builds one participant per saved Google token, plus iCloud when requested.
func loadParticipants(c *cli.Context, logger *slog.Logger, cfg *config.Config) ([]matcher.Participant, *icloud.CalDAVClient, error) {
	oauthConfig, err := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get google oauth config: %w", err)
	}

	accounts, err := google.TokenAccounts(".")
	if err != nil {
		return nil, nil, fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
	}

	var participants []matcher.Participant
	for _, acc := range accounts {
		gClient, err := google.NewClientFromTokenFile(c.Context, logger, oauthConfig, acc)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create google client for account %s: %w", acc, err)
		}
		gClient.IgnoreDeclined = c.Bool("ignore-declined")
		participants = append(participants, matcher.Participant{ID: acc, Source: gClient})
	}

	var iClient *icloud.CalDAVClient
	if c.Bool("icloud") {
		if iClient, err = newICloudClient(c.Context, logger, cfg); err != nil {
			return nil, nil, err
		}
		participants = append(participants, matcher.Participant{ID: "icloud:" + cfg.ICloud.Username, Source: iClient})
	}

	if len(participants) == 0 {
		return nil, nil, fmt.Errorf("no calendars found. Run the 'auth' command first or pass --icloud")
	}
	logger.Info("Initialized calendar clients.", "count", len(participants))
	return participants, iClient, nil
}

func newICloudClient(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*icloud.CalDAVClient, error) {
	if !cfg.ICloud.Enabled() {
		return nil, fmt.Errorf("ICLOUD_USERNAME, ICLOUD_APP_SPECIFIC_PASSWORD and ICLOUD_CALENDAR_NAME must be set")
	}
	iClient, err := icloud.NewClient(ctx, logger, cfg.ICloud.Username, cfg.ICloud.Password, cfg.ICloud.CalendarName)
	if err != nil {
		return nil, fmt.Errorf("failed to create icloud client: %w", err)
	}
	return iClient, nil
}

func printWindows(windows []models.FreeWindow, loc *time.Location) {
	if len(windows) == 0 {
		fmt.Println("No shared free time in this range.")
		return
	}
	for _, w := range windows {
		fmt.Printf("%s  ->  %s  (%s)\n",
			w.Start.In(loc).Format("Mon 2006-01-02 15:04"),
			w.End.In(loc).Format("Mon 2006-01-02 15:04"),
			w.Duration().Round(time.Minute))
	}
}

func printSuggestions(suggestions []models.Suggestion) {
	if len(suggestions) == 0 {
		fmt.Println("No suggestions.")
		return
	}
	for _, s := range suggestions {
		fmt.Printf("%s - %s: %s at %s\n", s.WindowStart, s.WindowEnd, s.Activity, s.Place)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
