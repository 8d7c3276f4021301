package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/icloud"
	"calsync/internal/lib/logger/sl"
	"calsync/internal/storage/sqlite"
	"calsync/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calsync",
		Usage: "Keep a local calendar store in sync with Google Calendar or iCloud.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to an optional YAML config file.",
				EnvVars: []string{"CALSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			syncCommand(),
			statusCommand(),
			enableCommand(true),
			enableCommand(false),
			addCommand(),
			listCommand(),
			showCommand(),
			calendarsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", sl.Err(err))
		os.Exit(1)
	}
}

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location
}

func loadApp(c *cli.Context) (*app, error) {
	cfg, err := config.Load(c.String("config"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: setupLogger(cfg.LogLevel, cfg.LogFile),
		loc:    loc,
	}, nil
}

func (a *app) openStore() (*sqlite.Storage, error) {
	store, err := sqlite.New(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	return store, nil
}

// connector builds the provider handle for the configured remote.
func (a *app) connector() syncer.Connector {
	cfg := a.cfg
	switch cfg.Provider {
	case config.ProviderICloud:
		return func(ctx context.Context) (syncer.Provider, error) {
			client, err := icloud.NewClient(ctx, a.logger, cfg.ICloud.Endpoint, cfg.ICloud.Username, cfg.ICloud.Password, cfg.ICloud.CalendarName, a.loc)
			if err != nil {
				return nil, fmt.Errorf("failed to create icloud client: %w", err)
			}
			return client, nil
		}
	default:
		return func(ctx context.Context) (syncer.Provider, error) {
			client, err := a.googleClient(ctx)
			if err != nil {
				return nil, err
			}
			return client, nil
		}
	}
}

func (a *app) googleClient(ctx context.Context) (*google.CalendarClient, error) {
	cfg := a.cfg
	client, err := google.NewClient(ctx, a.logger, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.TokenDir, cfg.Account, cfg.Google.CalendarID, a.loc)
	if err != nil {
		return nil, fmt.Errorf("failed to create google client for account %s: %w", cfg.Account, err)
	}
	return client, nil
}

func setupLogger(level, file string) *slog.Logger {
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

	var w io.Writer = os.Stderr
	if file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// parseTime accepts RFC 3339, a local "2006-01-02T15:04" or a bare date.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04", time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, use RFC 3339, YYYY-MM-DDTHH:MM or YYYY-MM-DD", s)
}

// windowFlags are shared by commands operating on a time range.
func windowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "start", Usage: "Window start (overrides --days-back)."},
		&cli.StringFlag{Name: "end", Usage: "Window end (overrides --days-forward)."},
		&cli.IntFlag{Name: "days-back", Usage: "Days before today to include."},
		&cli.IntFlag{Name: "days-forward", Usage: "Days after today to include."},
	}
}

// window resolves the window flags against now. Explicit bounds win over
// day counts, which fall back to the configured defaults.
func (a *app) window(c *cli.Context, now time.Time) (syncer.Window, error) {
	back, forward := a.cfg.DaysBack, a.cfg.DaysForward
	if c.IsSet("days-back") {
		back = c.Int("days-back")
	}
	if c.IsSet("days-forward") {
		forward = c.Int("days-forward")
	}
	w := syncer.DaysAround(now, a.loc, back, forward)

	if s := c.String("start"); s != "" {
		t, err := parseTime(s, a.loc)
		if err != nil {
			return syncer.Window{}, err
		}
		w.Start = t
	}
	if s := c.String("end"); s != "" {
		t, err := parseTime(s, a.loc)
		if err != nil {
			return syncer.Window{}, err
		}
		w.End = t
	}
	return w, w.Validate()
}
