package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"calsync/internal/config"
	"calsync/internal/google"
	"calsync/internal/lib/logger/sl"
	"calsync/internal/models"
	"calsync/internal/scheduler"
	"calsync/internal/storage"
	"calsync/internal/syncer"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			a.logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(a.cfg.Google.ClientID, a.cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Printf("Enter a name for this account (default %q): ", a.cfg.Account)
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = a.cfg.Account
			}

			if err := os.MkdirAll(a.cfg.Google.TokenDir, 0o700); err != nil {
				return fmt.Errorf("failed to create token directory: %w", err)
			}
			tokenFile := google.TokenFile(a.cfg.Google.TokenDir, accountName)
			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			a.logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the calendar synchronization process.",
		Flags: append(windowFlags(),
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Usage: "Run sync every N seconds."},
			&cli.StringFlag{Name: "schedule", Usage: "Run sync on a cron schedule, e.g. \"*/15 * * * *\"."},
			&cli.BoolFlag{Name: "daemon", Usage: "Run sync on the configured schedule (CALSYNC_SCHEDULE)."},
		),
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			logger := a.logger

			if c.Bool("dry-run") {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			engine := syncer.New(logger, a.connector(), store, syncer.Options{
				Account:     a.cfg.Account,
				CallTimeout: a.cfg.CallTimeout,
				DryRun:      c.Bool("dry-run"),
			})

			runOnce := func(ctx context.Context) error {
				w, err := a.window(c, time.Now())
				if err != nil {
					return err
				}
				res, err := engine.Run(ctx, store, w)
				if err != nil {
					logger.Error("Sync cycle failed",
						sl.Err(err),
						"lastSuccessfulSync", lastSync(res.State),
					)
					return err
				}
				logger.Info("Sync cycle complete.",
					"changes", res.Changes(),
					"created", res.Created,
					"updated", res.Updated,
					"deleted", res.Deleted,
					"pushed", res.Pushed,
					"failed", res.Failed,
				)
				return nil
			}

			spec := ""
			switch {
			case c.IsSet("schedule"):
				spec = c.String("schedule")
			case c.IsSet("watch"):
				spec = fmt.Sprintf("@every %ds", c.Int("watch"))
			case c.Bool("daemon"):
				spec = a.cfg.Schedule
			}

			if spec == "" {
				logger.Info("Running a single sync cycle.")
				if err := runOnce(c.Context); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := scheduler.New(logger, a.loc)
			if err := s.Every("sync", spec, func(ctx context.Context) { _ = runOnce(ctx) }); err != nil {
				return err
			}

			logger.Info("Starting watcher.", "schedule", spec)
			_ = runOnce(ctx)
			return s.Run(ctx)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sync state of the configured account.",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.SyncState(c.Context, a.cfg.Account)
			if err != nil {
				return err
			}

			fmt.Printf("Account:    %s (%s)\n", a.cfg.Account, a.cfg.Provider)
			fmt.Printf("Enabled:    %t\n", state.Enabled)
			fmt.Printf("Last sync:  %s\n", lastSync(state))
			if age, ok := state.Staleness(time.Now()); ok {
				fmt.Printf("Staleness:  %s\n", age.Round(time.Second))
			}
			if a.cfg.Provider == config.ProviderGoogle {
				fmt.Printf("Tokens:     %s\n", tokenSummary(a.cfg.Google.TokenDir, a.cfg.Account))
			}
			return nil
		},
	}
}

func enableCommand(enabled bool) *cli.Command {
	name, usage := "enable", "Allow sync cycles for the configured account."
	if !enabled {
		name, usage = "disable", "Stop sync cycles for the configured account."
	}
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetEnabled(c.Context, a.cfg.Account, enabled); err != nil {
				return err
			}
			a.logger.Info("Updated sync state.", "account", a.cfg.Account, "enabled", enabled)
			return nil
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Create a local event. It is pushed on the next sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Required: true},
			&cli.StringFlag{Name: "start", Required: true, Usage: "RFC 3339, YYYY-MM-DDTHH:MM or YYYY-MM-DD."},
			&cli.StringFlag{Name: "end", Usage: "Defaults to one hour after start, or one day for --all-day."},
			&cli.BoolFlag{Name: "all-day"},
			&cli.StringFlag{Name: "location"},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "rrule", Usage: "Recurrence, e.g. \"FREQ=WEEKLY;BYDAY=MO\"."},
		},
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}

			start, err := parseTime(c.String("start"), a.loc)
			if err != nil {
				return err
			}
			end := start.Add(time.Hour)
			if c.Bool("all-day") {
				start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, a.loc)
				end = start.AddDate(0, 0, 1)
			}
			if s := c.String("end"); s != "" {
				if end, err = parseTime(s, a.loc); err != nil {
					return err
				}
			}
			if !start.Before(end) {
				return errors.New("end must be after start")
			}

			rule, err := normalizeRecurrence(c.String("rrule"))
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ev := models.Event{
				ID:             uuid.NewString(),
				Title:          c.String("title"),
				Description:    c.String("description"),
				Location:       c.String("location"),
				Start:          start,
				End:            end,
				AllDay:         c.Bool("all-day"),
				RecurrenceRule: rule,
				Origin:         models.OriginLocal,
				UpdatedAt:      time.Now(),
			}
			if err := store.Commit(c.Context, storage.ChangeSet{Inserts: []models.Event{ev}}); err != nil {
				return err
			}

			fmt.Println(ev.ID)
			return nil
		},
	}
}

// normalizeRecurrence checks rule with rrule-go and returns it as content
// lines. A bare rule gets an RRULE: prefix.
func normalizeRecurrence(rule string) (string, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", nil
	}

	lines := strings.Split(rule, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		head, _, found := strings.Cut(line, ":")
		if name, _, _ := strings.Cut(head, ";"); !found || strings.Contains(name, "=") {
			line = "RRULE:" + line
		}
		lines[i] = line
	}
	rule = strings.Join(lines, "\n")

	if _, err := rrule.StrToRRuleSet(rule); err != nil {
		return "", fmt.Errorf("invalid recurrence rule: %w", err)
	}
	return rule, nil
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List local events in the window with their link state.",
		Flags: windowFlags(),
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			w, err := a.window(c, time.Now())
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.EventsInRange(c.Context, w.Start, w.End)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "START\tEND\tTITLE\tSTATE\tEXTERNAL ID")
			for _, ev := range events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					formatWhen(ev, ev.Start, a.loc),
					formatWhen(ev, ev.End, a.loc),
					ev.Title,
					models.LinkName(models.Classify(ev)),
					ev.ExternalID,
				)
			}
			return tw.Flush()
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Fetch one remote event by its external id.",
		ArgsUsage: "<external-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected exactly one external id")
			}
			a, err := loadApp(c)
			if err != nil {
				return err
			}

			provider, err := a.connector()(c.Context)
			if err != nil {
				return err
			}
			ev, err := provider.Get(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			fmt.Printf("Title:       %s\n", ev.Title)
			fmt.Printf("Start:       %s\n", formatWhen(ev, ev.Start, a.loc))
			fmt.Printf("End:         %s\n", formatWhen(ev, ev.End, a.loc))
			if ev.Location != "" {
				fmt.Printf("Location:    %s\n", ev.Location)
			}
			if ev.RecurrenceRule != "" {
				fmt.Printf("Recurrence:  %s\n", strings.ReplaceAll(ev.RecurrenceRule, "\n", "; "))
			}
			if ev.Description != "" {
				fmt.Printf("\n%s\n", ev.Description)
			}
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars visible to the configured account.",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c)
			if err != nil {
				return err
			}
			if a.cfg.Provider != config.ProviderGoogle {
				return fmt.Errorf("calendar discovery is only available for the %s provider", config.ProviderGoogle)
			}

			client, err := a.googleClient(c.Context)
			if err != nil {
				return err
			}
			ids, err := client.DiscoverGoogleCalendars(c.Context)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

// tokenSummary lists the accounts authorized in dir and flags a missing
// token for account.
func tokenSummary(dir, account string) string {
	accounts, err := google.GetTokenAccounts(dir)
	if err != nil {
		return fmt.Sprintf("unreadable (%v)", err)
	}
	slices.Sort(accounts)
	if !slices.Contains(accounts, account) {
		accounts = append(accounts, account+" (missing, run 'calsync auth')")
	}
	return strings.Join(accounts, ", ")
}

func lastSync(state models.SyncState) string {
	if state.LastSyncAt == nil {
		return "never"
	}
	return state.LastSyncAt.Format(time.RFC3339)
}

func formatWhen(ev models.Event, t time.Time, loc *time.Location) string {
	if ev.AllDay {
		return t.Format(time.DateOnly)
	}
	return t.In(loc).Format("2006-01-02 15:04")
}
