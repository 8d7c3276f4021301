package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"calsync/internal/models"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
// It reads and writes a single calendar.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
	location   *time.Location
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file in tokenDir.
//
// The token is refreshed eagerly so that an unusable credential fails here
// rather than on the first API call.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenDir, accountName, calendarID string, loc *time.Location) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(TokenFile(tokenDir, accountName))
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	source := config.TokenSource(ctx, token)
	if _, err := source.Token(); err != nil {
		return nil, fmt.Errorf("token for account %s is no longer valid: %w", accountName, err)
	}

	service, err := calendar.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return NewClientWithService(logger, service, calendarID, loc), nil
}

// NewClientWithService wraps an already configured calendar service.
func NewClientWithService(logger *slog.Logger, service *calendar.Service, calendarID string, loc *time.Location) *CalendarClient {
	if calendarID == "" {
		calendarID = "primary"
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarClient{service: service, logger: logger, calendarID: calendarID, location: loc}
}

// List fetches the events overlapping [start, end).
// Recurring events are returned as their master event, carrying the raw
// recurrence lines.
func (c *CalendarClient) List(ctx context.Context, start, end time.Time) ([]models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", c.calendarID, "start", start, "end", end)

	var events []models.Event
	err := c.service.Events.List(c.calendarID).
		ShowDeleted(false).
		SingleEvents(false).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		Pages(ctx, func(page *calendar.Events) error {
			for _, item := range page.Items {
				ev, err := c.toInternalEvent(item)
				if err != nil {
					c.logger.Warn("Skipping unreadable Google event.", "id", item.Id, "error", err)
					continue
				}
				events = append(events, ev)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(events), "calendarID", c.calendarID)
	return events, nil
}

// Get fetches a single event.
func (c *CalendarClient) Get(ctx context.Context, externalID string) (models.Event, error) {
	item, err := c.service.Events.Get(c.calendarID, externalID).Context(ctx).Do()
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get event %s: %w", externalID, mapNotFound(err))
	}
	if item.Status == "cancelled" {
		return models.Event{}, fmt.Errorf("failed to get event %s: %w", externalID, models.ErrNotFound)
	}
	return c.toInternalEvent(item)
}

// Create inserts a new event and records the assigned id and calendar on event.
func (c *CalendarClient) Create(ctx context.Context, event *models.Event) error {
	calendarID := c.calendarFor(*event)
	zone := namedZone(event.Start.Location())
	if zone == "" && event.RecurrenceRule != "" {
		// Recurring events need a zone to expand in.
		zone = namedZone(c.location)
		if zone == "" {
			zone = "UTC"
		}
	}
	created, err := c.service.Events.Insert(calendarID, toGoogleEvent(*event, zone)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	event.ExternalID = created.Id
	event.CalendarID = calendarID
	c.logger.Debug("Created Google event", "title", event.Title, "id", created.Id)
	return nil
}

// Update patches the synced fields of the remote event. Attendees,
// reminders, colors and conference data are left as they are.
func (c *CalendarClient) Update(ctx context.Context, event models.Event) error {
	if event.ExternalID == "" {
		return errors.New("cannot update an event without an external id")
	}
	patch := toGooglePatch(event)
	_, err := c.service.Events.Patch(c.calendarFor(event), event.ExternalID, patch).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", event.ExternalID, mapNotFound(err))
	}
	return nil
}

// Delete removes a remote event.
func (c *CalendarClient) Delete(ctx context.Context, externalID string) error {
	if err := c.service.Events.Delete(c.calendarID, externalID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", externalID, mapNotFound(err))
	}
	return nil
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

func (c *CalendarClient) calendarFor(event models.Event) string {
	if event.CalendarID != "" {
		return event.CalendarID
	}
	return c.calendarID
}

// toInternalEvent converts a Google Calendar event to the internal Event model.
func (c *CalendarClient) toInternalEvent(item *calendar.Event) (models.Event, error) {
	if item.Start == nil || item.End == nil {
		return models.Event{}, errors.New("event has no start or end")
	}

	start, allDay, err := c.parseEventDateTime(item.Start)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid start: %w", err)
	}
	end, _, err := c.parseEventDateTime(item.End)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid end: %w", err)
	}

	return models.Event{
		ExternalID:     item.Id,
		CalendarID:     c.calendarID,
		Title:          item.Summary,
		Description:    item.Description,
		Location:       item.Location,
		Start:          start,
		End:            end,
		AllDay:         allDay,
		RecurrenceRule: strings.Join(item.Recurrence, "\n"),
		Origin:         models.OriginRemote,
	}, nil
}

// parseEventDateTime returns the instant and whether it is a date-only value.
func (c *CalendarClient) parseEventDateTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		t, err := time.ParseInLocation(time.DateOnly, dt.Date, c.location)
		return t, true, err
	}
	return time.Time{}, false, errors.New("neither date nor dateTime set")
}

// toGoogleEvent converts an internal Event to the Google Calendar representation.
// zone, if set, is sent as the time zone of timed start and end values.
func toGoogleEvent(event models.Event, zone string) *calendar.Event {
	ge := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
	}
	if event.AllDay {
		ge.Start = &calendar.EventDateTime{Date: event.Start.Format(time.DateOnly)}
		ge.End = &calendar.EventDateTime{Date: event.End.Format(time.DateOnly)}
	} else {
		ge.Start = &calendar.EventDateTime{DateTime: event.Start.Format(time.RFC3339)}
		ge.End = &calendar.EventDateTime{DateTime: event.End.Format(time.RFC3339)}
	}
	if !event.AllDay && zone != "" {
		ge.Start.TimeZone = zone
		ge.End.TimeZone = zone
	}
	if event.RecurrenceRule != "" {
		ge.Recurrence = strings.Split(event.RecurrenceRule, "\n")
	}
	return ge
}

// toGooglePatch builds a patch body carrying only the synced fields. Empty
// strings and a dropped recurrence are sent explicitly so they clear the
// remote value. The time zone is only sent when the event carries a named
// zone; stored times are UTC instants and must not reset the remote zone.
func toGooglePatch(event models.Event) *calendar.Event {
	ge := toGoogleEvent(event, namedZone(event.Start.Location()))
	ge.ForceSendFields = []string{"Summary", "Description", "Location"}
	if len(ge.Recurrence) == 0 {
		ge.NullFields = []string{"Recurrence"}
	}
	for _, dt := range []*calendar.EventDateTime{ge.Start, ge.End} {
		if event.AllDay {
			dt.NullFields = []string{"DateTime"}
		} else {
			dt.NullFields = []string{"Date"}
		}
	}
	return ge
}

// namedZone returns the IANA name of loc, or "" for UTC and the process-local zone.
func namedZone(loc *time.Location) string {
	switch name := loc.String(); name {
	case "", "Local", "UTC":
		return ""
	default:
		return name
	}
}

func mapNotFound(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return fmt.Errorf("%w: %v", models.ErrNotFound, err)
	}
	return err
}
