package icloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"calsync/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	ICloudCalDAVEndpoint = "https://caldav.icloud.com/"
)

// recurrenceProps are the properties that make up an event's recurrence set.
var recurrenceProps = []string{
	ical.PropRecurrenceRule,
	ical.PropRecurrenceDates,
	ical.PropExceptionDates,
}

// ErrObjectChanged reports that a calendar object was modified on the server
// between read and write, or that a new object's UID is already taken.
var ErrObjectChanged = errors.New("calendar object changed on the server")

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient is a client for interacting with a CalDAV server (iCloud).
// Discovery and time-range queries go through caldav.Client. Single objects
// are read and written with plain requests so that status codes and ETags
// stay visible.
type CalDAVClient struct {
	caldavClient *caldav.Client
	httpClient   webdav.HTTPClient
	endpoint     *url.URL
	logger       *slog.Logger
	calendarPath string
	location     *time.Location

	mu    sync.Mutex
	paths map[string]string // UID -> object path
}

// NewClient creates and initializes a new CalDAVClient.
// An empty endpoint means iCloud.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string, loc *time.Location) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = ICloudCalDAVEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid caldav endpoint %q: %w", endpoint, err)
	}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := newClient(logger, caldavClient, httpClient, base, "", loc)

	logger.Info("Finding iCloud calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found iCloud calendar", "path", calendarPath)

	return c, nil
}

func newClient(logger *slog.Logger, caldavClient *caldav.Client, httpClient webdav.HTTPClient, endpoint *url.URL, calendarPath string, loc *time.Location) *CalDAVClient {
	if loc == nil {
		loc = time.UTC
	}
	return &CalDAVClient{
		caldavClient: caldavClient,
		httpClient:   httpClient,
		endpoint:     endpoint,
		logger:       logger,
		calendarPath: calendarPath,
		location:     loc,
		paths:        make(map[string]string),
	}
}

// List fetches the events overlapping [start, end) with a time-range query.
func (c *CalDAVClient) List(ctx context.Context, start, end time.Time) ([]models.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	events := make([]models.Event, 0, len(objects))
	for _, obj := range objects {
		ev, err := c.fromICal(obj.Data)
		if err != nil {
			c.logger.Warn("Skipping unreadable calendar object.", "path", obj.Path, "error", err)
			continue
		}
		c.remember(ev.ExternalID, obj.Path)
		events = append(events, ev)
	}

	c.logger.Info("Successfully fetched events from iCloud", "count", len(events), "path", c.calendarPath)
	return events, nil
}

// Get fetches a single event by UID.
func (c *CalDAVClient) Get(ctx context.Context, uid string) (models.Event, error) {
	cal, _, err := c.getObject(ctx, c.objectPath(uid))
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get event %s: %w", uid, err)
	}
	return c.fromICal(cal)
}

// Create stores a new event under a fresh UID and records it on event.
func (c *CalDAVClient) Create(ctx context.Context, event *models.Event) error {
	uid := GenerateUID()

	created := *event
	created.ExternalID = uid
	c.logger.Debug("Creating event in iCloud", "eventTitle", created.Title, "uid", uid)

	header := http.Header{"If-None-Match": {"*"}}
	if err := c.putObject(ctx, c.objectPath(uid), c.toCalendar(created, time.Now()), header); err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	event.ExternalID = uid
	event.CalendarID = c.calendarPath
	return nil
}

// Update rewrites the synced fields of the stored object's master VEVENT.
// Overrides, alarms, attendees and the original TZID are kept. The write is
// conditional on the ETag read, so a concurrent edit fails with
// ErrObjectChanged instead of being lost.
func (c *CalDAVClient) Update(ctx context.Context, event models.Event) error {
	if event.ExternalID == "" {
		return errors.New("cannot update an event without an external id")
	}
	objectPath := c.objectPath(event.ExternalID)

	cal, etag, err := c.getObject(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", event.ExternalID, err)
	}
	master := masterEvent(cal)
	if master == nil {
		return fmt.Errorf("failed to update event %s: no VEVENT in calendar object", event.ExternalID)
	}
	applyEvent(master, event, time.Now())

	header := http.Header{}
	if etag != "" {
		header.Set("If-Match", etag)
	}
	c.logger.Debug("Updating event in iCloud", "eventTitle", event.Title, "uid", event.ExternalID, "etag", etag)
	if err := c.putObject(ctx, objectPath, cal, header); err != nil {
		return fmt.Errorf("failed to update event %s: %w", event.ExternalID, err)
	}
	return nil
}

// Delete removes the stored object for uid.
func (c *CalDAVClient) Delete(ctx context.Context, uid string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectPath(uid), nil, nil)
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", uid, err)
	}
	resp.Body.Close()

	c.mu.Lock()
	delete(c.paths, uid)
	c.mu.Unlock()
	return nil
}

// getObject reads a calendar object and its ETag.
func (c *CalDAVClient) getObject(ctx context.Context, objectPath string) (*ical.Calendar, string, error) {
	resp, err := c.do(ctx, http.MethodGet, objectPath, nil, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode %s: %w", objectPath, err)
	}
	return cal, resp.Header.Get("ETag"), nil
}

func (c *CalDAVClient) putObject(ctx context.Context, objectPath string, cal *ical.Calendar, header http.Header) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar object: %w", err)
	}

	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", ical.MIMEType+"; charset=utf-8")

	resp, err := c.do(ctx, http.MethodPut, objectPath, &buf, header)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends a request for objectPath and maps error statuses. 404 and 410
// become models.ErrNotFound and 412 becomes ErrObjectChanged. The caller
// closes the body of a successful response.
func (c *CalDAVClient) do(ctx context.Context, method, objectPath string, body io.Reader, header http.Header) (*http.Response, error) {
	u := c.endpoint.ResolveReference(&url.URL{Path: objectPath})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	maps.Copy(req.Header, header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s %s: %s", models.ErrNotFound, method, objectPath, resp.Status)
	case http.StatusPreconditionFailed:
		return nil, fmt.Errorf("%w: %s %s", ErrObjectChanged, method, objectPath)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, fmt.Errorf("%s %s: %s: %s", method, objectPath, resp.Status, strings.TrimSpace(string(msg)))
}

func (c *CalDAVClient) remember(uid, objectPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[uid] = objectPath
}

// objectPath returns the known path for uid or the conventional <uid>.ics.
func (c *CalDAVClient) objectPath(uid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[uid]; ok {
		return p
	}
	return path.Join(c.calendarPath, uid+".ics")
}

// toCalendar wraps the event in a VCALENDAR object.
func (c *CalDAVClient) toCalendar(event models.Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//calsync//EN")
	cal.Children = append(cal.Children, toICal(event, now))
	return cal
}

// toICal converts an internal Event model to an ical.Component (VEvent).
func toICal(event models.Event, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.ExternalID)
	applyEvent(ve, event, now)
	return ve
}

// applyEvent writes the synced fields of event onto ve and leaves every
// other property and child component alone. Timed values keep the TZID
// already on the property when it names a known zone, and are written in
// UTC otherwise.
func applyEvent(ve *ical.Component, event models.Event, now time.Time) {
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	setDateTime(ve.Props, ical.PropDateTimeStart, event.Start, event.AllDay)
	setDateTime(ve.Props, ical.PropDateTimeEnd, event.End, event.AllDay)
	ve.Props.Del(ical.PropDuration)

	for name, value := range map[string]string{
		ical.PropDescription: event.Description,
		ical.PropLocation:    event.Location,
	} {
		if value == "" {
			ve.Props.Del(name)
			continue
		}
		ve.Props.SetText(name, value)
	}

	for _, name := range recurrenceProps {
		ve.Props.Del(name)
	}
	for _, line := range splitRecurrence(event.RecurrenceRule) {
		ve.Props.Add(line)
	}
}

func setDateTime(props ical.Props, name string, t time.Time, allDay bool) {
	if allDay {
		props.SetDate(name, t)
		return
	}
	loc := time.UTC
	if old := props.Get(name); old != nil {
		if tzid := old.Params.Get(ical.ParamTimezoneID); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				loc = l
			}
		}
	}
	props.SetDateTime(name, t.In(loc))
}

// masterEvent returns the VEVENT without a RECURRENCE-ID.
func masterEvent(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent && child.Props.Get(ical.PropRecurrenceID) == nil {
			return child
		}
	}
	return nil
}

// fromICal reads the master VEVENT of a calendar object.
func (c *CalDAVClient) fromICal(cal *ical.Calendar) (models.Event, error) {
	if cal == nil {
		return models.Event{}, errors.New("empty calendar object")
	}

	comp := masterEvent(cal)
	if comp == nil {
		return models.Event{}, errors.New("no VEVENT in calendar object")
	}
	master := &ical.Event{Component: comp}

	uid, err := master.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return models.Event{}, errors.New("VEVENT has no UID")
	}

	start, err := master.DateTimeStart(c.location)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid DTSTART: %w", err)
	}
	end, err := master.DateTimeEnd(c.location)
	if err != nil {
		return models.Event{}, fmt.Errorf("invalid DTEND: %w", err)
	}

	allDay := false
	if p := master.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		allDay = true
	}
	if end.IsZero() {
		end = start
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	}

	title, _ := master.Props.Text(ical.PropSummary)
	description, _ := master.Props.Text(ical.PropDescription)
	location, _ := master.Props.Text(ical.PropLocation)

	return models.Event{
		ExternalID:     uid,
		CalendarID:     c.calendarPath,
		Title:          title,
		Description:    description,
		Location:       location,
		Start:          start,
		End:            end,
		AllDay:         allDay,
		RecurrenceRule: joinRecurrence(master.Component),
		Origin:         models.OriginRemote,
	}, nil
}

// joinRecurrence renders the recurrence properties as content lines,
// one per line, e.g. "RRULE:FREQ=WEEKLY".
func joinRecurrence(comp *ical.Component) string {
	var lines []string
	for _, name := range recurrenceProps {
		for _, p := range comp.Props.Values(name) {
			var b strings.Builder
			b.WriteString(name)
			for _, param := range slices.Sorted(maps.Keys(p.Params)) {
				b.WriteString(";" + param + "=" + strings.Join(p.Params[param], ","))
			}
			b.WriteString(":" + p.Value)
			lines = append(lines, b.String())
		}
	}
	return strings.Join(lines, "\n")
}

// splitRecurrence parses content lines produced by joinRecurrence, or by
// Google, back into properties. A bare rule without a name is an RRULE.
func splitRecurrence(rule string) []*ical.Prop {
	var props []*ical.Prop
	for _, line := range strings.Split(rule, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		head, value, found := strings.Cut(line, ":")
		if name, _, _ := strings.Cut(head, ";"); !found || strings.Contains(name, "=") {
			head, value = ical.PropRecurrenceRule, line
		}

		parts := strings.Split(head, ";")
		p := ical.NewProp(strings.ToUpper(parts[0]))
		p.Value = value
		for _, param := range parts[1:] {
			if k, v, ok := strings.Cut(param, "="); ok {
				p.Params.Set(strings.ToUpper(k), v)
			}
		}
		props = append(props, p)
	}
	return props
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
