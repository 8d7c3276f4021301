package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"calsync/internal/lib/logger/sl"
	"calsync/internal/models"
	"calsync/internal/storage"
	"calsync/internal/storage/sqlite"

	"github.com/stretchr/testify/require"
)

// fakeProvider is an in-memory remote calendar.
type fakeProvider struct {
	calendarID string
	events     map[string]models.Event
	nextID     int

	listErr    error
	block      bool
	repeat     bool // list every event twice
	deleted    []string
	createErrs map[string]error // by title
	updateErrs map[string]error // by external id

	creates []models.Event
	updates []models.Event
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calendarID: "primary",
		events:     make(map[string]models.Event),
		createErrs: make(map[string]error),
		updateErrs: make(map[string]error),
	}
}

// put stores an event as if another client had written it remotely.
func (p *fakeProvider) put(ev models.Event) {
	ev.ID = ""
	ev.Origin = models.OriginRemote
	if ev.CalendarID == "" {
		ev.CalendarID = p.calendarID
	}
	p.events[ev.ExternalID] = ev
}

func (p *fakeProvider) List(ctx context.Context, start, end time.Time) ([]models.Event, error) {
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.listErr != nil {
		return nil, p.listErr
	}
	var out []models.Event
	for _, ev := range p.events {
		if ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if p.repeat {
		out = append(out, out...)
	}
	return out, nil
}

func (p *fakeProvider) Get(ctx context.Context, externalID string) (models.Event, error) {
	ev, ok := p.events[externalID]
	if !ok {
		return models.Event{}, models.ErrNotFound
	}
	return ev, nil
}

func (p *fakeProvider) Create(ctx context.Context, event *models.Event) error {
	if err := p.createErrs[event.Title]; err != nil {
		return err
	}
	p.nextID++
	event.ExternalID = fmt.Sprintf("ext-%d", p.nextID)
	event.CalendarID = p.calendarID
	p.creates = append(p.creates, *event)
	p.put(*event)
	return nil
}

func (p *fakeProvider) Update(ctx context.Context, event models.Event) error {
	if event.ExternalID == "" {
		return errors.New("update without external id")
	}
	if err := p.updateErrs[event.ExternalID]; err != nil {
		return err
	}
	if _, ok := p.events[event.ExternalID]; !ok {
		return models.ErrNotFound
	}
	p.updates = append(p.updates, event)
	p.put(event)
	return nil
}

func (p *fakeProvider) Delete(ctx context.Context, externalID string) error {
	if _, ok := p.events[externalID]; !ok {
		return models.ErrNotFound
	}
	delete(p.events, externalID)
	p.deleted = append(p.deleted, externalID)
	return nil
}

// failingStore fails every Commit.
type failingStore struct {
	*sqlite.Storage
	err error
}

func (s *failingStore) Commit(ctx context.Context, changes storage.ChangeSet) error {
	return s.err
}

// clock is a manually advanced time source.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	engine   *Engine
	provider *fakeProvider
	store    *sqlite.Storage
	clock    *clock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		provider: newFakeProvider(),
		store:    store,
		clock:    &clock{now: time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)},
	}
	opts.Now = h.clock.Now
	h.engine = New(sl.Discard(), h.connect, store, opts)
	return h
}

func (h *harness) connect(ctx context.Context) (Provider, error) {
	return h.provider, nil
}

// sync runs a cycle and advances the clock past it.
func (h *harness) sync(t *testing.T, w Window, state models.SyncState) *Result {
	t.Helper()

	res, err := h.engine.Sync(context.Background(), w, state)
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return res
}

func (h *harness) all(t *testing.T) []models.Event {
	t.Helper()

	events, err := h.store.EventsInRange(context.Background(),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return events
}

func (h *harness) addLocal(t *testing.T, ev models.Event) models.Event {
	t.Helper()

	if ev.ID == "" {
		ev.ID = fmt.Sprintf("local-%d", len(h.all(t))+1)
	}
	if ev.Origin == "" {
		ev.Origin = models.OriginLocal
	}
	ev.UpdatedAt = h.clock.Now()
	require.NoError(t, h.store.Commit(context.Background(), storage.ChangeSet{Inserts: []models.Event{ev}}))
	h.clock.Advance(time.Second)
	return ev
}
