package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/models"
	"calsync/internal/storage"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStorage creates a database in a temporary directory.
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEvent(start time.Time, d time.Duration) models.Event {
	return models.Event{
		ID:          gofakeit.UUID(),
		Title:       gofakeit.Sentence(3),
		Description: gofakeit.Paragraph(1, 2, 5, " "),
		Location:    gofakeit.City(),
		Start:       start,
		End:         start.Add(d),
		Origin:      models.OriginLocal,
		UpdatedAt:   start,
	}
}

func TestCommitAndQueryRange(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	day := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	inside := newEvent(day, 30*time.Minute)
	crossing := newEvent(day.AddDate(0, 0, 6), 48*time.Hour)
	outside := newEvent(day.AddDate(0, 1, 0), time.Hour)

	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Inserts: []models.Event{inside, crossing, outside}}))

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.EventsInRange(ctx, start, start.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, inside.ID, got[0].ID)
	assert.Equal(t, crossing.ID, got[1].ID)

	assert.Equal(t, inside.Title, got[0].Title)
	assert.Equal(t, inside.Description, got[0].Description)
	assert.Equal(t, inside.Location, got[0].Location)
	assert.True(t, inside.Start.Equal(got[0].Start))
	assert.True(t, inside.End.Equal(got[0].End))
	assert.Empty(t, got[0].ExternalID)
}

func TestTimesKeepOffset(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	zone := time.FixedZone("", 2*60*60)
	ev := newEvent(time.Date(2025, 3, 4, 10, 0, 0, 0, zone), time.Hour)
	ev.AllDay = true
	ev.RecurrenceRule = "RRULE:FREQ=WEEKLY;BYDAY=TU\nEXDATE:20250311T080000Z"
	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Inserts: []models.Event{ev}}))

	got, err := s.Event(ctx, ev.ID)
	require.NoError(t, err)

	_, offset := got.Start.Zone()
	assert.Equal(t, 2*60*60, offset)
	assert.True(t, got.AllDay)
	assert.Equal(t, ev.RecurrenceRule, got.RecurrenceRule)
}

func TestEventsByOrigin(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	now := time.Now().UTC().Truncate(time.Second)
	local := newEvent(now, time.Hour)
	remote := newEvent(now, time.Hour)
	remote.Origin = models.OriginRemote
	remote.ExternalID = "ext-1"
	remote.CalendarID = "primary"

	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Inserts: []models.Event{local, remote}}))

	got, err := s.EventsByOrigin(ctx, models.OriginRemote)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ext-1", got[0].ExternalID)
	assert.Equal(t, "primary", got[0].CalendarID)

	got, err = s.EventsByOrigin(ctx, models.OriginLocal)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, local.ID, got[0].ID)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	now := time.Now().UTC()
	existing := newEvent(now, time.Hour)
	existing.ExternalID = "dup"
	existing.Origin = models.OriginRemote
	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Inserts: []models.Event{existing}}))

	fresh := newEvent(now, time.Hour)
	clash := newEvent(now, time.Hour)
	clash.ExternalID = "dup"
	clash.Origin = models.OriginRemote

	err := s.Commit(ctx, storage.ChangeSet{
		Inserts: []models.Event{fresh, clash},
		Deletes: []string{existing.ID},
	})
	require.ErrorIs(t, err, storage.ErrEventExists)

	_, err = s.Event(ctx, fresh.ID)
	assert.ErrorIs(t, err, storage.ErrEventNotFound)
	_, err = s.Event(ctx, existing.ID)
	assert.NoError(t, err)
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	ev := newEvent(time.Now().UTC(), time.Hour)
	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Inserts: []models.Event{ev}}))

	ev.ExternalID = "ext-9"
	ev.Origin = models.OriginRemote
	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Updates: []models.Event{ev}}))

	got, err := s.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-9", got.ExternalID)
	assert.Equal(t, models.OriginRemote, got.Origin)

	missing := newEvent(time.Now().UTC(), time.Hour)
	err = s.Commit(ctx, storage.ChangeSet{Updates: []models.Event{missing}})
	assert.ErrorIs(t, err, storage.ErrEventNotFound)

	require.NoError(t, s.Commit(ctx, storage.ChangeSet{Deletes: []string{ev.ID}}))
	_, err = s.Event(ctx, ev.ID)
	assert.ErrorIs(t, err, storage.ErrEventNotFound)
}

func TestSyncState(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	state, err := s.SyncState(ctx, "personal")
	require.NoError(t, err)
	assert.Nil(t, state.LastSyncAt)
	assert.True(t, state.Enabled)

	last := time.Date(2025, 1, 8, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveSyncState(ctx, "personal", models.SyncState{LastSyncAt: &last, Enabled: true}))
	require.NoError(t, s.SetEnabled(ctx, "personal", false))

	state, err = s.SyncState(ctx, "personal")
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncAt)
	assert.True(t, last.Equal(*state.LastSyncAt))
	assert.False(t, state.Enabled)

	other, err := s.SyncState(ctx, "work")
	require.NoError(t, err)
	assert.Nil(t, other.LastSyncAt)
}
