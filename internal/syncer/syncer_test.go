package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"calsync/internal/lib/logger/sl"
	"calsync/internal/models"
	"calsync/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	janStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	janEnd   = time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)
	week     = Window{Start: janStart, End: janEnd}
)

func standup() models.Event {
	return models.Event{
		ExternalID: "abc123",
		Title:      "Standup",
		Start:      time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestSync_SingleRemoteEvent(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Changes())
	assert.Equal(t, 1, res.Created)

	events := h.all(t)
	require.Len(t, events, 1)
	assert.Equal(t, "Standup", events[0].Title)
	assert.Equal(t, models.OriginRemote, events[0].Origin)
	assert.Equal(t, "abc123", events[0].ExternalID)
	assert.Equal(t, "primary", events[0].CalendarID)
	assert.False(t, events[0].AllDay)
	assert.NotEmpty(t, events[0].ID)
	require.NotNil(t, res.State.LastSyncAt)
}

func TestSync_Idempotent(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	h.addLocal(t, models.Event{
		Title: "Dentist",
		Start: time.Date(2025, 1, 3, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 3, 15, 0, 0, 0, time.UTC),
	})

	first := h.sync(t, week, models.DefaultSyncState())
	assert.Equal(t, 2, first.Changes())

	before := h.all(t)
	second := h.sync(t, week, first.State)

	assert.Equal(t, 0, second.Changes())
	assert.Equal(t, 2, second.Refreshed)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, before, h.all(t))
}

func TestSync_RoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	local := h.addLocal(t, models.Event{
		Title:          "Planning",
		Location:       "Room 4",
		Start:          time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC),
		RecurrenceRule: "RRULE:FREQ=WEEKLY;BYDAY=MO",
	})

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Changes())
	require.Len(t, h.provider.creates, 1)

	got, err := h.store.Event(context.Background(), local.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", got.ExternalID)
	assert.Equal(t, "primary", got.CalendarID)
	assert.Equal(t, models.OriginRemote, got.Origin)
	assert.Equal(t, local.RecurrenceRule, h.provider.events["ext-1"].RecurrenceRule)

	again := h.sync(t, week, res.State)
	assert.Equal(t, 0, again.Changes())
	assert.Len(t, h.provider.creates, 1, "create must never be repeated")
	assert.Len(t, h.all(t), 1)
}

func TestSync_RemoteDeletion(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	first := h.sync(t, week, models.DefaultSyncState())

	delete(h.provider.events, "abc123")
	res := h.sync(t, week, first.State)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Changes())
	assert.Empty(t, h.all(t))
}

func TestSync_PartialWindowIsNeverDeleted(t *testing.T) {
	h := newHarness(t, Options{})
	crossing := models.Event{
		ExternalID: "late",
		Title:      "Overnight deploy",
		Start:      janEnd.Add(-time.Hour),
		End:        janEnd.Add(time.Hour),
	}
	h.provider.put(crossing)
	first := h.sync(t, week, models.DefaultSyncState())
	require.Equal(t, 1, first.Created)

	delete(h.provider.events, "late")
	res := h.sync(t, week, first.State)

	assert.Equal(t, 0, res.Deleted)
	events := h.all(t)
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].ExternalID)
}

func TestSync_LocalOriginIsNeverDeletedByPull(t *testing.T) {
	h := newHarness(t, Options{})
	h.addLocal(t, models.Event{
		Title: "Offline note",
		Start: time.Date(2025, 1, 4, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 4, 9, 0, 0, 0, time.UTC),
	})

	res := h.sync(t, week, models.DefaultSyncState())
	assert.Equal(t, 0, res.Deleted)
	assert.Len(t, h.all(t), 1)
}

func TestSync_FieldPrecisionDirtyCheck(t *testing.T) {
	h := newHarness(t, Options{})
	ev := standup()
	ev.Location = "Room 1"
	ev.Description = "Daily sync"
	h.provider.put(ev)
	first := h.sync(t, week, models.DefaultSyncState())
	before := h.all(t)[0]

	ev.Location = "Room 2"
	h.provider.put(ev)
	changedAt := h.clock.Now()
	res := h.sync(t, week, first.State)

	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Changes())

	after := h.all(t)[0]
	assert.Equal(t, "Room 2", after.Location)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.Description, after.Description)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, before.Start.Equal(after.Start))
	assert.True(t, after.UpdatedAt.Equal(changedAt))
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
	assert.Equal(t, []string{"location"}, DiffFields(before, after))
}

func TestSync_LocalWithExternalIDIsNotDuplicated(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	h.addLocal(t, models.Event{
		ExternalID: "abc123",
		CalendarID: "primary",
		Title:      "Standup",
		Start:      standup().Start,
		End:        standup().End,
		Origin:     models.OriginLocal,
	})

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 0, res.Created)
	assert.Len(t, h.all(t), 1)
	assert.Empty(t, h.provider.creates)
	require.Len(t, h.provider.updates, 1)
	assert.Equal(t, "abc123", h.provider.updates[0].ExternalID)
}

func TestSync_RemoteWinsOnPull(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	first := h.sync(t, week, models.DefaultSyncState())

	local := h.all(t)[0]
	local.Title = "Standup (moved)"
	local.Origin = models.OriginLocal
	local.UpdatedAt = h.clock.Now()
	require.NoError(t, h.store.Commit(context.Background(), storage.ChangeSet{Updates: []models.Event{local}}))
	h.clock.Advance(time.Second)

	// The remote side still has the old title, so the pull restores it before the push.
	res := h.sync(t, week, first.State)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, "Standup", h.all(t)[0].Title)
}

func TestSync_AuthenticationFailureMutatesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	h.addLocal(t, models.Event{
		Title: "Dentist",
		Start: time.Date(2025, 1, 3, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 3, 15, 0, 0, 0, time.UTC),
	})
	before := h.all(t)

	engine := New(sl.Discard(), func(ctx context.Context) (Provider, error) {
		return nil, errors.New("token expired")
	}, h.store, Options{Now: h.clock.Now})

	last := janStart.Add(-time.Hour)
	state := models.SyncState{LastSyncAt: &last, Enabled: true}
	res, err := engine.Sync(context.Background(), week, state)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthentication))
	assert.Equal(t, 0, res.Changes())
	assert.Equal(t, &last, res.State.LastSyncAt)
	assert.Equal(t, before, h.all(t))
}

func TestSync_ListFailureStopsCycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.addLocal(t, models.Event{
		Title: "Dentist",
		Start: time.Date(2025, 1, 3, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 3, 15, 0, 0, 0, time.UTC),
	})
	h.provider.listErr = errors.New("503 backend error")

	res, err := h.engine.Sync(context.Background(), week, models.DefaultSyncState())

	require.Error(t, err)
	assert.True(t, IsKind(err, KindProvider))
	assert.Nil(t, res.State.LastSyncAt)
	assert.Empty(t, h.provider.creates)
	assert.Empty(t, h.all(t)[0].ExternalID)
}

func TestSync_CallTimeoutIsProviderError(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 20 * time.Millisecond})
	h.provider.block = true

	_, err := h.engine.Sync(context.Background(), week, models.DefaultSyncState())

	require.Error(t, err)
	assert.True(t, IsKind(err, KindProvider))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSync_CommitFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())

	commitErr := errors.New("disk I/O error")
	engine := New(sl.Discard(), h.connect, &failingStore{Storage: h.store, err: commitErr}, Options{Now: h.clock.Now})

	res, err := engine.Sync(context.Background(), week, models.DefaultSyncState())

	require.Error(t, err)
	assert.True(t, IsKind(err, KindStore))
	assert.ErrorIs(t, err, commitErr)
	assert.Nil(t, res.State.LastSyncAt)
	assert.Equal(t, 0, res.Changes())
	assert.Empty(t, h.provider.updates)
}

func TestRun_WriteBackFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.addLocal(t, models.Event{
		Title: "Lunch",
		Start: time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 2, 13, 0, 0, 0, time.UTC),
	})

	commitErr := errors.New("database is locked")
	engine := New(sl.Discard(), h.connect, &failingStore{Storage: h.store, err: commitErr},
		Options{Account: "work", Now: h.clock.Now})

	res, err := engine.Run(context.Background(), h.store, week)

	require.Error(t, err)
	assert.True(t, IsKind(err, KindStore))
	assert.ErrorIs(t, err, commitErr)
	assert.Nil(t, res.State.LastSyncAt)

	state, err := h.store.SyncState(context.Background(), "work")
	require.NoError(t, err)
	assert.Nil(t, state.LastSyncAt, "watermark must not advance")

	require.Len(t, h.provider.creates, 1)
	assert.Equal(t, []string{"ext-1"}, h.provider.deleted, "remote create is undone")
	assert.Empty(t, h.provider.events)

	events := h.all(t)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ExternalID)

	// The next healthy cycle pushes the event exactly once.
	res = h.sync(t, week, models.DefaultSyncState())
	assert.Equal(t, 1, res.Pushed)
	assert.Len(t, h.provider.events, 1)
}

func TestSync_RepeatedListingIsProcessedOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	h.provider.repeat = true

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Changes())
	events := h.all(t)
	require.Len(t, events, 1)
	assert.Equal(t, "abc123", events[0].ExternalID)

	again := h.sync(t, week, res.State)
	assert.Equal(t, 0, again.Changes())
	assert.Len(t, h.all(t), 1)
}

func TestSync_PushFailureIsSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	bad := h.addLocal(t, models.Event{
		Title: "Broken",
		Start: time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC),
	})
	good := h.addLocal(t, models.Event{
		Title: "Fine",
		Start: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 2, 11, 0, 0, 0, time.UTC),
	})
	h.provider.createErrs["Broken"] = errors.New("400 invalid event")

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Changes())
	require.NotNil(t, res.State.LastSyncAt)

	got, err := h.store.Event(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ExternalID)
	assert.Equal(t, models.OriginLocal, got.Origin)

	got, err = h.store.Event(context.Background(), good.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExternalID)

	// The next cycle retries the failed create once the provider accepts it.
	delete(h.provider.createErrs, "Broken")
	again := h.sync(t, week, res.State)
	assert.Equal(t, 1, again.Pushed)
	assert.Len(t, h.provider.creates, 2)
}

func TestSync_UpdateFailureIsSkipped(t *testing.T) {
	h := newHarness(t, Options{})
	h.provider.put(standup())
	h.provider.updateErrs["abc123"] = errors.New("429 rate limited")

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Changes())
	assert.NotNil(t, res.State.LastSyncAt)
}

func TestSync_InvalidWindow(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.engine.Sync(context.Background(), Window{Start: janEnd, End: janStart}, models.DefaultSyncState())
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestSync_DryRunChangesNothing(t *testing.T) {
	h := newHarness(t, Options{DryRun: true})
	h.provider.put(standup())
	h.addLocal(t, models.Event{
		Title: "Dentist",
		Start: time.Date(2025, 1, 3, 14, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 3, 15, 0, 0, 0, time.UTC),
	})

	res := h.sync(t, week, models.DefaultSyncState())

	assert.Equal(t, 1, res.Created)
	assert.Nil(t, res.State.LastSyncAt)
	assert.Len(t, h.all(t), 1)
	assert.Empty(t, h.provider.creates)
	assert.Empty(t, h.provider.updates)
}

func TestRun_PersistsWatermark(t *testing.T) {
	h := newHarness(t, Options{Account: "personal"})
	h.provider.put(standup())
	ctx := context.Background()

	res, err := h.engine.Run(ctx, h.store, week)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Changes())

	state, err := h.store.SyncState(ctx, "personal")
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncAt)
	assert.True(t, state.LastSyncAt.Equal(*res.State.LastSyncAt))
}

func TestRun_FailureKeepsWatermark(t *testing.T) {
	h := newHarness(t, Options{Account: "personal"})
	ctx := context.Background()

	last := janStart
	require.NoError(t, h.store.SaveSyncState(ctx, "personal", models.SyncState{LastSyncAt: &last, Enabled: true}))
	h.provider.listErr = errors.New("connection reset")

	_, err := h.engine.Run(ctx, h.store, week)
	require.Error(t, err)

	state, err := h.store.SyncState(ctx, "personal")
	require.NoError(t, err)
	require.NotNil(t, state.LastSyncAt)
	assert.True(t, state.LastSyncAt.Equal(last))
}

func TestRun_Disabled(t *testing.T) {
	h := newHarness(t, Options{Account: "personal"})
	h.provider.put(standup())
	ctx := context.Background()
	require.NoError(t, h.store.SetEnabled(ctx, "personal", false))

	_, err := h.engine.Run(ctx, h.store, week)

	assert.ErrorIs(t, err, ErrSyncDisabled)
	assert.Empty(t, h.all(t))
}
