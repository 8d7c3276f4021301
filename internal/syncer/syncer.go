package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"calsync/internal/lib/logger/sl"
	"calsync/internal/models"
	"calsync/internal/storage"

	"github.com/google/uuid"
)

// Provider is the remote calendar a local store is kept in agreement with.
// None of the operations is idempotent.
type Provider interface {
	// List returns the remote events overlapping [start, end).
	List(ctx context.Context, start, end time.Time) ([]models.Event, error)
	// Get returns models.ErrNotFound if the event does not exist.
	Get(ctx context.Context, externalID string) (models.Event, error)
	// Create pushes a new event and sets its ExternalID and CalendarID on success.
	Create(ctx context.Context, event *models.Event) error
	// Update requires event.ExternalID to be set.
	Update(ctx context.Context, event models.Event) error
	Delete(ctx context.Context, externalID string) error
}

// Connector returns an authenticated provider handle.
type Connector func(ctx context.Context) (Provider, error)

// Store is the local event store.
type Store interface {
	// EventsInRange returns local events overlapping [start, end).
	EventsInRange(ctx context.Context, start, end time.Time) ([]models.Event, error)
	EventsByOrigin(ctx context.Context, origin models.Origin) ([]models.Event, error)
	// Commit persists all changes atomically.
	Commit(ctx context.Context, changes storage.ChangeSet) error
}

// StateTracker persists the per-account SyncState.
type StateTracker interface {
	SyncState(ctx context.Context, account string) (models.SyncState, error)
	SaveSyncState(ctx context.Context, account string, state models.SyncState) error
}

// Options tune an Engine.
type Options struct {
	// Account names the SyncState row used by Run.
	Account string
	// CallTimeout bounds every provider call. Zero means no per-call bound.
	CallTimeout time.Duration
	// DryRun logs what would change without writing locally or remotely.
	DryRun bool
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Result summarises one sync cycle.
type Result struct {
	Created int // local inserts from the remote listing
	Updated int // local records overwritten from the remote side
	Deleted int // local records removed because they vanished remotely
	Pushed  int // successful remote creates, and updates of locally edited records
	// Refreshed counts successful updates of records with no local edit since
	// the previous watermark. They are not reported as changes.
	Refreshed int
	Failed    int // push attempts that failed and were skipped

	// State is the SyncState after the cycle. LastSyncAt only advances when
	// the cycle completes without a fatal error.
	State models.SyncState
}

// Changes returns the total number of changes made by the cycle.
func (r *Result) Changes() int {
	return r.Created + r.Updated + r.Deleted + r.Pushed
}

// Engine runs bidirectional sync cycles between a Store and a Provider.
// It holds no locks: callers must not run two cycles for the same account at once.
type Engine struct {
	logger  *slog.Logger
	connect Connector
	store   Store
	opts    Options
}

// New creates a new Engine.
func New(logger *slog.Logger, connect Connector, store Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		logger:  logger,
		connect: connect,
		store:   store,
		opts:    opts,
	}
}

// Run loads the account's SyncState from tracker, performs one cycle and
// persists the advanced state.
func (e *Engine) Run(ctx context.Context, tracker StateTracker, w Window) (*Result, error) {
	state, err := tracker.SyncState(ctx, e.opts.Account)
	if err != nil {
		return &Result{}, storeError("load sync state", err)
	}
	if !state.Enabled {
		return &Result{State: state}, ErrSyncDisabled
	}

	res, err := e.Sync(ctx, w, state)
	if err != nil {
		return res, err
	}
	if e.opts.DryRun {
		return res, nil
	}

	if err := tracker.SaveSyncState(ctx, e.opts.Account, res.State); err != nil {
		return res, storeError("save sync state", err)
	}
	return res, nil
}

// Sync performs a full pull, reconcile and push cycle over the window.
// The returned Result is never nil.
func (e *Engine) Sync(ctx context.Context, w Window, state models.SyncState) (*Result, error) {
	res := &Result{State: state}
	if err := w.Validate(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	// A started cycle always runs to completion; per-call timeouts still apply.
	ctx = context.WithoutCancel(ctx)

	e.logger.Info("Starting sync cycle.", "start", w.Start, "end", w.End, "dryRun", e.opts.DryRun)

	provider, err := e.connect(ctx)
	if err != nil {
		return res, authError("connect", err)
	}

	changes, pulled, err := e.pull(ctx, provider, w, res)
	if err != nil {
		return res, err
	}

	if e.opts.DryRun {
		e.logDryRun(ctx, w, changes)
		return res, nil
	}

	if changes.Len() > 0 {
		if err := e.store.Commit(ctx, changes); err != nil {
			res.Created, res.Updated, res.Deleted = 0, 0, 0
			return res, storeError("commit", err)
		}
	}
	e.logger.Info("Pull phase committed.", "created", res.Created, "updated", res.Updated, "deleted", res.Deleted)

	if err := e.push(ctx, provider, w, state, pulled, res); err != nil {
		return res, err
	}

	now := e.opts.Now()
	res.State.LastSyncAt = &now

	e.logger.Info("Sync cycle finished.",
		"changes", res.Changes(),
		"pushed", res.Pushed,
		"refreshed", res.Refreshed,
		"failed", res.Failed,
	)
	return res, nil
}

// pull lists the remote window, diffs it against local records and plans
// remote-deletion propagation. It returns the planned changes and the set of
// local ids touched by them.
func (e *Engine) pull(ctx context.Context, provider Provider, w Window, res *Result) (storage.ChangeSet, map[string]struct{}, error) {
	var changes storage.ChangeSet
	pulled := make(map[string]struct{})

	var remote []models.Event
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		remote, err = provider.List(ctx, w.Start, w.End)
		return err
	})
	if err != nil {
		return changes, pulled, providerError("list", err)
	}
	e.logger.Info("Fetched remote events.", "count", len(remote))

	index, err := e.linkedIndex(ctx)
	if err != nil {
		return changes, pulled, storeError("index local events", err)
	}

	sortEvents(remote)
	now := e.opts.Now()
	seen := make(map[string]struct{}, len(remote))

	for _, r := range remote {
		if r.ExternalID == "" {
			e.logger.Warn("Remote event has no external id, skipping.", "title", r.Title)
			continue
		}
		if _, dup := seen[r.ExternalID]; dup {
			e.logger.Debug("Remote event listed twice, skipping.", "externalID", r.ExternalID)
			continue
		}
		seen[r.ExternalID] = struct{}{}

		local, ok := index[r.ExternalID]
		if !ok {
			inserted := r
			inserted.ID = uuid.New().String()
			inserted.Origin = models.OriginRemote
			inserted.UpdatedAt = now
			changes.Inserts = append(changes.Inserts, inserted)
			pulled[inserted.ID] = struct{}{}
			res.Created++
			e.logger.Debug("New remote event.", "title", r.Title, "externalID", r.ExternalID)
			continue
		}

		if !Dirty(local, r) {
			continue
		}
		changes.Updates = append(changes.Updates, overwrite(local, r, now))
		pulled[local.ID] = struct{}{}
		res.Updated++
		e.logger.Debug("Remote event changed.", "title", r.Title, "externalID", r.ExternalID, "fields", DiffFields(local, r))
	}

	for _, local := range sortedValues(index) {
		if local.Origin != models.OriginRemote {
			continue
		}
		if _, ok := seen[local.ExternalID]; ok {
			continue
		}
		// Events cut by a window edge may still exist remotely.
		if !local.Within(w.Start, w.End) {
			continue
		}
		changes.Deletes = append(changes.Deletes, local.ID)
		pulled[local.ID] = struct{}{}
		res.Deleted++
		e.logger.Debug("Remote event deleted.", "title", local.Title, "externalID", local.ExternalID)
	}

	return changes, pulled, nil
}

// linkedIndex maps external ids to local records. Local-origin records that
// already carry an external id are included so they are never duplicated.
func (e *Engine) linkedIndex(ctx context.Context) (map[string]models.Event, error) {
	index := make(map[string]models.Event)
	for _, origin := range []models.Origin{models.OriginRemote, models.OriginLocal} {
		events, err := e.store.EventsByOrigin(ctx, origin)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if !ev.Linked() {
				continue
			}
			if prev, ok := index[ev.ExternalID]; ok && prev.Origin == models.OriginRemote {
				continue
			}
			index[ev.ExternalID] = ev
		}
	}
	return index, nil
}

// push sends every local event overlapping the window to the provider.
// Individual failures are logged and skipped.
func (e *Engine) push(ctx context.Context, provider Provider, w Window, state models.SyncState, pulled map[string]struct{}, res *Result) error {
	events, err := e.store.EventsInRange(ctx, w.Start, w.End)
	if err != nil {
		return storeError("read local events", err)
	}
	sortEvents(events)

	for _, ev := range events {
		switch link := models.Classify(ev).(type) {
		case models.Synced:
			err := e.call(ctx, func(ctx context.Context) error {
				return provider.Update(ctx, ev)
			})
			if err != nil {
				res.Failed++
				e.logger.Error("Failed to push event update", "title", ev.Title, "externalID", link.ExternalID, sl.Err(err))
				continue
			}
			if _, ok := pulled[ev.ID]; !ok && editedSince(ev, state) {
				res.Pushed++
			} else {
				res.Refreshed++
			}

		case models.Unsynced:
			created := ev
			err := e.call(ctx, func(ctx context.Context) error {
				return provider.Create(ctx, &created)
			})
			if err == nil && created.ExternalID == "" {
				err = errors.New("provider returned no external id")
			}
			if err != nil {
				res.Failed++
				e.logger.Error("Failed to push new event", "title", ev.Title, "id", link.LocalID, sl.Err(err))
				continue
			}

			ev.ExternalID = created.ExternalID
			ev.CalendarID = created.CalendarID
			ev.Origin = models.OriginRemote
			if err := e.store.Commit(ctx, storage.ChangeSet{Updates: []models.Event{ev}}); err != nil {
				e.rollbackCreate(ctx, provider, ev)
				return storeError(fmt.Sprintf("record external id %s", ev.ExternalID), err)
			}
			res.Pushed++
			e.logger.Info("Created event remotely.", "title", ev.Title, "externalID", ev.ExternalID)
		}
	}
	return nil
}

// rollbackCreate removes a remote event whose id could not be recorded
// locally. Otherwise the next cycle would pull it as a new record and push
// the unsynced original again.
func (e *Engine) rollbackCreate(ctx context.Context, provider Provider, ev models.Event) {
	err := e.call(ctx, func(ctx context.Context) error {
		return provider.Delete(ctx, ev.ExternalID)
	})
	if err != nil {
		e.logger.Error("Failed to remove remote event after local write failed",
			"title", ev.Title, "externalID", ev.ExternalID, sl.Err(err))
		return
	}
	e.logger.Warn("Removed remote event after local write failed.", "title", ev.Title, "externalID", ev.ExternalID)
}

// logDryRun reports the planned pull changes and the push intents.
func (e *Engine) logDryRun(ctx context.Context, w Window, changes storage.ChangeSet) {
	for _, ev := range changes.Inserts {
		e.logger.Info("[DRY RUN] Would insert remote event locally", "title", ev.Title, "externalID", ev.ExternalID)
	}
	for _, ev := range changes.Updates {
		e.logger.Info("[DRY RUN] Would overwrite local event from remote", "title", ev.Title, "externalID", ev.ExternalID)
	}
	for _, id := range changes.Deletes {
		e.logger.Info("[DRY RUN] Would delete local event", "id", id)
	}

	events, err := e.store.EventsInRange(ctx, w.Start, w.End)
	if err != nil {
		e.logger.Error("Failed to read local events for dry run", sl.Err(err))
		return
	}
	for _, ev := range events {
		switch models.Classify(ev).(type) {
		case models.Unsynced:
			e.logger.Info("[DRY RUN] Would create event remotely", "title", ev.Title, "startTime", ev.Start)
		case models.Synced:
			e.logger.Debug("[DRY RUN] Would update event remotely", "title", ev.Title, "externalID", ev.ExternalID)
		}
	}
}

// call runs a provider operation under the per-call timeout.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return fn(ctx)
}

// editedSince reports whether the record was mutated locally after the
// previous watermark.
func editedSince(ev models.Event, state models.SyncState) bool {
	if state.LastSyncAt == nil {
		return true
	}
	return ev.UpdatedAt.After(*state.LastSyncAt)
}

// sortEvents orders events by start time, then by external and local id.
func sortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		return a.ID < b.ID
	})
}

func sortedValues(index map[string]models.Event) []models.Event {
	events := make([]models.Event, 0, len(index))
	for _, ev := range index {
		events = append(events, ev)
	}
	sortEvents(events)
	return events
}
