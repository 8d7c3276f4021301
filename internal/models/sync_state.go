package models

import "time"

// SyncState is the watermark of one account plus its enable flag.
type SyncState struct {
	LastSyncAt *time.Time
	Enabled    bool
}

// DefaultSyncState is the state of an account that has never synced.
func DefaultSyncState() SyncState {
	return SyncState{Enabled: true}
}

// Staleness returns how long ago the last successful sync completed.
// It returns false if the account has never synced.
func (s SyncState) Staleness(now time.Time) (time.Duration, bool) {
	if s.LastSyncAt == nil {
		return 0, false
	}
	return now.Sub(*s.LastSyncAt), true
}
