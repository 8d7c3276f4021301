package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by calendar providers when an event does not exist remotely.
var ErrNotFound = errors.New("event not found")

// Origin marks which side was authoritative for the record's last write.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID             string    // Local identifier, assigned at creation and never changed
	ExternalID     string    // Identifier assigned by the remote provider, empty until first push
	CalendarID     string    // Remote calendar the event belongs to, empty for never-pushed events
	Title          string    // Summary or title of the event
	Description    string    // Detailed description of the event
	Location       string    // Location of the event
	Start          time.Time // Start time of the event
	End            time.Time // End time of the event
	AllDay         bool      // Start and End carry date-only semantics
	RecurrenceRule string    // Opaque recurrence rule, preserved verbatim
	Origin         Origin    // Side considered authoritative for the last write
	UpdatedAt      time.Time // Last local mutation
}

// Linked reports whether the event has been pushed at least once.
func (e Event) Linked() bool {
	return e.ExternalID != ""
}

// Within reports whether the event lies fully inside [start, end).
func (e Event) Within(start, end time.Time) bool {
	return !e.Start.Before(start) && !e.End.After(end)
}

// Overlaps reports whether the event intersects [start, end).
func (e Event) Overlaps(start, end time.Time) bool {
	return e.Start.Before(end) && e.End.After(start)
}
