package models

// Link describes how a record relates to the remote calendar.
// It is one of Unsynced, Synced or RemoteOnly.
type Link interface {
	isLink()
}

// Unsynced is a local record that has never been pushed.
type Unsynced struct {
	LocalID string
}

// Synced is a record known on both sides. Any record carrying an external id
// is Synced, whatever its origin tag says.
type Synced struct {
	LocalID    string
	ExternalID string
	CalendarID string
}

// RemoteOnly is an event read from a provider with no local record yet.
type RemoteOnly struct {
	ExternalID string
}

func (Unsynced) isLink()   {}
func (Synced) isLink()     {}
func (RemoteOnly) isLink() {}

// Classify returns the link state of an event.
func Classify(e Event) Link {
	switch {
	case e.ID == "":
		return RemoteOnly{ExternalID: e.ExternalID}
	case e.Linked():
		return Synced{LocalID: e.ID, ExternalID: e.ExternalID, CalendarID: e.CalendarID}
	default:
		return Unsynced{LocalID: e.ID}
	}
}

// LinkName returns a short human-readable name for a link state.
func LinkName(l Link) string {
	switch l.(type) {
	case Unsynced:
		return "unsynced"
	case Synced:
		return "synced"
	case RemoteOnly:
		return "remote-only"
	default:
		return "unknown"
	}
}
