package syncer

import (
	"time"

	"calsync/internal/models"
)

// DiffFields returns the names of the synced fields that differ between a
// local record and its remote counterpart. Times are compared as instants.
func DiffFields(local, remote models.Event) []string {
	var diff []string
	if local.Title != remote.Title {
		diff = append(diff, "title")
	}
	if local.Description != remote.Description {
		diff = append(diff, "description")
	}
	if local.Location != remote.Location {
		diff = append(diff, "location")
	}
	if !local.Start.Equal(remote.Start) {
		diff = append(diff, "start")
	}
	if !local.End.Equal(remote.End) {
		diff = append(diff, "end")
	}
	if local.AllDay != remote.AllDay {
		diff = append(diff, "all_day")
	}
	if local.RecurrenceRule != remote.RecurrenceRule {
		diff = append(diff, "recurrence_rule")
	}
	if local.CalendarID != remote.CalendarID {
		diff = append(diff, "calendar_id")
	}
	return diff
}

// Dirty reports whether any synced field differs.
func Dirty(local, remote models.Event) bool {
	return len(DiffFields(local, remote)) > 0
}

// overwrite replaces every synced field of local with the remote values.
// Identity fields (ID, ExternalID) are kept.
func overwrite(local, remote models.Event, now time.Time) models.Event {
	local.Title = remote.Title
	local.Description = remote.Description
	local.Location = remote.Location
	local.Start = remote.Start
	local.End = remote.End
	local.AllDay = remote.AllDay
	local.RecurrenceRule = remote.RecurrenceRule
	local.CalendarID = remote.CalendarID
	local.Origin = models.OriginRemote
	local.UpdatedAt = now
	return local
}
