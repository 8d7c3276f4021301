package storage

import (
	"errors"

	"calsync/internal/models"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrEventExists   = errors.New("event with this external id already exists")
)

// ChangeSet is a batch of event mutations persisted as a single unit.
type ChangeSet struct {
	Inserts []models.Event
	Updates []models.Event
	Deletes []string // local ids
}

// Len returns the number of mutations in the set.
func (c ChangeSet) Len() int {
	return len(c.Inserts) + len(c.Updates) + len(c.Deletes)
}
