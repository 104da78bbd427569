// Package repository holds the types shared between the engine's storage
// implementations (postgres for production, memory for tests and local runs).
// Business mutations go through a per-project critical section: the storage
// loads the project, hands a ProjectTx to the caller's callback, and commits
// whatever the callback recorded as one atomic unit — including outbox events,
// so notifications can never be emitted for a mutation that did not land.
package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"pragati/internal/model"
)

// Event is an outbox entry recorded alongside a business mutation.
type Event struct {
	RoutingKey string
	Payload    json.RawMessage
}

// ProjectTx is the view handed to a critical-section callback. Project and
// Pending may be mutated in place; mutations only persist when the matching
// Mark* method is called and the callback returns nil.
type ProjectTx struct {
	Project *model.Project
	// Pending is the project's current PENDING update, nil when none exists.
	Pending *model.ProgressUpdate
	// LastApprovedAt is the decision time of the most recent APPROVED update,
	// nil when the project has never had one.
	LastApprovedAt *time.Time

	insert       *model.ProgressUpdate
	decide       *model.ProgressUpdate
	projectDirty bool
	events       []Event
}

// InsertUpdate records a new ledger entry to append on commit.
func (tx *ProjectTx) InsertUpdate(u *model.ProgressUpdate) {
	tx.insert = u
}

// MarkDecided records that the given update's decision fields were filled in
// and must be persisted on commit.
func (tx *ProjectTx) MarkDecided(u *model.ProgressUpdate) {
	tx.decide = u
}

// MarkProjectDirty records that the project row was mutated.
func (tx *ProjectTx) MarkProjectDirty() {
	tx.projectDirty = true
}

// Emit records an outbox event to insert in the same atomic unit as the
// business mutation.
func (tx *ProjectTx) Emit(routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	tx.events = append(tx.events, Event{RoutingKey: routingKey, Payload: body})
	return nil
}

// Mutations returns what the callback recorded; used by storage
// implementations when committing.
func (tx *ProjectTx) Mutations() (insert, decide *model.ProgressUpdate, projectDirty bool, events []Event) {
	return tx.insert, tx.decide, tx.projectDirty, tx.events
}

// TxFunc runs inside a per-project critical section.
type TxFunc func(tx *ProjectTx) error
