// Package plow is an event sourcing and CQRS toolkit. It appends domain
// events onto an immutable event log, rebuilds aggregates from their event
// streams, enforces invariants inside the append transaction and keeps
// projections synchronized with the log.
//
// Events are immutable records of something that happened in the domain.
// Event types embed EventMetadata and are registered by name:
//
//	type TaskCreated struct {
//		plow.EventMetadata
//
//		Description string `json:"description"`
//	}
//
//	func init() { plow.MustRegisterEventType[*TaskCreated]("task-created") }
//
// Aggregates embed AggregateRoot and change state only by applying events.
// Command methods validate their input and call Raise, which applies the
// event and records it as pending until the aggregate is saved.
//
// A Repository saves an aggregate's pending events onto its stream and
// rebuilds aggregates by replaying their streams. Saving an aggregate with
// no pending events fails with ErrNoPendingEvents, while a successful save
// returns the appended events.
//
// Projections turn the event log into read models. A Guard vetoes events
// inside the append transaction, a StatefulProjection maintains an external
// read model using a two-phase commit and a Projection is updated
// asynchronously by the dispatcher started with Engine.Listen.
package plow
