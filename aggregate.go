package plow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrEmptyAggregateID     = errors.New("empty aggregate id")
	ErrAggregateInitialized = errors.New("aggregate already initialized")
	ErrNilEvent             = errors.New("nil event")
)

// NewID returns a new random identifier suitable for aggregates and events.
func NewID() string { return uuid.NewString() }

// AggregateRoot must be embedded by every aggregate type.
// It tracks the aggregate's identity, its stream version and the events
// raised since it was last saved.
//
//	type Task struct {
//		plow.AggregateRoot
//
//		description string
//	}
//
//	func (t *Task) Apply(e plow.Event) error { ... }
type AggregateRoot struct {
	id               string
	version          int64
	persistedVersion int64
	pending          []Event
}

func (r *AggregateRoot) root() *AggregateRoot { return r }

// ID returns the identity of the aggregate, which is also its stream id.
func (r *AggregateRoot) ID() string { return r.id }

// Version returns the stream version of the last applied event,
// including pending ones.
func (r *AggregateRoot) Version() int64 { return r.version }

// PersistedVersion returns the stream version of the last saved event.
func (r *AggregateRoot) PersistedVersion() int64 { return r.persistedVersion }

// PendingEvents returns a copy of the events raised since the last save.
func (r *AggregateRoot) PendingEvents() []Event {
	if len(r.pending) == 0 {
		return nil
	}
	return append([]Event(nil), r.pending...)
}

// HasPendingEvents reports whether there's anything to save.
func (r *AggregateRoot) HasPendingEvents() bool { return len(r.pending) > 0 }

func (r *AggregateRoot) markCommitted() {
	r.persistedVersion = r.version
	r.pending = nil
}

// Aggregate is a domain object guarding invariants whose state changes
// only by applying domain events.
type Aggregate interface {
	root() *AggregateRoot

	ID() string
	Version() int64

	// Apply mutates the aggregate's state according to e.
	// Apply is used both when raising new events and when replaying
	// persisted ones, so it must be deterministic and free of side effects.
	Apply(e Event) error
}

// Init assigns id to a new aggregate.
func Init(a Aggregate, id string) error {
	r := a.root()
	switch {
	case id == "":
		return ErrEmptyAggregateID
	case r.version > 0:
		return fmt.Errorf("%w: %q at version %d", ErrAggregateInitialized, r.id, r.version)
	}
	r.id = id
	return nil
}

// Raise applies e onto a and records it as pending.
// e is stamped with the aggregate's id and next stream version.
// If Apply fails the aggregate remains unchanged and the error is returned.
func Raise(a Aggregate, e Event) error {
	if e == nil {
		return ErrNilEvent
	}
	r := a.root()
	if r.id == "" {
		return ErrEmptyAggregateID
	}
	m := e.metadata()
	m.streamID, m.streamVersion = r.id, r.version+1
	if err := a.Apply(e); err != nil {
		m.streamID, m.streamVersion = "", 0
		return err
	}
	r.version++
	r.pending = append(r.pending, e)
	return nil
}

// replay applies a persisted event without recording it as pending.
func replay(a Aggregate, e Event) error {
	r := a.root()
	if want := r.version + 1; e.StreamVersion() != want {
		return fmt.Errorf("replaying %q: expected stream version %d, got %d",
			r.id, want, e.StreamVersion())
	}
	if err := a.Apply(e); err != nil {
		return fmt.Errorf("applying event %d (%s) to %q: %w",
			e.StreamVersion(), e.Name(), r.id, err)
	}
	r.version = e.StreamVersion()
	r.persistedVersion = r.version
	return nil
}
