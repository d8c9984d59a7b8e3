// Package db defines the storage interfaces the plow engine relies on.
package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionMismatch is returned by Writer.AppendEvents when the assumed
	// system version doesn't match the actual version of the event log.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrStreamVersionMismatch is returned by Writer.AppendEvents when the
	// expected stream version doesn't match the stream's latest version.
	ErrStreamVersionMismatch = errors.New("stream version mismatch")

	// ErrEventNotFound is returned when no event exists at or after a version.
	ErrEventNotFound = errors.New("event not found")
)

// AnyStreamVersion disables the stream version check in AppendEvents.
const AnyStreamVersion int64 = -1

// Event is the stored representation of a domain event.
type Event struct {
	// Version is the position of the event in the global log, starting at 1.
	Version int64

	// ID is the globally unique event identifier (UUID).
	ID string

	// StreamID identifies the aggregate the event belongs to.
	// Empty for events that belong to no stream.
	StreamID string

	// StreamVersion is the position of the event in its stream, starting at 1.
	// Zero when StreamID is empty.
	StreamVersion int64

	// Payload contains arbitrary event data in JSON format.
	Payload  string
	TypeName string

	// Time is the time the event was produced.
	Time time.Time

	// RevisionVCS is the version control system revision of the event writer.
	RevisionVCS string
}

type Reader interface {
	ReadEventAtVersion(ctx context.Context, version int64) (Event, error)

	// ReadEventAfterVersion returns the first event with a version greater
	// than afterVersion or ErrEventNotFound.
	ReadEventAfterVersion(ctx context.Context, afterVersion int64) (Event, error)

	ReadSystemVersion(ctx context.Context) (version int64, err error)
	ReadProjectionVersion(ctx context.Context, id int32) (version int64, err error)

	// ReadEvents fills buffer with events starting at atVersion, descending
	// if reverse is true.
	ReadEvents(
		ctx context.Context, atVersion int64, reverse bool, buffer []Event,
	) (read int, err error)

	// ReadStreamVersion returns the latest version of stream or 0 if the
	// stream has no events.
	ReadStreamVersion(ctx context.Context, streamID string) (version int64, err error)

	// ReadStream fills buffer with the events of stream that have a stream
	// version greater than afterStreamVersion, in ascending order.
	ReadStream(
		ctx context.Context, streamID string, afterStreamVersion int64, buffer []Event,
	) (read int, err error)
}

type Writer interface {
	// InitProjectionVersion prepares the projection version associated with id for use.
	// If this entry doesn't exist yet then it sets version 0.
	InitProjectionVersion(ctx context.Context, id int32) (version int64, err error)

	// SetProjectionVersion sets the projection associated with id to version.
	SetProjectionVersion(ctx context.Context, id int32, version int64) error

	// AppendEvents appends events onto the immutable event log assuming the
	// log's version equals assumedVersion, otherwise returns ErrVersionMismatch.
	// Event versions are assigned contiguously starting at assumedVersion+1.
	// All events must share one StreamID. Unless expectedStreamVersion is
	// AnyStreamVersion the stream's latest version must equal it, otherwise
	// ErrStreamVersionMismatch is returned.
	// Returns the version of the last appended event.
	AppendEvents(
		ctx context.Context,
		assumedVersion, expectedStreamVersion int64,
		events []Event,
	) (version int64, err error)
}

// TxRW is a read-write transaction.
type TxRW interface {
	Reader
	Writer
}

// TxReadOnly is a read-only transaction.
type TxReadOnly interface {
	Reader
}

// Listener is listening for event insertion notification.
// This interface may be implemented optionally. If not implemented
// the engine relies on polling and local append notifications.
type Listener interface {
	// ListenEventInserted calls onReady once it's listening and onEventInserted every
	// time a new event was appended onto the event log.
	ListenEventInserted(
		ctx context.Context,
		onReady func(),
		onEventInserted func(version int64) error,
	) error
}

type DB interface {
	// TxReadOnly starts a read-only transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	TxReadOnly(
		ctx context.Context,
		fn func(ctx context.Context, tx TxReadOnly) error,
	) error

	// TxRW starts a read-write transaction and commits it if fn returns no error.
	// If fn either panics or returns an error the transaction is rolled back.
	// A commit that fails due to a concurrent write returns ErrVersionMismatch.
	TxRW(
		ctx context.Context,
		fn func(ctx context.Context, tx TxRW) error,
	) error
}

// Migrator is implemented by databases that can create their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}
