package plow

import (
	"context"
	"time"

	"github.com/romshark/plow/db"
)

type BackoffConfigReader interface {
	// Backoff provides the backoff configuration.
	// min must be greater 0 and max.
	// factor must be greater 1.0.
	// jitter is a ratio in [0.0, 1.0].
	//
	// Backoff must be idempotent, meaning it always returns the same value.
	Backoff() (min, max time.Duration, factor, jitter float64)
}

// Guard enforces invariants spanning more than one aggregate. It's strongly
// consistent with the event log and runs inside the append transaction,
// which means it can prevent events from being appended. A Guard must not
// manage any state living outside the event log database, including
// in-memory state. Use a StatefulProjection if external state is required.
type Guard interface {
	// Check is called for every event about to be appended.
	// If Check returns an error, the transaction is rolled back and
	// the append is rejected.
	Check(ctx context.Context, event Event, tx db.TxRW) error
}

// StatefulProjection maintains a read model outside the event log database,
// for example in memory or in another database. It is updated inside the
// append transaction using a two-phase commit, so it can veto appends too.
// In a cluster setup reads on the state of a stateful projection are
// eventually consistent.
type StatefulProjection interface {
	BackoffConfigReader

	// Apply stages events onto the read model.
	// If Apply returns an error, the transaction is rolled back and
	// the append is rejected.
	// Apply must return ErrOutOfSync if assumedVersion isn't the current
	// version of the projection.
	// The returned commit function must reliably commit the staged changes.
	// If commit is never called the changes must never be committed.
	// No changes should be visible until commit is called.
	Apply(
		ctx context.Context, assumedVersion int64, events []Event,
	) (commit func(context.Context) error, err error)

	// Version returns the version of the last event committed to the read model.
	Version(ctx context.Context) (version int64, err error)
}

// Projection updates a read-optimized store in response to domain events
// after they were appended. Unlike Guard and StatefulProjection a Projection
// can't prevent an event from being appended. It isn't strongly consistent
// with the event log and relies on an at-least-once delivery guarantee.
// In a multi instance cluster setup a Projection may require its own
// explicit synchronization mechanism to avoid duplicate side effects.
type Projection interface {
	BackoffConfigReader

	// ProjectionID returns a globally unique identifier of the projection.
	// This identifier is associated with a version in the database.
	//
	// ProjectionID must be idempotent, meaning it always returns the same value.
	ProjectionID() int32

	// Project is expected to update the read model, produce side-effects
	// (if any) and return nil.
	// If Project returns an error its version is not updated and Project is
	// called again after a backoff, until it returns nil.
	// If Project succeeded but the system crashed before the projection
	// version was updated then Project will be called again for this version.
	Project(ctx context.Context, version int64, e Event, tx db.TxReadOnly) error
}

// Poller periodically triggers event store polling.
type Poller interface {
	Stop()
	C() <-chan time.Time
}

// A TimedPoller is a Poller with reset capabilities.
type TimedPoller interface {
	Poller
	Reset()
}

// TickingPoller uses a time.Ticker to trigger polling regularly.
type TickingPoller struct {
	ticker   *time.Ticker
	interval time.Duration
}

var (
	_ Poller      = new(TickingPoller)
	_ TimedPoller = new(TickingPoller)
)

func NewTickingPoller(interval time.Duration) *TickingPoller {
	if interval <= 0 {
		panic("don't use ticking poller with non-positive interval")
	}
	return &TickingPoller{ticker: time.NewTicker(interval), interval: interval}
}

func (t *TickingPoller) Stop()               { t.ticker.Stop() }
func (t *TickingPoller) Reset()              { t.ticker.Reset(t.interval) }
func (t *TickingPoller) C() <-chan time.Time { return t.ticker.C }
