package plow

import (
	"context"
	"fmt"
	"iter"

	"github.com/romshark/plow/db"
)

// NewEventsIterator creates a new iterator over a slice of the event log.
// startVersion=-1 will start iterating from the last version,
// whereas startVersion=0 will start iterating from the first version.
// Iterator slice includes the event at startVersion.
func (o *Engine) NewEventsIterator(startVersion int64) *EventsIterator {
	return &EventsIterator{o: o, v: startVersion}
}

// EventsIterator iterates over the event log.
type EventsIterator struct {
	o      *Engine
	v      int64 // Current version.
	buf    []db.Event
	events []Event
}

// Reset resets the iterator at the given start version.
func (i *EventsIterator) Reset(startVersion int64) {
	i.v = startVersion
}

// Next returns an iterator over the next n events.
// Iterates in reverse order if n is negative.
// Returns ErrNoMoreEvents if no more events are available.
// The returned sequence is only valid until the next call to Next.
func (i *EventsIterator) Next(ctx context.Context, n int) (
	seq iter.Seq2[int64, Event], err error,
) {
	if n == 0 {
		return func(yield func(int64, Event) bool) {}, nil
	}
	if i.v < 0 {
		i.v, err = i.o.updateCachedVersion(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("updating cached version: %w", err)
		}
	}

	limit, reverse := n, n < 0
	if reverse {
		limit = -limit
	}
	if cap(i.buf) < limit {
		i.buf = make([]db.Event, limit)
	}
	i.buf = i.buf[:limit]

	err = i.o.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		read, err := tx.ReadEvents(ctx, i.v, reverse, i.buf)
		if err != nil {
			return fmt.Errorf("querying batch: %w", err)
		}
		if read == 0 {
			return ErrNoMoreEvents
		}
		i.buf = i.buf[:read]
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.events = i.events[:0]
	for _, e := range i.buf {
		ev, err := i.o.decode(e)
		if err != nil {
			return nil, err
		}
		i.events = append(i.events, ev)
	}

	if reverse {
		i.v = i.buf[len(i.buf)-1].Version - 1
	} else {
		i.v = i.buf[len(i.buf)-1].Version + 1
	}

	events := i.events
	return func(yield func(int64, Event) bool) {
		for _, ev := range events {
			if !yield(ev.Version(), ev) {
				return
			}
		}
	}, nil
}
