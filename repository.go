package plow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/romshark/plow/internal/backoff"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/romshark/plow")

var (
	ErrNoPendingEvents   = errors.New("aggregate has no pending events")
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrUpdateAttemptsExhausted is wrapped together with
	// ErrConcurrencyConflict when Update gave up.
	ErrUpdateAttemptsExhausted = backoff.ErrAttemptsExhausted
)

// MaxUpdateAttempts is the number of times Update tries to apply its
// changes before giving up on ErrConcurrencyConflict.
const MaxUpdateAttempts = 5

const (
	updateBackoffMin    = 5 * time.Millisecond
	updateBackoffMax    = 200 * time.Millisecond
	updateBackoffFactor = 2.0
	updateBackoffJitter = 0.3
)

// Repository loads and saves aggregates of type T through the engine.
type Repository[T Aggregate] struct {
	engine *Engine
	log    *slog.Logger
	newFn  func() T
}

// NewRepository creates a repository. newFn must return a new zero aggregate.
func NewRepository[T Aggregate](
	engine *Engine, log *slog.Logger, newFn func() T,
) *Repository[T] {
	return &Repository[T]{engine: engine, log: log, newFn: newFn}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Save appends the aggregate's pending events onto its stream and returns
// them with their global versions assigned.
// Returns ErrNoPendingEvents if there's nothing to save and
// ErrConcurrencyConflict if the stream was modified since the aggregate
// was loaded.
func (r *Repository[T]) Save(ctx context.Context, a T) (saved []Event, err error) {
	root := a.root()
	ctx, span := tracer.Start(ctx, "plow.Repository.Save", trace.WithAttributes(
		attribute.String("plow.aggregate_id", root.id),
		attribute.Int("plow.pending", len(root.pending)),
	))
	defer func() { endSpan(span, err) }()

	if root.id == "" {
		return nil, ErrEmptyAggregateID
	}
	if len(root.pending) == 0 {
		return nil, fmt.Errorf("saving %q: %w", root.id, ErrNoPendingEvents)
	}

	_, err = r.engine.SyncAppendStream(
		ctx, r.log, root.id, root.persistedVersion, root.pending,
	)
	if err != nil {
		return nil, fmt.Errorf("saving %q: %w", root.id, err)
	}
	saved = root.pending
	root.markCommitted()
	return saved, nil
}

// Load rebuilds the aggregate identified by id from its stream.
// Returns ErrAggregateNotFound if the stream is empty.
func (r *Repository[T]) Load(ctx context.Context, id string) (a T, err error) {
	ctx, span := tracer.Start(ctx, "plow.Repository.Load", trace.WithAttributes(
		attribute.String("plow.aggregate_id", id),
	))
	defer func() { endSpan(span, err) }()

	var zero T
	if id == "" {
		return zero, ErrEmptyAggregateID
	}
	a = r.newFn()
	a.root().id = id
	err = r.engine.LoadStream(ctx, id, 0, func(e Event) error {
		return replay(a, e)
	})
	if err != nil {
		return zero, err
	}
	if a.Version() == 0 {
		return zero, fmt.Errorf("%w: %q", ErrAggregateNotFound, id)
	}
	span.SetAttributes(attribute.Int64("plow.stream_version", a.Version()))
	return a, nil
}

// Exists reports whether the aggregate identified by id has any events.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyAggregateID
	}
	v, err := r.engine.StreamVersion(ctx, id)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}

// Update loads the aggregate, calls fn and saves the raised events.
// If the stream was modified concurrently the whole cycle is retried
// after a backoff, up to MaxUpdateAttempts times.
// If fn returns an error nothing is saved and the error is returned as is.
func (r *Repository[T]) Update(
	ctx context.Context, id string, fn func(T) error,
) (saved []Event, err error) {
	ctx, span := tracer.Start(ctx, "plow.Repository.Update", trace.WithAttributes(
		attribute.String("plow.aggregate_id", id),
	))
	defer func() { endSpan(span, err) }()

	conf, err := backoff.New(
		updateBackoffMin, updateBackoffMax,
		updateBackoffFactor, updateBackoffJitter, nil,
	)
	if err != nil {
		return nil, err
	}

	attempt := 0
	err = backoff.Retry(ctx, conf, MaxUpdateAttempts,
		func(err error) bool { return errors.Is(err, ErrConcurrencyConflict) },
		func(ctx context.Context) error {
			attempt++
			a, err := r.Load(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(a); err != nil {
				return err
			}
			saved, err = r.Save(ctx, a)
			if errors.Is(err, ErrConcurrencyConflict) {
				r.log.Debug("concurrent update, retrying",
					slog.String("aggregate.id", id),
					slog.Int("attempt", attempt))
			}
			return err
		})
	span.SetAttributes(attribute.Int("plow.attempts", attempt))
	if err != nil {
		return nil, err
	}
	return saved, nil
}
