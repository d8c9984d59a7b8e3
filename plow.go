package plow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/romshark/plow/db"
	"github.com/romshark/plow/internal/backoff"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrProjectionIDCollision = errors.New("projection identifier must be globally unique")
	ErrSyncInProgress        = errors.New("sync already in progress")
	ErrAlreadyListening      = errors.New("already listening")
	ErrNoNextVersion         = errors.New("no next version")
	ErrNoMoreEvents          = errors.New("no more events")
	ErrOutOfSync             = errors.New("projection is out of sync")
	ErrConcurrencyConflict   = errors.New("stream was modified concurrently")
	ErrNoEvents              = errors.New("no events to append")
	ErrStreamMismatch        = errors.New("event belongs to a different stream")
	ErrNothingToListenTo     = errors.New(
		"database doesn't satisfy Listener interface and polling is disabled",
	)
)

// streamReadBatch is the number of events read per query when loading streams.
const streamReadBatch = 256

type projection struct {
	lock    sync.Mutex
	backoff *backoff.Atomic
	Projection
}

type statefulProjection struct {
	backoff *backoff.Atomic
	StatefulProjection
}

// projectError marks a failure returned by Projection.Project.
type projectError struct{ err error }

func (e *projectError) Error() string { return "projecting event: " + e.err.Error() }
func (e *projectError) Unwrap() error { return e.err }

func newAtomicBackoff(
	r BackoffConfigReader, randSeed1, randSeed2 uint64,
) (*backoff.Atomic, error) {
	rnd := rand.New(rand.NewPCG(randSeed1, randSeed2))

	min, max, factor, jitter := r.Backoff()
	conf, err := backoff.New(min, max, factor, jitter, rnd)
	if err != nil {
		return nil, err
	}
	return backoff.NewAtomic(conf), nil
}

// Engine is the backbone of the event sourced system responsible for
// appending events onto the immutable event log, enforcing invariants
// and synchronizing projections.
// Create an instance using Make and run the dispatcher using
// Listen in a new goroutine.
type Engine struct {
	db                  db.DB
	eventCodec          *EventCodec
	listenLock          sync.Mutex
	syncLock            chan struct{} // Held by appends and stateful syncs.
	versionLock         sync.RWMutex
	version             int64
	guards              []Guard
	statefulProjections []*statefulProjection
	projectionsByID     map[int32]*projection
	projectionIDs       []int32
	appended            chan int64
	now                 func() time.Time
}

// Make creates and initializes a new engine instance.
// If eventCodec is nil DefaultEventCodec is used.
func Make(
	ctx context.Context,
	eventCodec *EventCodec,
	log *slog.Logger,
	database db.DB,
	guards []Guard,
	statefulProjections []StatefulProjection,
	projections []Projection,
) (*Engine, error) {
	if eventCodec == nil {
		eventCodec = DefaultEventCodec
	}
	if eventCodec == nil {
		return nil, errors.New("no event codec and no event types registered globally")
	}
	eventCodec.inUse = true

	o := &Engine{
		db:                  database,
		eventCodec:          eventCodec,
		guards:              slices.Clone(guards),
		statefulProjections: make([]*statefulProjection, len(statefulProjections)),
		projectionsByID:     make(map[int32]*projection, len(projections)),
		syncLock:            make(chan struct{}, 1),
		appended:            make(chan int64, 1),
		now:                 time.Now,
	}

	randSeed1, randSeed2 := uint64(time.Now().Unix()), rand.Uint64()
	for i, s := range statefulProjections {
		bk, err := newAtomicBackoff(s, randSeed1, randSeed2)
		if err != nil {
			return nil, fmt.Errorf("setting backoff for stateful projection %d: %w",
				i, err)
		}
		o.statefulProjections[i] = &statefulProjection{
			backoff:            bk,
			StatefulProjection: s,
		}
	}

	for i, p := range projections {
		id := p.ProjectionID()
		if _, ok := o.projectionsByID[id]; ok {
			return nil, fmt.Errorf("%w (projection index: %d): %d",
				ErrProjectionIDCollision, i, id)
		}

		bk, err := newAtomicBackoff(p, randSeed1, randSeed2)
		if err != nil {
			return nil, fmt.Errorf("setting backoff for projection %d: %w", id, err)
		}
		o.projectionsByID[id] = &projection{
			backoff:    bk,
			Projection: p,
		}
		o.projectionIDs = append(o.projectionIDs, id)
	}
	slices.Sort(o.projectionIDs)

	err := database.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		for _, id := range o.projectionIDs {
			v, err := initProjectionVersion(ctx, tx, id)
			if err != nil {
				return err
			}
			log.Info("initialized projection version",
				slog.Int("projection.id", int(id)),
				slog.Int64("version", v))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("all projection versions initialized",
		slog.Int("projections", len(o.projectionIDs)))

	if _, err := o.updateCachedVersion(ctx, nil); err != nil {
		return nil, fmt.Errorf("reading system version: %w", err)
	}
	return o, nil
}

// Codec returns the event codec used by the engine.
func (o *Engine) Codec() *EventCodec { return o.eventCodec }

func (o *Engine) syncStatefulProjections(
	ctx, ctxGraceful context.Context, log *slog.Logger, concurrencyLimit int,
) error {
	if concurrencyLimit < 1 {
		return nil
	}
	var g errgroup.Group
	g.SetLimit(concurrencyLimit)
	for i := range o.statefulProjections {
		g.Go(func() error {
			return o.syncStatefulProjection(ctx, ctxGraceful, log, i, nil)
		})
	}
	return g.Wait()
}

func (o *Engine) getCachedVersion() int64 {
	o.versionLock.RLock()
	defer o.versionLock.RUnlock()
	return o.version
}

func (o *Engine) setCachedVersion(v int64) {
	o.versionLock.Lock()
	defer o.versionLock.Unlock()
	if v > o.version {
		o.version = v
	}
}

func (o *Engine) updateCachedVersion(
	ctx context.Context, tx db.Reader,
) (systemVersion int64, err error) {
	o.versionLock.Lock()
	defer o.versionLock.Unlock()
	if tx == nil {
		err = o.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
			systemVersion, err = tx.ReadSystemVersion(ctx)
			return err
		})
	} else {
		systemVersion, err = tx.ReadSystemVersion(ctx)
	}
	if err != nil {
		return 0, err
	}
	o.version = systemVersion
	return systemVersion, nil
}

// syncStatefulProjection applies missing events onto the stateful projection
// at index until it reaches the cached system version.
// Events are read through reader if not nil, otherwise in a new transaction.
func (o *Engine) syncStatefulProjection(
	ctx, ctxGraceful context.Context, log *slog.Logger, index int, reader db.Reader,
) error {
	p := o.statefulProjections[index]
	for {
		if err := ctxGraceful.Err(); err != nil {
			return err
		}

		if d := p.backoff.Duration(); d > 0 {
			log.Info("backing off for stateful projection retry",
				slog.Int("projection", index),
				slog.String("backoff", d.String()))
			if err := backoff.Sleep(ctx, d); err != nil {
				return err
			}
		}

		v, err := p.Version(ctx)
		if err != nil {
			return fmt.Errorf("reading stateful projection version: %w", err)
		}

		if v >= o.getCachedVersion() {
			p.backoff.Reset()
			return nil // Projection is up to date.
		}

		event, err := o.queryNextEvent(ctx, reader, v)
		if err != nil {
			return fmt.Errorf("querying event after %d: %w", v, err)
		}
		commit, err := p.Apply(ctx, v, []Event{event})
		if err != nil {
			if errors.Is(err, ErrOutOfSync) {
				continue
			}
			return err
		}
		if err := commit(ctx); err != nil {
			return err
		}
		p.backoff.Reset()
	}
}

func (o *Engine) syncProjection(
	ctx, ctxGraceful context.Context, log *slog.Logger, p *projection,
) error {
	for {
		if err := ctxGraceful.Err(); err != nil {
			return err
		}
		_, newVersion, err := o.syncProjectionToNextVersion(ctx, log, p)
		if err == nil {
			continue
		}
		var perr *projectError
		switch {
		case errors.Is(err, ErrNoNextVersion):
			return nil
		case errors.Is(err, ErrSyncInProgress):
			return nil // Another sync is driving this projection.
		case errors.As(err, &perr):
			// At-least-once: retry the same version after a backoff.
			log.Warn("projection failed, retrying",
				slog.Int("projection.id", int(p.ProjectionID())),
				slog.Int64("version", newVersion),
				slog.Any("err", perr.err))
			continue
		}
		return err
	}
}

// Listen runs the dispatcher that listens for new events and triggers
// synchronization.
//
// Canceling ctx will stop both the listener and any potentially ongoing
// synchronization, potentially causing I/O errors to be logged because the underlying
// database transactions are canceled before Sync finishes. Canceling ctxGraceful
// will gracefully wait for any ongoing synchronizations to finish and then exits the
// listener loop.
//
// Listen polls the database for new events whenever poller triggers, poller may be nil
// to disable polling. Parameter queueBufferLen specifies the listener queue
// buffer size. If the listener goroutine can't keep up with the notifications then those
// will be queued in that buffer. If the buffer is full the notification will be dropped
// and the state of the engine will have to be synchronized otherwise
// (polling update, on append or manually).
// Events appended through this engine instance always trigger a synchronization.
// If the engine's database doesn't satisfy the Listener interface and
// poller == nil then ErrNothingToListenTo is returned.
// If poller satisfies TimedPoller then poller.Reset is called to prevent the timed
// poller from triggering prematurely.
//
// onListening (if not nil) is called once the listener is listening.
func (o *Engine) Listen(
	ctx, ctxGraceful context.Context, log *slog.Logger,
	poller Poller, queueBufferLen int, onListening func(),
) error {
	if !o.listenLock.TryLock() {
		return ErrAlreadyListening
	}
	defer o.listenLock.Unlock()

	if onListening == nil {
		onListening = func() {}
	}

	var eventInserted chan int64
	eventInsertedErr := make(chan error, 1)
	if listener, ok := o.db.(db.Listener); ok {
		eventInserted = make(chan int64, queueBufferLen)
		go func() {
			err := listener.ListenEventInserted(ctxGraceful,
				onListening,
				func(version int64) error {
					select {
					case eventInserted <- version:
					default:
						log.Warn("listener buffer overflow, "+
							"event insertion notifications may be dropped",
							slog.Int("len", len(eventInserted)))
					}
					return nil
				})
			if err != nil && !errors.Is(err, context.Canceled) {
				eventInsertedErr <- err
				close(eventInserted)
			}
		}()
	} else if poller == nil {
		return ErrNothingToListenTo
	} else {
		onListening()
	}

	var pollerC <-chan time.Time
	if poller != nil {
		defer poller.Stop()
		pollerC = poller.C()
	}

	resync := func(reason string, version int64) error {
		if poller != nil {
			poller.Stop()
		}
		log.Debug("dispatcher synchronizing",
			slog.String("reason", reason),
			slog.Int64("version", version))
		if err := o.Sync(ctx, ctxGraceful, log); err != nil &&
			!errors.Is(err, ErrSyncInProgress) {
			return err
		}
		if tp, ok := poller.(TimedPoller); ok {
			tp.Reset()
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done(): // Hard stop.
			return ctx.Err()

		case <-ctxGraceful.Done(): // Gracefully stop dispatcher.
			return ctxGraceful.Err()

		case <-pollerC:
			if err := resync("poll", 0); err != nil {
				return err
			}

		case version := <-o.appended:
			if err := resync("append", version); err != nil {
				return err
			}

		case version, ok := <-eventInserted:
			if !ok {
				select {
				case err := <-eventInsertedErr:
					return err
				default:
					return nil
				}
			}
			if err := resync("notification", version); err != nil {
				return err
			}
		}
	}
}

// Sync synchronizes stateful projections and projections with the event log.
// Returns ErrSyncInProgress if another sync is currently in flight.
// Projections are synchronized after the sync lock is released so that a
// failing projection never blocks appends.
func (o *Engine) Sync(
	ctx, ctxGraceful context.Context, log *slog.Logger,
) error {
	select {
	case o.syncLock <- struct{}{}:
	default:
		return ErrSyncInProgress
	}
	err := o.syncStateful(ctx, ctxGraceful, log)
	<-o.syncLock
	if err != nil {
		return err
	}

	for _, id := range o.projectionIDs {
		if err := o.syncProjection(ctx, ctxGraceful, log, o.projectionsByID[id]); err != nil {
			return fmt.Errorf("synchronizing projection %d: %w", id, err)
		}
	}
	return nil
}

// syncStateful must be called while holding the sync lock.
func (o *Engine) syncStateful(
	ctx, ctxGraceful context.Context, log *slog.Logger,
) error {
	if _, err := o.updateCachedVersion(ctx, nil); err != nil {
		return err
	}
	err := o.syncStatefulProjections(
		ctx, ctxGraceful, log, len(o.statefulProjections),
	)
	if err != nil {
		return fmt.Errorf("synchronizing stateful projections: %w", err)
	}
	return nil
}

func (o *Engine) syncProjectionToNextVersion(
	ctx context.Context, log *slog.Logger, p *projection,
) (oldVersion, newVersion int64, err error) {
	id := p.ProjectionID()
	if !p.lock.TryLock() {
		return 0, 0, ErrSyncInProgress
	}
	defer p.lock.Unlock()

	if d := p.backoff.Duration(); d > 0 {
		log.Info("backing off for projection retry",
			slog.Int("projection.id", int(id)),
			slog.String("backoff", d.String()))
		if err := backoff.Sleep(ctx, d); err != nil {
			return oldVersion, newVersion, err
		}
	}

	err = o.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		oldVersion, err = queryProjectionVersion(ctx, tx, id)
		if err != nil {
			return err
		}

		if oldVersion >= o.getCachedVersion() {
			p.backoff.Reset()
			return ErrNoNextVersion
		}

		ev, err := o.queryNextEvent(ctx, tx, oldVersion)
		if err != nil {
			return fmt.Errorf("querying event: %w", err)
		}
		newVersion = ev.Version()

		if err = p.Project(ctx, newVersion, ev, tx); err != nil {
			return &projectError{err: err}
		}

		p.backoff.Reset()

		if err := tx.SetProjectionVersion(ctx, id, newVersion); err != nil {
			return fmt.Errorf("updating projection (%d) version: %w", id, err)
		}

		return nil
	})
	return oldVersion, newVersion, err
}

// decode turns a stored event into a domain event with its metadata set.
func (o *Engine) decode(d db.Event) (Event, error) {
	ev, err := o.eventCodec.DecodeJSON(d.TypeName, []byte(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("decoding event %d: %w", d.Version, err)
	}
	m := ev.metadata()
	m.id, m.t, m.revisionVCS, m.version = d.ID, d.Time, d.RevisionVCS, d.Version
	m.streamID, m.streamVersion = d.StreamID, d.StreamVersion
	return ev, nil
}

func (o *Engine) queryNextEvent(
	ctx context.Context, reader db.Reader, afterVersion int64,
) (Event, error) {
	var d db.Event
	read := func(ctx context.Context, r db.Reader) (err error) {
		d, err = r.ReadEventAfterVersion(ctx, afterVersion)
		return err
	}
	var err error
	if reader != nil {
		err = read(ctx, reader)
	} else {
		err = o.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
			return read(ctx, tx)
		})
	}
	if err != nil {
		return nil, err
	}
	return o.decode(d)
}

// VersionCached returns the cached version of the system
// (version of latest event from the cache of this engine instance).
func (o *Engine) VersionCached() (version int64) { return o.getCachedVersion() }

// Version returns the current version of the system (version of latest event).
func (o *Engine) Version(ctx context.Context) (version int64, err error) {
	return o.updateCachedVersion(ctx, nil)
}

// StreamVersion returns the latest version of the stream or 0 if it's empty.
func (o *Engine) StreamVersion(
	ctx context.Context, streamID string,
) (version int64, err error) {
	err = o.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		version, err = tx.ReadStreamVersion(ctx, streamID)
		return err
	})
	return version, err
}

// LoadStream calls fn for every event of the stream with a stream version
// greater than afterStreamVersion in ascending order.
// fn runs inside a read-only transaction and must not access the database.
func (o *Engine) LoadStream(
	ctx context.Context, streamID string, afterStreamVersion int64,
	fn func(Event) error,
) error {
	return o.db.TxReadOnly(ctx, func(ctx context.Context, tx db.TxReadOnly) error {
		buf := make([]db.Event, streamReadBatch)
		after := afterStreamVersion
		for {
			n, err := tx.ReadStream(ctx, streamID, after, buf)
			if err != nil {
				return fmt.Errorf("reading stream %q: %w", streamID, err)
			}
			for _, d := range buf[:n] {
				ev, err := o.decode(d)
				if err != nil {
					return err
				}
				if err := fn(ev); err != nil {
					return err
				}
				after = d.StreamVersion
			}
			if n < len(buf) {
				return nil
			}
		}
	})
}

// SyncAppend is similar to Append but will automatically resync stateful
// projections and retry if Append returns ErrOutOfSync.
// SyncAppend doesn't resync projections, this is the dispatcher's job.
func (o *Engine) SyncAppend(
	ctx context.Context, log *slog.Logger, e Event,
) (newVersion int64, err error) {
	return o.SyncAppendStream(ctx, log, "", db.AnyStreamVersion, []Event{e})
}

// SyncAppendStream is similar to AppendStream but retries on ErrOutOfSync.
func (o *Engine) SyncAppendStream(
	ctx context.Context, log *slog.Logger,
	streamID string, expectedStreamVersion int64, events []Event,
) (newVersion int64, err error) {
	for {
		newVersion, err = o.AppendStream(ctx, log, streamID, expectedStreamVersion, events)
		if !errors.Is(err, ErrOutOfSync) {
			return newVersion, err
		}
		if err := ctx.Err(); err != nil {
			return newVersion, err
		}
	}
}

// Append appends a single event that belongs to no stream.
// See AppendStream.
func (o *Engine) Append(
	ctx context.Context, log *slog.Logger, e Event,
) (newVersion int64, err error) {
	return o.AppendStream(ctx, log, "", db.AnyStreamVersion, []Event{e})
}

// AppendStream starts a new read-write database transaction, calls every guard's
// Check method for every event, calls every stateful projection's Apply method
// and irreversibly appends events onto the event log if all of them succeed.
// If any of them returns an error, the transaction is rolled back,
// nothing is appended and the error is returned.
// If a stateful projection is out of sync it's automatically synchronized to the
// latest version of the system.
//
// All events must belong to streamID (empty for stream-less events) and are
// stamped with consecutive stream versions. Unless expectedStreamVersion is
// db.AnyStreamVersion the stream must be at exactly that version, otherwise
// ErrConcurrencyConflict is returned. ErrOutOfSync is returned if another
// writer appended to the log in the meantime, see SyncAppendStream.
//
// On success the events' metadata is updated and the version of the last
// appended event is returned.
func (o *Engine) AppendStream(
	ctx context.Context, log *slog.Logger,
	streamID string, expectedStreamVersion int64, events []Event,
) (newVersion int64, err error) {
	ctx, span := tracer.Start(ctx, "plow.Append", trace.WithAttributes(
		attribute.String("plow.stream_id", streamID),
		attribute.Int("plow.events", len(events)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(events) == 0 {
		return 0, ErrNoEvents
	}
	for i, e := range events {
		if e == nil {
			return 0, fmt.Errorf("event %d: %w", i, ErrNilEvent)
		}
		if sid := e.StreamID(); sid != "" && sid != streamID {
			return 0, fmt.Errorf("%w: event %d belongs to %q, appending to %q",
				ErrStreamMismatch, i, sid, streamID)
		}
		if err := o.eventCodec.initializeEvent(e, o.now); err != nil {
			return 0, err
		}
	}

	newVersion, err = o.appendEvents(ctx, log, streamID, expectedStreamVersion, events)
	if err != nil {
		return 0, err
	}

	// The sync lock is released by now so the dispatcher can pick this up.
	select {
	case o.appended <- newVersion:
	default: // A sync is already pending.
	}

	span.SetAttributes(attribute.Int64("plow.version", newVersion))
	return newVersion, nil
}

// appendEvents runs the append transaction and commits stateful projections
// while holding the sync lock.
func (o *Engine) appendEvents(
	ctx context.Context, log *slog.Logger,
	streamID string, expectedStreamVersion int64, events []Event,
) (newVersion int64, err error) {
	select {
	case o.syncLock <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-o.syncLock }()

	commitFns := make([]func(context.Context) error, len(o.statefulProjections))
	err = o.db.TxRW(ctx, func(ctx context.Context, tx db.TxRW) error {
		v, err := o.updateCachedVersion(ctx, tx)
		if err != nil {
			return err
		}

		if err := stampStreamVersions(
			ctx, tx, streamID, expectedStreamVersion, events,
		); err != nil {
			return err
		}

		for _, g := range o.guards {
			for _, e := range events {
				if err := g.Check(ctx, e, tx); err != nil {
					return err
				}
			}
		}

		// tx isn't safe for concurrent use.
		var txLock sync.Mutex
		var g errgroup.Group
		g.SetLimit(max(len(o.statefulProjections), 1))
		for i, p := range o.statefulProjections {
			g.Go(func() error {
				for {
					commit, err := p.Apply(ctx, v, events)
					if errors.Is(err, ErrOutOfSync) {
						txLock.Lock()
						err = o.syncStatefulProjection(
							ctx, context.Background(), log, i, tx,
						)
						txLock.Unlock()
						if err != nil {
							return err
						}
						continue
					}
					if err != nil {
						return err
					}
					commitFns[i] = commit
					return nil
				}
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		stored := make([]db.Event, len(events))
		for i, e := range events {
			payload, err := o.eventCodec.EncodeJSON(e)
			if err != nil {
				return fmt.Errorf("marshaling event json: %w", err)
			}
			m := e.metadata()
			stored[i] = db.Event{
				ID:            m.id,
				StreamID:      m.streamID,
				StreamVersion: m.streamVersion,
				TypeName:      m.name,
				Payload:       payload,
				Time:          m.t,
				RevisionVCS:   m.revisionVCS,
			}
		}

		newVersion, err = tx.AppendEvents(ctx, v, expectedStreamVersion, stored)
		switch {
		case errors.Is(err, db.ErrVersionMismatch):
			return ErrOutOfSync // The event log advanced in the meantime.
		case errors.Is(err, db.ErrStreamVersionMismatch):
			return fmt.Errorf("%w: %q", ErrConcurrencyConflict, streamID)
		case err != nil:
			return fmt.Errorf("appending events: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, db.ErrVersionMismatch) {
			return 0, ErrOutOfSync
		}
		return 0, err
	}

	first := newVersion - int64(len(events)) + 1
	for i, e := range events {
		e.metadata().version = first + int64(i)
	}
	o.setCachedVersion(newVersion)

	// If the system fails before all commits are done some stateful projections
	// will lag behind the event log until they resynchronize.
	for i, fn := range commitFns {
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			// The append is successful regardless, the projection
			// will catch up during the next sync.
			log.Error("committing stateful projection",
				slog.Int("projection", i),
				slog.Any("err", err))
		}
	}

	return newVersion, nil
}

// stampStreamVersions assigns consecutive stream versions to events.
// Events already carrying a stream version must match the one assigned.
func stampStreamVersions(
	ctx context.Context, tx db.Reader,
	streamID string, expectedStreamVersion int64, events []Event,
) error {
	if streamID == "" {
		for _, e := range events {
			m := e.metadata()
			m.streamID, m.streamVersion = "", 0
		}
		return nil
	}
	base := expectedStreamVersion
	if base == db.AnyStreamVersion {
		v, err := tx.ReadStreamVersion(ctx, streamID)
		if err != nil {
			return fmt.Errorf("reading stream version: %w", err)
		}
		base = v
	}
	for i, e := range events {
		m := e.metadata()
		want := base + int64(i) + 1
		if expectedStreamVersion != db.AnyStreamVersion &&
			m.streamVersion != 0 && m.streamVersion != want {
			return fmt.Errorf("%w: event %d has stream version %d, expected %d",
				ErrConcurrencyConflict, i, m.streamVersion, want)
		}
		m.streamID, m.streamVersion = streamID, want
	}
	return nil
}

func queryProjectionVersion(
	ctx context.Context, tx db.Reader, id int32,
) (int64, error) {
	version, err := tx.ReadProjectionVersion(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("querying projection version: %w", err)
	}
	return version, nil
}

func initProjectionVersion(
	ctx context.Context, tx db.Writer, id int32,
) (int64, error) {
	version, err := tx.InitProjectionVersion(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("initializing projection (%d) version: %w", id, err)
	}
	return version, nil
}
