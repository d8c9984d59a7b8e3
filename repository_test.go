package plow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/romshark/plow"

	"github.com/stretchr/testify/require"
)

var errOverdraft = errors.New("overdraft")

// Counter is an aggregate summing up EventTest.Bar.
type Counter struct {
	plow.AggregateRoot

	Sum int
}

func (c *Counter) Apply(e plow.Event) error {
	ev, ok := e.(*EventTest)
	if !ok {
		return errors.New("unexpected event")
	}
	if c.Sum+ev.Bar < 0 {
		return errOverdraft
	}
	c.Sum += ev.Bar
	return nil
}

func newCounterRepo(t *testing.T) (*plow.Repository[*Counter], *plow.Engine) {
	t.Helper()
	log, d, _, ec := setup(t)
	orch, err := plow.Make(t.Context(), ec, log, d, nil, nil, nil)
	require.NoError(t, err)
	return plow.NewRepository(orch, log, func() *Counter { return &Counter{} }), orch
}

func TestRepositorySaveLoad(t *testing.T) {
	repo, orch := newCounterRepo(t)
	ctx := t.Context()

	c := &Counter{}
	require.NoError(t, plow.Init(c, "counter-1"))

	_, err := repo.Save(ctx, c)
	require.ErrorIs(t, err, plow.ErrNoPendingEvents)

	require.NoError(t, plow.Raise(c, &EventTest{Foo: "a", Bar: 3}))
	require.NoError(t, plow.Raise(c, &EventTest{Foo: "b", Bar: 4}))

	saved, err := repo.Save(ctx, c)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	require.Equal(t, int64(1), saved[0].Version())
	require.Equal(t, int64(2), saved[1].Version())
	require.Equal(t, int64(2), c.PersistedVersion())
	require.False(t, c.HasPendingEvents())
	requireVersion(t, 2, orch)

	// Nothing left to save.
	_, err = repo.Save(ctx, c)
	require.ErrorIs(t, err, plow.ErrNoPendingEvents)

	loaded, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	require.Equal(t, 7, loaded.Sum)
	require.Equal(t, "counter-1", loaded.ID())
	require.Equal(t, int64(2), loaded.Version())
	require.Equal(t, int64(2), loaded.PersistedVersion())
	require.False(t, loaded.HasPendingEvents())

	// Continue on the loaded aggregate.
	require.NoError(t, plow.Raise(loaded, &EventTest{Foo: "c", Bar: 1}))
	saved, err = repo.Save(ctx, loaded)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, int64(3), saved[0].StreamVersion())
	require.Equal(t, int64(3), saved[0].Version())

	ok, err := repo.Exists(ctx, "counter-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRepositoryNotFound(t *testing.T) {
	repo, _ := newCounterRepo(t)
	ctx := t.Context()

	_, err := repo.Load(ctx, "inexistent")
	require.ErrorIs(t, err, plow.ErrAggregateNotFound)

	_, err = repo.Load(ctx, "")
	require.ErrorIs(t, err, plow.ErrEmptyAggregateID)

	ok, err := repo.Exists(ctx, "inexistent")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = repo.Save(ctx, &Counter{})
	require.ErrorIs(t, err, plow.ErrEmptyAggregateID)
}

func TestRepositoryConcurrencyConflict(t *testing.T) {
	repo, orch := newCounterRepo(t)
	ctx := t.Context()

	c := &Counter{}
	require.NoError(t, plow.Init(c, "counter-1"))
	require.NoError(t, plow.Raise(c, &EventTest{Bar: 10}))
	_, err := repo.Save(ctx, c)
	require.NoError(t, err)

	a, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	b, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)

	require.NoError(t, plow.Raise(a, &EventTest{Bar: -5}))
	require.NoError(t, plow.Raise(b, &EventTest{Bar: -7}))

	_, err = repo.Save(ctx, a)
	require.NoError(t, err)

	_, err = repo.Save(ctx, b)
	require.ErrorIs(t, err, plow.ErrConcurrencyConflict)
	require.True(t, b.HasPendingEvents(), "failed save keeps pending events")
	requireVersion(t, 2, orch)

	// A new aggregate can't reuse an existing stream either.
	dup := &Counter{}
	require.NoError(t, plow.Init(dup, "counter-1"))
	require.NoError(t, plow.Raise(dup, &EventTest{Bar: 1}))
	_, err = repo.Save(ctx, dup)
	require.ErrorIs(t, err, plow.ErrConcurrencyConflict)

	loaded, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	require.Equal(t, 5, loaded.Sum)
}

func TestRepositoryUpdate(t *testing.T) {
	repo, _ := newCounterRepo(t)
	ctx := t.Context()

	c := &Counter{}
	require.NoError(t, plow.Init(c, "counter-1"))
	require.NoError(t, plow.Raise(c, &EventTest{Bar: 10}))
	_, err := repo.Save(ctx, c)
	require.NoError(t, err)

	saved, err := repo.Update(ctx, "counter-1", func(c *Counter) error {
		return plow.Raise(c, &EventTest{Bar: -4})
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, int64(2), saved[0].StreamVersion())

	// Domain errors are returned as is and nothing is saved.
	_, err = repo.Update(ctx, "counter-1", func(c *Counter) error {
		return plow.Raise(c, &EventTest{Bar: -100})
	})
	require.ErrorIs(t, err, errOverdraft)

	_, err = repo.Update(ctx, "inexistent", func(c *Counter) error { return nil })
	require.ErrorIs(t, err, plow.ErrAggregateNotFound)

	_, err = repo.Update(ctx, "counter-1", func(c *Counter) error { return nil })
	require.ErrorIs(t, err, plow.ErrNoPendingEvents)

	loaded, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	require.Equal(t, 6, loaded.Sum)
}

func TestRepositoryUpdateRetriesOnConflict(t *testing.T) {
	repo, _ := newCounterRepo(t)
	ctx := t.Context()

	c := &Counter{}
	require.NoError(t, plow.Init(c, "counter-1"))
	require.NoError(t, plow.Raise(c, &EventTest{Bar: 10}))
	_, err := repo.Save(ctx, c)
	require.NoError(t, err)

	attempts := 0
	saved, err := repo.Update(ctx, "counter-1", func(c *Counter) error {
		attempts++
		if attempts == 1 {
			// Another writer modifies the stream after it was loaded.
			other, err := repo.Load(context.Background(), "counter-1")
			if err != nil {
				return err
			}
			if err := plow.Raise(other, &EventTest{Bar: 5}); err != nil {
				return err
			}
			if _, err := repo.Save(context.Background(), other); err != nil {
				return err
			}
		}
		return plow.Raise(c, &EventTest{Bar: 1})
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Len(t, saved, 1)
	require.Equal(t, int64(3), saved[0].StreamVersion())

	loaded, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	require.Equal(t, 16, loaded.Sum)
}

func TestRepositoryUpdateGivesUp(t *testing.T) {
	repo, _ := newCounterRepo(t)
	ctx := t.Context()

	c := &Counter{}
	require.NoError(t, plow.Init(c, "counter-1"))
	require.NoError(t, plow.Raise(c, &EventTest{Bar: 10}))
	_, err := repo.Save(ctx, c)
	require.NoError(t, err)

	attempts := 0
	saved, err := repo.Update(ctx, "counter-1", func(c *Counter) error {
		attempts++
		// Another writer always gets there first.
		other, err := repo.Load(context.Background(), "counter-1")
		if err != nil {
			return err
		}
		if err := plow.Raise(other, &EventTest{Bar: 5}); err != nil {
			return err
		}
		if _, err := repo.Save(context.Background(), other); err != nil {
			return err
		}
		return plow.Raise(c, &EventTest{Bar: 1})
	})
	require.ErrorIs(t, err, plow.ErrUpdateAttemptsExhausted)
	require.ErrorIs(t, err, plow.ErrConcurrencyConflict)
	require.Nil(t, saved)
	require.Equal(t, plow.MaxUpdateAttempts, attempts)

	loaded, err := repo.Load(ctx, "counter-1")
	require.NoError(t, err)
	require.Equal(t, 10+5*plow.MaxUpdateAttempts, loaded.Sum)
	require.Equal(t, int64(1+plow.MaxUpdateAttempts), loaded.Version())
}
