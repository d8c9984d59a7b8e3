package plow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var errNegative = errors.New("negative amount")

type counter struct {
	AggregateRoot

	sum int
}

func (c *counter) Apply(e Event) error {
	switch e := e.(type) {
	case *EventTest:
		if e.Bar < 0 {
			return errNegative
		}
		c.sum += e.Bar
		return nil
	}
	return errors.New("unexpected event")
}

func TestInit(t *testing.T) {
	t.Parallel()

	c := &counter{}
	require.ErrorIs(t, Init(c, ""), ErrEmptyAggregateID)
	require.NoError(t, Init(c, "c1"))
	require.Equal(t, "c1", c.ID())

	require.NoError(t, Raise(c, &EventTest{Bar: 1}))
	require.ErrorIs(t, Init(c, "c2"), ErrAggregateInitialized)
	require.Equal(t, "c1", c.ID())
}

func TestRaise(t *testing.T) {
	t.Parallel()

	c := &counter{}
	require.ErrorIs(t, Raise(c, &EventTest{Bar: 1}), ErrEmptyAggregateID)
	require.NoError(t, Init(c, "c1"))
	require.ErrorIs(t, Raise(c, nil), ErrNilEvent)

	e1, e2 := &EventTest{Bar: 2}, &EventTest{Bar: 3}
	require.NoError(t, Raise(c, e1))
	require.NoError(t, Raise(c, e2))

	require.Equal(t, 5, c.sum)
	require.Equal(t, int64(2), c.Version())
	require.Zero(t, c.PersistedVersion())
	require.True(t, c.HasPendingEvents())
	require.Equal(t, []Event{e1, e2}, c.PendingEvents())

	require.Equal(t, "c1", e1.StreamID())
	require.Equal(t, int64(1), e1.StreamVersion())
	require.Equal(t, int64(2), e2.StreamVersion())

	// The returned slice is a copy.
	c.PendingEvents()[0] = nil
	require.Equal(t, []Event{e1, e2}, c.PendingEvents())
}

func TestRaiseApplyFails(t *testing.T) {
	t.Parallel()

	c := &counter{}
	require.NoError(t, Init(c, "c1"))
	require.NoError(t, Raise(c, &EventTest{Bar: 2}))

	e := &EventTest{Bar: -1}
	require.ErrorIs(t, Raise(c, e), errNegative)

	require.Equal(t, 2, c.sum)
	require.Equal(t, int64(1), c.Version())
	require.Len(t, c.PendingEvents(), 1)
	require.Empty(t, e.StreamID())
	require.Zero(t, e.StreamVersion())
}

func TestMarkCommitted(t *testing.T) {
	t.Parallel()

	c := &counter{}
	require.NoError(t, Init(c, "c1"))
	require.False(t, c.HasPendingEvents())
	require.Nil(t, c.PendingEvents())

	require.NoError(t, Raise(c, &EventTest{Bar: 2}))
	c.markCommitted()
	require.False(t, c.HasPendingEvents())
	require.Equal(t, int64(1), c.PersistedVersion())
	require.Equal(t, int64(1), c.Version())
}

func TestReplay(t *testing.T) {
	t.Parallel()

	c := &counter{}
	c.id = "c1"

	e := &EventTest{Bar: 4}
	e.streamID, e.streamVersion = "c1", 1
	require.NoError(t, replay(c, e))
	require.Equal(t, 4, c.sum)
	require.Equal(t, int64(1), c.Version())
	require.Equal(t, int64(1), c.PersistedVersion())
	require.False(t, c.HasPendingEvents())

	gap := &EventTest{Bar: 1}
	gap.streamID, gap.streamVersion = "c1", 3
	require.ErrorContains(t, replay(c, gap), "expected stream version 2, got 3")

	bad := &EventTest{Bar: -1}
	bad.streamID, bad.streamVersion = "c1", 2
	require.ErrorIs(t, replay(c, bad), errNegative)
	require.Equal(t, int64(1), c.Version())
}
