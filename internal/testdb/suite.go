package testdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/romshark/plow/db"
)

// RunSuite verifies that d satisfies the contract of the db package.
// d must be empty.
func RunSuite(t *testing.T, d db.DB) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, d) })
	t.Run("ProjectionVersions", func(t *testing.T) { testProjectionVersions(t, d) })
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, d) })
	t.Run("Mismatch", func(t *testing.T) { testMismatch(t, d) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, d) })
}

func newEvent(streamID string, streamVersion int64, n int) db.Event {
	return db.Event{
		ID:            uuid.NewString(),
		StreamID:      streamID,
		StreamVersion: streamVersion,
		TypeName:      "test-event",
		Payload:       fmt.Sprintf(`{"n":%d}`, n),
		Time:          time.Date(2025, 1, 2, 3, 4, 5, n*1000, time.UTC),
		RevisionVCS:   "test-revision",
	}
}

func appendEvents(
	t *testing.T, d db.DB, assumed, expectedStream int64, events ...db.Event,
) (version int64, err error) {
	t.Helper()
	err = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		version, err = tx.AppendEvents(ctx, assumed, expectedStream, events)
		return err
	})
	return version, err
}

func testEmpty(t *testing.T, d db.DB) {
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		v, err := tx.ReadSystemVersion(ctx)
		require.NoError(t, err)
		require.Zero(t, v)

		_, err = tx.ReadEventAfterVersion(ctx, 0)
		require.ErrorIs(t, err, db.ErrEventNotFound)

		_, err = tx.ReadEventAtVersion(ctx, 1)
		require.ErrorIs(t, err, db.ErrEventNotFound)

		n, err := tx.ReadEvents(ctx, 0, false, make([]db.Event, 4))
		require.NoError(t, err)
		require.Zero(t, n)

		sv, err := tx.ReadStreamVersion(ctx, "s")
		require.NoError(t, err)
		require.Zero(t, sv)
		return nil
	})
	require.NoError(t, err)
}

func testProjectionVersions(t *testing.T, d db.DB) {
	err := d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		v, err := tx.InitProjectionVersion(ctx, 42)
		require.NoError(t, err)
		require.Zero(t, v)

		require.NoError(t, tx.SetProjectionVersion(ctx, 42, 5))

		// Init doesn't reset existing versions.
		v, err = tx.InitProjectionVersion(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, int64(5), v)
		return nil
	})
	require.NoError(t, err)

	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		v, err := tx.ReadProjectionVersion(ctx, 42)
		require.NoError(t, err)
		require.Equal(t, int64(5), v)
		return nil
	})
	require.NoError(t, err)
}

func testAppendAndRead(t *testing.T, d db.DB) {
	v, err := appendEvents(t, d, 0, db.AnyStreamVersion, newEvent("", 0, 1))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = appendEvents(t, d, 1, 0,
		newEvent("s1", 1, 2),
		newEvent("s1", 2, 3))
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	v, err = appendEvents(t, d, 3, db.AnyStreamVersion, newEvent("s1", 3, 4))
	require.NoError(t, err)
	require.Equal(t, int64(4), v)

	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		v, err := tx.ReadSystemVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(4), v)

		e, err := tx.ReadEventAtVersion(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, int64(2), e.Version)
		require.Equal(t, "s1", e.StreamID)
		require.Equal(t, int64(1), e.StreamVersion)
		require.Equal(t, "test-event", e.TypeName)
		require.JSONEq(t, `{"n":2}`, e.Payload)
		require.Equal(t, "test-revision", e.RevisionVCS)
		require.True(t, time.Date(2025, 1, 2, 3, 4, 5, 2000, time.UTC).Equal(e.Time))
		_, err = uuid.Parse(e.ID)
		require.NoError(t, err)

		e, err = tx.ReadEventAfterVersion(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, int64(3), e.Version)

		buf := make([]db.Event, 3)
		n, err := tx.ReadEvents(ctx, 4, true, buf)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, []int64{4, 3, 2},
			[]int64{buf[0].Version, buf[1].Version, buf[2].Version})

		sv, err := tx.ReadStreamVersion(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, int64(3), sv)

		n, err = tx.ReadStream(ctx, "s1", 1, buf)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, int64(2), buf[0].StreamVersion)
		require.Equal(t, int64(3), buf[1].StreamVersion)
		require.Equal(t, int64(4), buf[1].Version)
		return nil
	})
	require.NoError(t, err)
}

func testMismatch(t *testing.T, d db.DB) {
	var current int64
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) (err error) {
		current, err = tx.ReadSystemVersion(ctx)
		return err
	})
	require.NoError(t, err)

	_, err = appendEvents(t, d, current-1, db.AnyStreamVersion, newEvent("", 0, 10))
	require.ErrorIs(t, err, db.ErrVersionMismatch)

	_, err = appendEvents(t, d, current, 0, newEvent("mismatch", 1, 11))
	require.NoError(t, err)

	// Stale expected stream version.
	_, err = appendEvents(t, d, current+1, 0, newEvent("mismatch", 1, 12))
	require.ErrorIs(t, err, db.ErrStreamVersionMismatch)

	// Duplicate stream version without an expected version.
	_, err = appendEvents(t, d, current+1, db.AnyStreamVersion,
		newEvent("mismatch", 1, 13))
	require.ErrorIs(t, err, db.ErrStreamVersionMismatch)
}

func testRollback(t *testing.T, d db.DB) {
	var before int64
	err := d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) (err error) {
		before, err = tx.ReadSystemVersion(ctx)
		return err
	})
	require.NoError(t, err)

	errAbort := fmt.Errorf("abort")
	err = d.TxRW(t.Context(), func(ctx context.Context, tx db.TxRW) error {
		_, err := tx.AppendEvents(ctx, before, db.AnyStreamVersion,
			[]db.Event{newEvent("", 0, 20)})
		require.NoError(t, err)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	err = d.TxReadOnly(t.Context(), func(ctx context.Context, tx db.TxReadOnly) error {
		v, err := tx.ReadSystemVersion(ctx)
		require.NoError(t, err)
		require.Equal(t, before, v)
		return nil
	})
	require.NoError(t, err)
}
