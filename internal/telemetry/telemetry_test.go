package telemetry_test

import (
	"context"
	"testing"

	"github.com/romshark/plow/internal/telemetry"

	"github.com/stretchr/testify/require"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := telemetry.Setup(t.Context(), "", "plow-test", "devel")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable address, nothing is exported without spans.
	shutdown, err := telemetry.Setup(
		t.Context(), "http://192.0.2.1:4318", "plow-test", "devel",
	)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
