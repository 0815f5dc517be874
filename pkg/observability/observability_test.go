package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Nothing panics when no providers were initialized.
	p.RecordCaptured(ctx, "printer-1")
	p.RecordDropped(ctx, "printer-1")
	p.RecordGap(ctx, "printer-1", 3)
	p.RecordSync(ctx, "printer-1", "accepted", 120*time.Millisecond)

	_, span := p.StartSpan(ctx, "capture.session")
	span.End()

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "retailstack-pos-agent", cfg.ServiceName)
	assert.False(t, cfg.Enabled, "telemetry is opt-in on store hardware")
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}
