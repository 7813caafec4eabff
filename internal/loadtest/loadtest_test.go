package loadtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
)

func TestRun_DevicesConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	ctx := context.Background()
	mirror := remote.NewMemoryMirror()
	defer mirror.Close()

	res, err := Run(ctx, mirror, Options{
		Dir:              t.TempDir(),
		Identity:         "load-test",
		Devices:          3,
		CommitsPerDevice: 5,
		Settle:           5 * time.Second,
		Seed:             42,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.Equal(t, 15, res.Commits.TotalCommits)
	assert.Equal(t, 0, res.Commits.Errors)
	assert.LessOrEqual(t, res.Commits.Min, res.Commits.P50)
	assert.LessOrEqual(t, res.Commits.P50, res.Commits.Max)

	data, ok, err := mirror.Pull(ctx, "load-test")
	require.NoError(t, err)
	require.True(t, ok)
	doc := schema.NormalizeJSON(data)
	assert.Len(t, doc.Tenants, 3)
	assert.Equal(t, len(doc.Receipts), res.Receipts)
	assert.Equal(t, len(doc.Payments), res.Payments)

	var out bytes.Buffer
	res.Print(&out)
	assert.Contains(t, out.String(), "Total commits: 15")
	assert.Contains(t, out.String(), "Converged:     true")
}

func TestRun_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror()

	_, err := Run(ctx, mirror, Options{Dir: t.TempDir(), Identity: "x", Devices: 0, CommitsPerDevice: 1})
	assert.Error(t, err)

	_, err = Run(ctx, mirror, Options{Dir: t.TempDir(), Identity: "a b", Devices: 1, CommitsPerDevice: 1})
	assert.ErrorIs(t, err, remote.ErrInvalidIdentity)
	assert.Equal(t, 0, mirror.Pushes())
}

func TestComputeLatencyStats(t *testing.T) {
	assert.Equal(t, LatencyStats{}, computeLatencyStats(nil))

	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	s := computeLatencyStats(durations)

	assert.Equal(t, 100, s.TotalCommits)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Mean)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 96*time.Millisecond, s.P95)
	assert.Equal(t, 100*time.Millisecond, s.P99)
	// The input is left untouched.
	assert.Equal(t, 100*time.Millisecond, durations[0])
}
