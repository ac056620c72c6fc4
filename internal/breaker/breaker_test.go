package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeClock lets tests move breaker time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(s Settings) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New("transcription", s)
	b.now = clock.now
	return b, clock
}

func fail(b *Breaker) error {
	return b.Call(func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Call(func() error { return nil })
}

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute})

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, fail(b), errBoom)
		assert.Equal(t, "closed", b.Snapshot().State)
	}

	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, "open", b.Snapshot().State)
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	require.Error(t, fail(b))

	clock.advance(30 * time.Second)
	called := false
	err := b.Call(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not attempt the call")
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	require.Error(t, fail(b))

	clock.advance(time.Minute)
	require.NoError(t, succeed(b))
	assert.Equal(t, "half_open", b.Snapshot().State)

	// Second consecutive success closes it again.
	require.NoError(t, succeed(b))
	snap := b.Snapshot()
	assert.Equal(t, "closed", snap.State)
	assert.Zero(t, snap.Failures)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Settings{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute})
	require.Error(t, fail(b))

	clock.advance(time.Minute)
	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, "open", b.Snapshot().State)

	// And the cooldown restarts from the probe failure.
	require.ErrorIs(t, succeed(b), ErrOpen)
}

func TestBreakerClosedSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(Settings{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	require.Error(t, fail(b))
	// Streak was broken, so two non-consecutive failures do not open it.
	assert.Equal(t, "closed", b.Snapshot().State)
}

func TestRegistryIsolatesServices(t *testing.T) {
	r := NewRegistry()
	tr := r.Get("transcription", Settings{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})
	di := r.Get("diarization", Settings{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute})

	require.Error(t, fail(tr))
	assert.Equal(t, "open", tr.Snapshot().State)
	assert.Equal(t, "closed", di.Snapshot().State)

	// Same name returns the same instance.
	assert.Same(t, tr, r.Get("transcription", DefaultSettings()))
	assert.Len(t, r.Snapshots(), 2)
}
