package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/ghostwire/internal/fingerprint"
)

func TestAcquire_CreatesEntryOnFirstCall(t *testing.T) {
	p := New(fingerprint.Catalogue, 30*time.Minute)

	h, err := p.Acquire("example.test")
	require.NoError(t, err)
	assert.NotNil(t, h.Client)
	assert.NotEmpty(t, h.Profile.ID)
	assert.Equal(t, 1, p.Size())
}

// TestAcquire_PreservesCookieJarAcrossRotation is Testable Property 5:
// the jar object backing a host's session must not change across
// repeated acquires, even though the profile and client do.
func TestAcquire_PreservesCookieJarAcrossRotation(t *testing.T) {
	p := New(fingerprint.Catalogue, 30*time.Minute)

	_, err := p.Acquire("example.test")
	require.NoError(t, err)

	p.mu.Lock()
	jar1 := p.entries["example.test"].jar
	p.mu.Unlock()

	_, err = p.Acquire("example.test")
	require.NoError(t, err)

	p.mu.Lock()
	jar2 := p.entries["example.test"].jar
	p.mu.Unlock()

	assert.Same(t, jar1, jar2)
}

func TestAcquire_RotatesProfileAcrossManyCalls(t *testing.T) {
	p := New(fingerprint.Catalogue, 30*time.Minute)

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		h, err := p.Acquire("rotation.test")
		require.NoError(t, err)
		seen[h.Profile.ID] = struct{}{}
	}

	// Over 200 draws from a catalogue of 6, we expect to observe more
	// than a single profile with overwhelming probability.
	assert.Greater(t, len(seen), 1)
}

// TestGC_EvictsIdleEntries is Testable Property 7.
func TestGC_EvictsIdleEntries(t *testing.T) {
	p := New(fingerprint.Catalogue, time.Millisecond)

	_, err := p.Acquire("idle.test")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	removed := p.GC()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, p.Size())
}

func TestGC_KeepsActiveEntries(t *testing.T) {
	p := New(fingerprint.Catalogue, time.Hour)

	_, err := p.Acquire("active.test")
	require.NoError(t, err)

	removed := p.GC()
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, p.Size())
}

func TestNew_EmptyProfilesFallsBackToCatalogue(t *testing.T) {
	p := New(nil, time.Hour)
	assert.Equal(t, fingerprint.Catalogue, p.profiles)
}

func TestRunGC_EvictsOnTickerAndStopsOnCancel(t *testing.T) {
	p := New(fingerprint.Catalogue, time.Millisecond)
	_, err := p.Acquire("gc.test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	done := make(chan struct{})
	go func() {
		p.RunGC(ctx, logger, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return p.Size() == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunGC did not return after cancel")
	}
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
