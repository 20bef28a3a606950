package kraken

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNonceStore struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (m *memNonceStore) LoadNonce(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.values[key], nil
}

func (m *memNonceStore) SaveNonce(_ context.Context, key string, nonce int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]int64)
	}
	m.values[key] = nonce
	return nil
}

func TestNonceSource_StrictlyIncreasingWithFrozenClock(t *testing.T) {
	n := NewNonceSource()
	frozen := time.UnixMilli(1_700_000_000_000)
	n.now = func() time.Time { return frozen }

	assert.Equal(t, int64(1_700_000_000_000), n.Next())
	assert.Equal(t, int64(1_700_000_000_001), n.Next())
	assert.Equal(t, int64(1_700_000_000_002), n.Next())
}

func TestNonceSource_FollowsClockForward(t *testing.T) {
	n := NewNonceSource()
	now := time.UnixMilli(1_000)
	n.now = func() time.Time { return now }

	assert.Equal(t, int64(1_000), n.Next())
	now = time.UnixMilli(5_000)
	assert.Equal(t, int64(5_000), n.Next())
	now = time.UnixMilli(2_000) // clock stepped back
	assert.Equal(t, int64(5_001), n.Next())
}

func TestNonceSource_ConcurrentUnique(t *testing.T) {
	n := NewNonceSource()
	const workers, per = 8, 1000

	var wg sync.WaitGroup
	results := make([][]int64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			out := make([]int64, per)
			for i := range out {
				out[i] = n.Next()
			}
			results[w] = out
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers*per)
	for _, out := range results {
		for i, v := range out {
			require.False(t, seen[v], "nonce %d issued twice", v)
			seen[v] = true
			if i > 0 {
				require.Greater(t, v, out[i-1])
			}
		}
	}
	assert.Len(t, seen, workers*per)
}

func TestNonceSource_PersistAndResume(t *testing.T) {
	ctx := context.Background()
	store := &memNonceStore{}
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, store.SaveNonce(ctx, "key-a", future))

	n, err := NewPersistentNonceSource(ctx, store, "key-a")
	require.NoError(t, err)
	got := n.Next()
	assert.Equal(t, future+1, got, "a restart must never reuse a nonce")

	require.NoError(t, n.Persist(ctx))
	v, _ := store.LoadNonce(ctx, "key-a")
	assert.Equal(t, got, v)

	other, _ := store.LoadNonce(ctx, "key-b")
	assert.Zero(t, other)
}

func TestNonceSource_LoadError(t *testing.T) {
	boom := errors.New("db down")
	_, err := NewPersistentNonceSource(context.Background(), &memNonceStore{err: boom}, "k")
	assert.ErrorIs(t, err, boom)
}

func TestNonceSource_PersistWithoutStore(t *testing.T) {
	n := NewNonceSource()
	n.Next()
	assert.NoError(t, n.Persist(context.Background()))
}
