package kraken

import (
	"context"
	"sync/atomic"
	"time"
)

// NonceStore persists the highest nonce issued for an API key.
type NonceStore interface {
	LoadNonce(ctx context.Context, key string) (int64, error)
	SaveNonce(ctx context.Context, key string, nonce int64) error
}

// NonceSource issues strictly increasing millisecond nonces.
// It is safe for concurrent use.
type NonceSource struct {
	last  atomic.Int64
	now   func() time.Time
	store NonceStore
	key   string
}

// NewNonceSource creates an in-memory nonce source.
func NewNonceSource() *NonceSource {
	return &NonceSource{now: time.Now}
}

// NewPersistentNonceSource resumes from the high-water mark stored under key.
func NewPersistentNonceSource(ctx context.Context, store NonceStore, key string) (*NonceSource, error) {
	n := &NonceSource{now: time.Now, store: store, key: key}
	last, err := store.LoadNonce(ctx, key)
	if err != nil {
		return nil, err
	}
	n.last.Store(last)
	return n, nil
}

// Next returns max(last+1, now in ms).
func (n *NonceSource) Next() int64 {
	for {
		last := n.last.Load()
		next := n.now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if n.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Last returns the most recently issued nonce.
func (n *NonceSource) Last() int64 {
	return n.last.Load()
}

// Persist saves the high-water mark. It is a no-op without a store.
func (n *NonceSource) Persist(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	return n.store.SaveNonce(ctx, n.key, n.last.Load())
}
