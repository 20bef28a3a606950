package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"l3feed/internal/domain"
	"l3feed/internal/infra"
	"l3feed/internal/orderbook"
	"l3feed/internal/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	frames  []string
	lostErr error // returned once the frames are exhausted; nil blocks until cancel
	drained chan struct{}
	once    sync.Once
	closed  bool
}

func newFakeSession(lostErr error, frames ...string) *fakeSession {
	return &fakeSession{frames: frames, lostErr: lostErr, drained: make(chan struct{})}
}

func (f *fakeSession) Next(ctx context.Context) ([]byte, error) {
	if len(f.frames) > 0 {
		fr := f.frames[0]
		f.frames = f.frames[1:]
		return []byte(fr), nil
	}
	if f.lostErr != nil {
		err := f.lostErr
		f.lostErr = nil
		return nil, err
	}
	f.once.Do(func() { close(f.drained) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	sessions []*fakeSession
	errs     []error
	always   error
	calls    int
}

func (d *fakeDialer) dial(ctx context.Context) (Session, error) {
	d.calls++
	if d.always != nil {
		return nil, d.always
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := d.sessions[0]
	d.sessions = d.sessions[1:]
	return s, nil
}

func snapshot(symbol string, bids, asks []domain.ProtocolEvent) *domain.Envelope {
	return &domain.Envelope{
		Channel: Level3Channel,
		Kind:    domain.MessageKindSnapshot,
		Items:   []domain.Delta{{Symbol: symbol, Bids: bids, Asks: asks}},
	}
}

// frameDecoder serves prebuilt envelopes keyed by the raw frame text.
func frameDecoder(envs map[string]*domain.Envelope) DecodeFunc {
	return func(frame []byte) (*domain.Envelope, error) {
		env, ok := envs[string(frame)]
		if !ok {
			return nil, errors.New("unrecognized frame")
		}
		return env, nil
	}
}

func testConfig() SequencerConfig {
	return SequencerConfig{
		Symbols:        []string{"BTC/USD"},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

// runUntilDrained runs seq until last has served every frame, then cancels.
func runUntilDrained(t *testing.T, seq *Sequencer, last *fakeSession) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()

	select {
	case <-last.drained:
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frames to drain")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func bidPrices(l domain.Levels) []domain.Price {
	out := make([]domain.Price, 0, len(l.Bids))
	for _, lvl := range l.Bids {
		out = append(out, lvl.Price)
	}
	return out
}

func TestSequencer_AppliesSnapshotThenUpdates(t *testing.T) {
	envs := map[string]*domain.Envelope{
		"snap": snapshot("BTC/USD",
			[]domain.ProtocolEvent{event(domain.EventAdd, "b1", "1.00", "1")},
			[]domain.ProtocolEvent{event(domain.EventAdd, "a1", "3.00", "1")},
		),
		"upd": update([]domain.ProtocolEvent{event(domain.EventAdd, "b2", "2.00", "1")}, nil),
	}
	sess := newFakeSession(nil, "snap", "upd")
	dialer := &fakeDialer{sessions: []*fakeSession{sess}}
	metrics := &infra.Metrics{}
	rec := &fakeRecorder{}

	seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(envs), rec, metrics)
	runUntilDrained(t, seq, sess)

	levels, ok := seq.Levels("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, []domain.Price{200, 100}, bidPrices(levels))
	mid, ok := seq.MidPrice("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, domain.Price(250), mid)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.FramesReceived)
	assert.Equal(t, uint64(2), snap.EnvelopesApplied)
	assert.Equal(t, int32(0), snap.ActiveConnections)
	assert.True(t, sess.closed)
	assert.Contains(t, rec.kinds(), stats.OpReconcile)
}

func TestSequencer_SkipsUndecodableAndRejected(t *testing.T) {
	envs := map[string]*domain.Envelope{
		"heartbeat": {Channel: "heartbeat", Kind: domain.MessageKindUpdate},
		"empty":     {Channel: Level3Channel, Kind: domain.MessageKindUpdate},
		"upd":       update([]domain.ProtocolEvent{event(domain.EventAdd, "b1", "1.00", "1")}, nil),
	}
	sess := newFakeSession(nil, `{"method":"subscribe","success":true}`, "heartbeat", "empty", "upd")
	dialer := &fakeDialer{sessions: []*fakeSession{sess}}
	metrics := &infra.Metrics{}

	seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(envs), nil, metrics)
	runUntilDrained(t, seq, sess)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(4), snap.FramesReceived)
	assert.Equal(t, uint64(1), snap.FramesSkipped)
	assert.Equal(t, uint64(2), snap.EnvelopesRejected)
	assert.Equal(t, uint64(1), snap.EnvelopesApplied)

	levels, _ := seq.Levels("BTC/USD")
	assert.Equal(t, []domain.Price{100}, bidPrices(levels))
}

func TestSequencer_RoutesDeltasBySymbol(t *testing.T) {
	env := &domain.Envelope{
		Channel: Level3Channel,
		Kind:    domain.MessageKindUpdate,
		Items: []domain.Delta{
			{Bids: []domain.ProtocolEvent{event(domain.EventAdd, "x", "1.00", "1")}},
			{Symbol: "ETH/USD", Bids: []domain.ProtocolEvent{event(domain.EventAdd, "y", "2.00", "1")}},
			{Symbol: "BTC/USD", Asks: []domain.ProtocolEvent{event(domain.EventAdd, "z", "3.00", "1")}},
			{Symbol: "SOL/USD", Bids: []domain.ProtocolEvent{event(domain.EventAdd, "w", "0.50", "1")}},
		},
	}
	sess := newFakeSession(nil, "multi")
	dialer := &fakeDialer{sessions: []*fakeSession{sess}}
	cfg := testConfig()
	cfg.Symbols = []string{"BTC/USD", "ETH/USD"}

	seq := NewSequencer(cfg, dialer.dial, frameDecoder(map[string]*domain.Envelope{"multi": env}), nil, &infra.Metrics{})
	runUntilDrained(t, seq, sess)

	btc, _ := seq.Levels("BTC/USD")
	assert.Equal(t, []domain.Price{100}, bidPrices(btc), "delta without symbol goes to the first symbol")
	require.Len(t, btc.Asks, 1)
	assert.Equal(t, domain.Price(300), btc.Asks[0].Price)

	eth, _ := seq.Levels("ETH/USD")
	assert.Equal(t, []domain.Price{200}, bidPrices(eth))

	assert.Equal(t, []string{"BTC/USD", "ETH/USD", "SOL/USD"}, seq.Symbols())
	_, ok := seq.Levels("DOGE/USD")
	assert.False(t, ok)
}

func TestSequencer_ReconnectsAfterSessionLoss(t *testing.T) {
	envs := map[string]*domain.Envelope{
		"snap1": snapshot("BTC/USD", []domain.ProtocolEvent{event(domain.EventAdd, "old", "1.00", "1")}, nil),
		"upd1":  update([]domain.ProtocolEvent{event(domain.EventAdd, "old2", "1.50", "1")}, nil),
		"snap2": snapshot("BTC/USD", []domain.ProtocolEvent{event(domain.EventAdd, "new", "2.00", "1")}, nil),
	}
	first := newFakeSession(errors.New("stale session"), "snap1", "upd1")
	second := newFakeSession(nil, "snap2")
	dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
	metrics := &infra.Metrics{}

	seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(envs), nil, metrics)
	runUntilDrained(t, seq, second)

	assert.Equal(t, 2, dialer.calls)
	assert.True(t, first.closed)
	assert.Equal(t, uint64(1), metrics.Snapshot().Reconnects)

	levels, _ := seq.Levels("BTC/USD")
	assert.Equal(t, []domain.Price{200}, bidPrices(levels), "replica must be rebuilt from the new snapshot only")
}

func TestSequencer_ApplyError(t *testing.T) {
	envs := map[string]*domain.Envelope{
		"snap1": snapshot("BTC/USD", []domain.ProtocolEvent{event(domain.EventAdd, "a", "1.00", "1")}, nil),
		"ghost": update([]domain.ProtocolEvent{event(domain.EventDelete, "ghost", "1.00", "1")}, nil),
		"upd":   update([]domain.ProtocolEvent{event(domain.EventAdd, "b", "1.50", "1")}, nil),
		"snap2": snapshot("BTC/USD", []domain.ProtocolEvent{event(domain.EventAdd, "c", "2.00", "1")}, nil),
	}

	t.Run("logged and skipped by default", func(t *testing.T) {
		sess := newFakeSession(nil, "snap1", "ghost", "upd")
		dialer := &fakeDialer{sessions: []*fakeSession{sess}}
		metrics := &infra.Metrics{}

		seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(envs), nil, metrics)
		runUntilDrained(t, seq, sess)

		assert.Equal(t, 1, dialer.calls)
		assert.Equal(t, uint64(1), metrics.Snapshot().ApplyErrors)
		assert.Equal(t, uint64(0), metrics.Snapshot().Resyncs)
		levels, _ := seq.Levels("BTC/USD")
		assert.Equal(t, []domain.Price{150, 100}, bidPrices(levels))
	})

	t.Run("resync when configured", func(t *testing.T) {
		first := newFakeSession(nil, "snap1", "ghost", "upd")
		second := newFakeSession(nil, "snap2")
		dialer := &fakeDialer{sessions: []*fakeSession{first, second}}
		metrics := &infra.Metrics{}
		cfg := testConfig()
		cfg.ResyncOnError = true

		seq := NewSequencer(cfg, dialer.dial, frameDecoder(envs), nil, metrics)
		runUntilDrained(t, seq, second)

		assert.Equal(t, 2, dialer.calls)
		assert.True(t, first.closed)
		assert.Equal(t, uint64(1), metrics.Snapshot().Resyncs)
		levels, _ := seq.Levels("BTC/USD")
		assert.Equal(t, []domain.Price{200}, bidPrices(levels))
	})
}

func TestSequencer_DialFailures(t *testing.T) {
	errAuth := errors.New("missing api key")
	errRefused := errors.New("connection refused")

	t.Run("fatal error stops immediately", func(t *testing.T) {
		dialer := &fakeDialer{errs: []error{errAuth}}
		seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(nil), nil, &infra.Metrics{})

		err := seq.Run(context.Background())
		require.ErrorIs(t, err, errAuth)
		assert.Equal(t, 1, dialer.calls)
	})

	t.Run("retriable error is retried", func(t *testing.T) {
		sess := newFakeSession(nil)
		dialer := &fakeDialer{
			errs:     []error{domain.NewNetworkError("connect", errRefused), nil},
			sessions: []*fakeSession{sess},
		}
		seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(nil), nil, &infra.Metrics{})
		runUntilDrained(t, seq, sess)
		assert.Equal(t, 2, dialer.calls)
	})

	t.Run("gives up after max elapsed", func(t *testing.T) {
		dialer := &fakeDialer{always: domain.NewNetworkError("connect", errRefused)}
		cfg := testConfig()
		cfg.MaxReconnectElapse = 30 * time.Millisecond

		seq := NewSequencer(cfg, dialer.dial, frameDecoder(nil), nil, &infra.Metrics{})
		err := seq.Run(context.Background())
		require.ErrorIs(t, err, errRefused)
		assert.Greater(t, dialer.calls, 1)
	})

	t.Run("cancelled context returns nil", func(t *testing.T) {
		dialer := &fakeDialer{always: domain.NewNetworkError("connect", errRefused)}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		seq := NewSequencer(testConfig(), dialer.dial, frameDecoder(nil), nil, &infra.Metrics{})
		assert.NoError(t, seq.Run(ctx))
	})
}

type panickingBook struct{ *orderbook.Book }

func (panickingBook) AddOrder(domain.Order) error { panic("corrupted book") }

func TestSequencer_PanicDumpsState(t *testing.T) {
	envs := map[string]*domain.Envelope{
		"upd": update([]domain.ProtocolEvent{event(domain.EventAdd, "a", "1.00", "1")}, nil),
	}
	sess := newFakeSession(nil, "upd")
	dialer := &fakeDialer{sessions: []*fakeSession{sess}}
	cfg := testConfig()
	cfg.DumpFile = filepath.Join(t.TempDir(), "dump.json")
	cfg.NewBook = func(symbol string) domain.OrderBook {
		return panickingBook{orderbook.New(symbol)}
	}

	seq := NewSequencer(cfg, dialer.dial, frameDecoder(envs), nil, &infra.Metrics{})
	require.Panics(t, func() { _ = seq.Run(context.Background()) })

	b, err := os.ReadFile(cfg.DumpFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"BTC/USD"`)
	assert.True(t, sess.closed)
}
