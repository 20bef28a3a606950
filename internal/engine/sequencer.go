package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"l3feed/internal/domain"
	"l3feed/internal/infra"
	"l3feed/internal/orderbook"
	"l3feed/internal/stats"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
)

// Session is a live feed subscription. Next blocks until a frame arrives.
type Session interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// DialFunc establishes a fresh authenticated subscription.
type DialFunc func(ctx context.Context) (Session, error)

// DecodeFunc turns a raw frame into an envelope.
type DecodeFunc func(frame []byte) (*domain.Envelope, error)

// SequencerConfig controls routing and recovery of the feed loop.
type SequencerConfig struct {
	// Symbols are the subscribed symbols. Deltas without a symbol go to the first.
	Symbols []string

	// ResyncOnError drops the replica and resubscribes after an apply error.
	ResyncOnError bool

	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxReconnectElapse time.Duration

	// DumpFile receives the book levels when the loop panics.
	DumpFile string

	// NewBook builds the replica for a symbol. Defaults to orderbook.New.
	NewBook func(symbol string) domain.OrderBook
}

// Sequencer is the single-threaded feed processor:
// receive, decode and reconcile, never overlapping.
type Sequencer struct {
	cfg        SequencerConfig
	dial       DialFunc
	decode     DecodeFunc
	reconciler *Reconciler
	recorder   LatencyRecorder
	metrics    *infra.Metrics
	logger     *slog.Logger

	session Session

	books map[string]domain.OrderBook
	order []string

	mu sync.RWMutex // Held for writing only while a frame is reconciled
}

// NewSequencer creates a new sequencer instance. recorder and metrics may be nil.
func NewSequencer(cfg SequencerConfig, dial DialFunc, decode DecodeFunc, recorder LatencyRecorder, metrics *infra.Metrics) *Sequencer {
	if cfg.NewBook == nil {
		cfg.NewBook = func(symbol string) domain.OrderBook { return orderbook.New(symbol) }
	}
	if cfg.DumpFile == "" {
		cfg.DumpFile = "panic_dump.json"
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}

	s := &Sequencer{
		cfg:        cfg,
		dial:       dial,
		decode:     decode,
		reconciler: NewReconciler(recorder, metrics),
		recorder:   recorder,
		metrics:    metrics,
		logger:     slog.Default().With("module", "sequencer"),
		books:      make(map[string]domain.OrderBook),
	}
	for _, sym := range cfg.Symbols {
		s.bookFor(sym)
	}
	return s
}

// Run connects and processes frames until ctx is cancelled.
// It returns nil on cancellation and an error only when the session cannot
// be re-established. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) error {
	s.logger.Info("Sequencer started", slog.Any("symbols", s.cfg.Symbols))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.cfg.DumpFile)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()
	defer s.closeSession()

	if err := s.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			s.logger.Info("Sequencer stopping...")
			return nil
		}

		frame, err := s.session.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Sequencer stopping...")
				return nil
			}
			s.logger.Warn("Session lost, reconnecting", slog.Any("error", err))
			s.metrics.RecordReconnect()
			if err := s.restart(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		if err := s.processFrame(frame); err != nil && s.cfg.ResyncOnError {
			s.logger.Warn("Resyncing replica", slog.Any("error", err))
			s.metrics.RecordResync()
			if err := s.restart(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// processFrame returns the apply error, if any. Undecodable frames and
// rejected envelopes are skipped.
func (s *Sequencer) processFrame(frame []byte) error {
	s.metrics.RecordFrame()

	env, err := s.decode(frame)
	if err != nil {
		s.metrics.RecordSkipped()
		s.logger.Debug("Other message", slog.String("frame", preview(frame)))
		return nil
	}
	if err := s.reconciler.Validate(env); err != nil {
		s.metrics.RecordRejected()
		s.logger.Warn("Envelope rejected", slog.Any("error", err))
		return nil
	}

	start := time.Now()
	s.mu.Lock()
	err = s.apply(env)
	s.mu.Unlock()
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.RecordApplyError()
		s.logger.Warn("Apply failed", slog.Any("error", err))
		return err
	}
	s.metrics.RecordApplied(int64(elapsed))
	if s.recorder != nil {
		s.recorder.Record(stats.OpReconcile, elapsed)
	}
	return nil
}

// apply routes each delta to its symbol's book, preserving per-symbol order.
func (s *Sequencer) apply(env *domain.Envelope) error {
	first := s.resolve(env.Items[0].Symbol)
	single := true
	for i := 1; i < len(env.Items); i++ {
		if s.resolve(env.Items[i].Symbol) != first {
			single = false
			break
		}
	}
	if single {
		return s.reconciler.Reconcile(s.bookFor(first), env)
	}

	groups := make(map[string][]domain.Delta)
	var symbols []string
	for _, item := range env.Items {
		sym := s.resolve(item.Symbol)
		if _, ok := groups[sym]; !ok {
			symbols = append(symbols, sym)
		}
		groups[sym] = append(groups[sym], item)
	}
	for _, sym := range symbols {
		sub := &domain.Envelope{Channel: env.Channel, Kind: env.Kind, Items: groups[sym]}
		if err := s.reconciler.Reconcile(s.bookFor(sym), sub); err != nil {
			return fmt.Errorf("%s: %w", sym, err)
		}
	}
	return nil
}

func (s *Sequencer) resolve(symbol string) string {
	if symbol == "" && len(s.order) > 0 {
		return s.order[0]
	}
	return symbol
}

func (s *Sequencer) bookFor(symbol string) domain.OrderBook {
	book, ok := s.books[symbol]
	if !ok {
		book = s.cfg.NewBook(symbol)
		s.books[symbol] = book
		s.order = append(s.order, symbol)
	}
	return book
}

// connect dials under exponential backoff. Non-retriable errors stop at once.
func (s *Sequencer) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("Connect failed, retrying", slog.Any("error", err), slog.Duration("next", next))
		}),
	}
	if s.cfg.MaxReconnectElapse > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.cfg.MaxReconnectElapse))
	}

	sess, err := backoff.Retry(ctx, func() (Session, error) {
		sess, err := s.dial(ctx)
		if err != nil {
			if !domain.IsRetriable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return sess, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.session = sess
	s.metrics.IncrementConnections()
	s.logger.Info("Session established")
	return nil
}

// restart drops the session and every replica, then reconnects.
// The new subscription's snapshot rebuilds the books.
func (s *Sequencer) restart(ctx context.Context) error {
	s.closeSession()

	s.mu.Lock()
	for _, book := range s.books {
		book.Clear()
	}
	s.mu.Unlock()

	return s.connect(ctx)
}

func (s *Sequencer) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("Session close failed", slog.Any("error", err))
	}
	s.session = nil
	s.metrics.DecrementConnections()
}

// Levels returns aggregated levels of a symbol's replica (external read).
func (s *Sequencer) Levels(symbol string) (domain.Levels, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[symbol]
	if !ok {
		return domain.Levels{}, false
	}
	return book.Levels(), true
}

// MidPrice returns the mid price of a symbol's replica (external read).
func (s *Sequencer) MidPrice(symbol string) (domain.Price, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[symbol]
	if !ok {
		return 0, false
	}
	return book.MidPrice()
}

// Symbols returns the symbols with a replica, in creation order.
func (s *Sequencer) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// DumpState writes every replica's levels to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	books := make(map[string]domain.Levels, len(s.books))
	for sym, book := range s.books {
		books[sym] = book.Levels()
	}
	data := struct {
		DumpedAt time.Time                `json:"dumped_at"`
		Books    map[string]domain.Levels `json:"books"`
	}{
		DumpedAt: time.Now(),
		Books:    books,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}

func preview(frame []byte) string {
	const limit = 256
	if len(frame) > limit {
		return string(frame[:limit]) + "..."
	}
	return string(frame)
}
