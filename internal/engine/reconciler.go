package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"l3feed/internal/domain"
	"l3feed/internal/infra"
	"l3feed/internal/stats"
)

// Level3Channel is the only channel the reconciler accepts.
const Level3Channel = "level3"

var (
	// ErrInvalidChannel is returned for envelopes from another channel.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrEmpty is returned for envelopes without items.
	ErrEmpty = errors.New("message is empty")

	// ErrInvalidType is returned for envelopes that are neither snapshot nor update.
	ErrInvalidType = errors.New("invalid message type")

	// ErrUnknownEvent is returned for events with an unsupported kind.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// IsProtocolError reports whether err is a per-message validation failure.
// These never mutate the book and are safe to skip.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidChannel) || errors.Is(err, ErrEmpty) || errors.Is(err, ErrInvalidType)
}

// ApplyError wraps a book error raised while applying one event.
type ApplyError struct {
	Op      domain.EventKind
	OrderID domain.OrderID
	Side    domain.Side
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s %s (%s): %v", e.Op, e.OrderID, e.Side, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// LatencyRecorder receives per-operation timings.
type LatencyRecorder interface {
	Record(kind stats.OpKind, elapsed time.Duration)
}

// Reconciler translates decoded feed envelopes into order book mutations.
// It holds no book state of its own.
type Reconciler struct {
	recorder LatencyRecorder
	metrics  *infra.Metrics
	logger   *slog.Logger
}

// NewReconciler creates a reconciler. recorder may be nil; a nil metrics
// uses infra.GlobalMetrics.
func NewReconciler(recorder LatencyRecorder, metrics *infra.Metrics) *Reconciler {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Reconciler{
		recorder: recorder,
		metrics:  metrics,
		logger:   slog.Default().With("module", "reconciler"),
	}
}

// Validate performs the envelope-level checks. It never touches a book.
func (r *Reconciler) Validate(env *domain.Envelope) error {
	if env.Channel != Level3Channel {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, env.Channel)
	}
	if len(env.Items) == 0 {
		return ErrEmpty
	}
	if env.Kind != domain.MessageKindSnapshot && env.Kind != domain.MessageKindUpdate {
		return ErrInvalidType
	}
	return nil
}

// Reconcile applies every event of env to book in the order received:
// for each item its bids (BUY) and then its asks (SELL).
// A snapshot clears the book first. The first failing event aborts the
// envelope; events before it stay applied.
func (r *Reconciler) Reconcile(book domain.OrderBook, env *domain.Envelope) error {
	if err := r.Validate(env); err != nil {
		return err
	}

	if env.IsSnapshot() {
		book.Clear()
	}

	for i := range env.Items {
		item := &env.Items[i]
		for j := range item.Bids {
			if err := r.apply(book, &item.Bids[j], ToSide(true)); err != nil {
				return err
			}
		}
		for j := range item.Asks {
			if err := r.apply(book, &item.Asks[j], ToSide(false)); err != nil {
				return err
			}
		}
	}

	if env.IsSnapshot() {
		levels := book.Levels()
		r.logger.Info("Snapshot applied",
			slog.Int("bid_levels", len(levels.Bids)),
			slog.Int("ask_levels", len(levels.Asks)),
		)
	}
	return nil
}

func (r *Reconciler) apply(book domain.OrderBook, ev *domain.ProtocolEvent, side domain.Side) error {
	id := domain.OrderID(ev.OrderID)
	start := time.Now()

	switch ev.Kind {
	case domain.EventAdd:
		order := ToOrder(ev, side)
		err := book.AddOrder(order)
		if errors.Is(err, domain.ErrOrderIDExists) {
			// The exchange resent the current state of a resting order.
			_ = book.CancelOrder(id)
			if err := book.AddOrder(order); err != nil {
				// The old entry is gone; the replica lacks this order until the next snapshot.
				r.metrics.RecordReplaceFailure()
				r.logger.Warn("Replace re-add failed, order dropped from replica",
					slog.String("order_id", ev.OrderID),
					slog.String("side", string(side)),
					slog.Any("error", err),
				)
			}
			r.observe(stats.OpReplace, start)
			return nil
		}
		r.observe(stats.OpAdd, start)
		if err != nil {
			return &ApplyError{Op: ev.Kind, OrderID: id, Side: side, Err: err}
		}

	case domain.EventModify:
		err := book.ModifyOrder(id, ToQuantity(ev.OrderQty))
		r.observe(stats.OpModify, start)
		if err != nil {
			return &ApplyError{Op: ev.Kind, OrderID: id, Side: side, Err: err}
		}

	case domain.EventDelete:
		err := book.CancelOrder(id)
		r.observe(stats.OpCancel, start)
		if err != nil {
			return &ApplyError{Op: ev.Kind, OrderID: id, Side: side, Err: err}
		}

	default:
		return &ApplyError{Op: ev.Kind, OrderID: id, Side: side, Err: ErrUnknownEvent}
	}
	return nil
}

func (r *Reconciler) observe(kind stats.OpKind, start time.Time) {
	if r.recorder != nil {
		r.recorder.Record(kind, time.Since(start))
	}
}
