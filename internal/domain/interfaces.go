package domain

// OrderBook is the collaborator the reconciler mutates. Implementations
// are not required to be safe for concurrent use; the feed loop owns the
// book exclusively.
type OrderBook interface {
	// AddOrder places an order. A resting order with the same id yields
	// ErrOrderIDExists.
	AddOrder(order Order) error
	// CancelOrder removes a resting order. Unknown ids yield ErrOrderNotFound.
	CancelOrder(id OrderID) error
	// ModifyOrder sets the remaining quantity of a resting order.
	ModifyOrder(id OrderID, qty Quantity) error
	// Levels returns the aggregated book.
	Levels() Levels
	// MidPrice returns the mid of best bid and best ask, if both exist.
	MidPrice() (Price, bool)
	// Clear discards every resting order. Invoked on snapshot resync.
	Clear()
}
