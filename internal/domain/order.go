package domain

// OrderID is the exchange-assigned order identifier. It is opaque: the
// adapter never generates or rewrites it.
type OrderID string

// Price is a limit price in cents (wire price x 100).
type Price int64

// Quantity is an order size in 1e-8 units (wire qty x 10^8).
type Quantity int64

// Side of the book an order rests on.
type Side string

// OrderType controls how long an order may rest.
type OrderType string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderTypeGoodTillCancelled OrderType = "GTC"
	OrderTypeImmediateOrCancel OrderType = "IOC"
)

// Order represents a resting (or aggressing) limit order.
// All monetary values are strictly int64.
type Order struct {
	ID    OrderID
	Type  OrderType
	Side  Side
	Price Price
	Qty   Quantity
}

// NewOrder builds an order value.
func NewOrder(id OrderID, typ OrderType, side Side, price Price, qty Quantity) Order {
	return Order{ID: id, Type: typ, Side: side, Price: price, Qty: qty}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Crosses reports whether an order at price p on side s would trade against
// a resting level at price level.
func (s Side) Crosses(p, level Price) bool {
	if s == SideBuy {
		return level <= p
	}
	return level >= p
}

// Level is an aggregated price level.
type Level struct {
	Price  Price    `json:"price"`
	Qty    Quantity `json:"qty"`
	Orders int      `json:"orders"`
}

// Levels is an aggregated view of both sides.
// Bids are sorted high to low, asks low to high (best first).
type Levels struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Trade is a fill produced when an aggressor crosses resting liquidity.
type Trade struct {
	TakerID OrderID
	MakerID OrderID
	Price   Price
	Qty     Quantity
}
