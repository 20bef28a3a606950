package engine

import (
	"math"

	"l3feed/internal/domain"

	"github.com/shopspring/decimal"
)

// Fixed-point scales. Conversion is a binary64 multiply followed by a
// truncation toward zero, so 1.13 becomes 112 cents. Other feed replicas
// compute the same integers; do not round and do not scale in decimal.
const (
	priceScale    = 100.0
	quantityScale = 1e8
)

// ToPrice converts a wire price to cents, truncating.
func ToPrice(d decimal.Decimal) domain.Price {
	return ToPriceFloat(d.InexactFloat64())
}

// ToQuantity converts a wire quantity to 1e-8 units, truncating.
func ToQuantity(d decimal.Decimal) domain.Quantity {
	return ToQuantityFloat(d.InexactFloat64())
}

// ToPriceFloat converts a price to cents, truncating.
func ToPriceFloat(f float64) domain.Price {
	return domain.Price(scaleTrunc(f, priceScale))
}

// ToQuantityFloat converts a quantity to 1e-8 units, truncating.
func ToQuantityFloat(f float64) domain.Quantity {
	return domain.Quantity(scaleTrunc(f, quantityScale))
}

// scaleTrunc returns trunc(f * scale), saturating to [0, MaxInt64].
// NaN maps to 0.
func scaleTrunc(f, scale float64) int64 {
	v := f * scale
	if !(v > 0) {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// ToSide maps the list an event arrived in to a side.
func ToSide(isBid bool) domain.Side {
	if isBid {
		return domain.SideBuy
	}
	return domain.SideSell
}

// ToOrder builds the order an Add event describes.
func ToOrder(ev *domain.ProtocolEvent, side domain.Side) domain.Order {
	return domain.NewOrder(
		domain.OrderID(ev.OrderID),
		domain.OrderTypeGoodTillCancelled,
		side,
		ToPrice(ev.LimitPrice),
		ToQuantity(ev.OrderQty),
	)
}
