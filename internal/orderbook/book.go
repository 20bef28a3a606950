// Package orderbook is an in-memory limit order book with price-time
// priority matching. It is the collaborator the feed reconciler mutates.
//
// Bids and asks each keep a heap of live prices for O(1) best-price peeks
// and a FIFO queue per price. An id index gives O(1) cancel and modify.
package orderbook

import (
	"container/heap"
	"fmt"
	"sort"

	"l3feed/internal/domain"
)

// Book is a single-symbol order book. It is not safe for concurrent use.
type Book struct {
	symbol string

	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	bids map[domain.Price]*priceLevel
	asks map[domain.Price]*priceLevel

	orders map[domain.OrderID]*orderNode

	trades    []domain.Trade
	lastPrice domain.Price
}

var _ domain.OrderBook = (*Book)(nil)

// New creates an empty book for symbol.
func New(symbol string) *Book {
	b := &Book{symbol: symbol}
	b.reset()
	return b
}

func (b *Book) reset() {
	b.bidHeap = &maxPriceHeap{}
	b.askHeap = &minPriceHeap{}
	heap.Init(b.bidHeap)
	heap.Init(b.askHeap)
	b.bids = make(map[domain.Price]*priceLevel)
	b.asks = make(map[domain.Price]*priceLevel)
	b.orders = make(map[domain.OrderID]*orderNode)
}

// Symbol returns the symbol this book is for.
func (b *Book) Symbol() string {
	return b.symbol
}

// AddOrder matches the order against the opposite side by price-time
// priority. Any remainder rests unless the order is IOC.
func (b *Book) AddOrder(o domain.Order) error {
	if o.Qty <= 0 || o.Price < 0 {
		return fmt.Errorf("%w: id=%s price=%d qty=%d", domain.ErrInvalidOrder, o.ID, o.Price, o.Qty)
	}
	if _, exists := b.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrOrderIDExists, o.ID)
	}

	for o.Qty > 0 {
		level := b.bestOpposite(o.Side)
		if level == nil || !o.Side.Crosses(o.Price, level.price) {
			break
		}
		maker := level.head
		match := min(o.Qty, maker.order.Qty)
		o.Qty -= match
		b.trades = append(b.trades, domain.Trade{
			TakerID: o.ID,
			MakerID: maker.order.ID,
			Price:   level.price,
			Qty:     match,
		})
		b.lastPrice = level.price

		if match == maker.order.Qty {
			b.removeNode(maker)
		} else {
			level.resize(maker, maker.order.Qty-match)
		}
	}

	if o.Qty > 0 && o.Type != domain.OrderTypeImmediateOrCancel {
		b.rest(o)
	}
	return nil
}

// CancelOrder removes a resting order.
func (b *Book) CancelOrder(id domain.OrderID) error {
	node, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	b.removeNode(node)
	return nil
}

// ModifyOrder sets the remaining quantity of a resting order in place.
// A zero quantity removes the order.
func (b *Book) ModifyOrder(id domain.OrderID, qty domain.Quantity) error {
	node, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	if qty <= 0 {
		b.removeNode(node)
		return nil
	}
	node.level.resize(node, qty)
	return nil
}

// Order returns a resting order by id.
func (b *Book) Order(id domain.OrderID) (domain.Order, bool) {
	node, ok := b.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return node.order, true
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.orders)
}

// Levels returns all price levels, best first on each side.
func (b *Book) Levels() domain.Levels {
	return domain.Levels{
		Bids: collectLevels(b.bids, func(x, y domain.Price) bool { return x > y }),
		Asks: collectLevels(b.asks, func(x, y domain.Price) bool { return x < y }),
	}
}

func collectLevels(side map[domain.Price]*priceLevel, better func(x, y domain.Price) bool) []domain.Level {
	levels := make([]domain.Level, 0, len(side))
	for price, pl := range side {
		levels = append(levels, domain.Level{Price: price, Qty: pl.totalQty, Orders: pl.count})
	}
	sort.Slice(levels, func(i, j int) bool {
		return better(levels[i].Price, levels[j].Price)
	})
	return levels
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (domain.Price, bool) {
	if b.bidHeap.Len() == 0 {
		return 0, false
	}
	return (*b.bidHeap)[0], true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (domain.Price, bool) {
	if b.askHeap.Len() == 0 {
		return 0, false
	}
	return (*b.askHeap)[0], true
}

// MidPrice returns (bestBid + bestAsk) / 2 when both sides are populated.
func (b *Book) MidPrice() (domain.Price, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// LastPrice returns the price of the most recent fill, 0 if none.
func (b *Book) LastPrice() domain.Price {
	return b.lastPrice
}

// Trades returns a copy of the fills recorded since the last ClearTrades.
func (b *Book) Trades() []domain.Trade {
	out := make([]domain.Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// ClearTrades drops the fill history. Resting orders are untouched.
func (b *Book) ClearTrades() {
	b.trades = nil
}

// Clear discards every resting order and the fill history.
func (b *Book) Clear() {
	b.reset()
	b.trades = nil
	b.lastPrice = 0
}

func (b *Book) bestOpposite(side domain.Side) *priceLevel {
	if side == domain.SideBuy {
		if p, ok := b.BestAsk(); ok {
			return b.asks[p]
		}
		return nil
	}
	if p, ok := b.BestBid(); ok {
		return b.bids[p]
	}
	return nil
}

func (b *Book) rest(o domain.Order) {
	side, h := b.bids, heap.Interface(b.bidHeap)
	if o.Side == domain.SideSell {
		side, h = b.asks, b.askHeap
	}
	level, ok := side[o.Price]
	if !ok {
		level = newPriceLevel(o.Price)
		side[o.Price] = level
		heap.Push(h, o.Price)
	}
	b.orders[o.ID] = level.append(o)
}

func (b *Book) removeNode(node *orderNode) {
	level := node.level
	side := node.order.Side
	delete(b.orders, node.order.ID)
	level.remove(node)
	if !level.isEmpty() {
		return
	}
	if side == domain.SideBuy {
		delete(b.bids, level.price)
		removePrice(b.bidHeap, func(i int) domain.Price { return (*b.bidHeap)[i] }, level.price)
	} else {
		delete(b.asks, level.price)
		removePrice(b.askHeap, func(i int) domain.Price { return (*b.askHeap)[i] }, level.price)
	}
}

// removePrice drops an emptied price from its heap (O(P), only on level removal).
func removePrice(h heap.Interface, at func(int) domain.Price, price domain.Price) {
	for i := 0; i < h.Len(); i++ {
		if at(i) == price {
			heap.Remove(h, i)
			return
		}
	}
}
