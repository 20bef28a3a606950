package orderbook

import "l3feed/internal/domain"

// orderNode is a node in the doubly-linked FIFO of orders at one price.
// The back-pointer to its level gives O(1) cancel.
type orderNode struct {
	order domain.Order
	prev  *orderNode
	next  *orderNode
	level *priceLevel
}

// priceLevel holds all orders at a single price in arrival order.
//
//	Price Level 15025:
//	  head -> [o1: 100] <-> [o2: 50] <-> [o3: 75] <- tail
//	  totalQty: 225
type priceLevel struct {
	price    domain.Price
	head     *orderNode
	tail     *orderNode
	count    int
	totalQty domain.Quantity
}

func newPriceLevel(price domain.Price) *priceLevel {
	return &priceLevel{price: price}
}

func (pl *priceLevel) isEmpty() bool {
	return pl.count == 0
}

// append adds an order at the tail (lowest time priority).
func (pl *priceLevel) append(order domain.Order) *orderNode {
	node := &orderNode{order: order, level: pl}
	if pl.tail == nil {
		pl.head = node
		pl.tail = node
	} else {
		node.prev = pl.tail
		pl.tail.next = node
		pl.tail = node
	}
	pl.count++
	pl.totalQty += order.Qty
	return node
}

// remove unlinks a node from anywhere in the queue.
func (pl *priceLevel) remove(node *orderNode) {
	if node == nil {
		return
	}
	pl.totalQty -= node.order.Qty
	pl.count--

	if node.prev != nil {
		node.prev.next = node.next
	} else {
		pl.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		pl.tail = node.prev
	}

	node.prev = nil
	node.next = nil
	node.level = nil
}

// resize changes a node's quantity in place, keeping its queue position.
func (pl *priceLevel) resize(node *orderNode, qty domain.Quantity) {
	pl.totalQty += qty - node.order.Qty
	node.order.Qty = qty
}
