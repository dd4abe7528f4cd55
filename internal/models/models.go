// Package models holds the value types exchanged with the backend.
package models

// Session is an open betting session of a pool, bound to one slot.
type Session struct {
	ID        string `json:"id"`
	PoolID    string `json:"poolId,omitempty"`
	SlotIndex int    `json:"slotIndex"`
}

// ItemStatus is the capacity and ban state of one item within a session.
type ItemStatus struct {
	ItemID    string `json:"itemId"`
	Remaining int    `json:"remaining"`
	IsBanned  bool   `json:"isBanned"`
	BanReason string `json:"banReason,omitempty"`
}

// SoldOut reports whether the item has no admission quota left.
func (s ItemStatus) SoldOut() bool {
	return s.Remaining <= 0
}

// OrderLine is one wager in an order.
type OrderLine struct {
	ItemID string `json:"itemId"`
	Amount int64  `json:"amount"`
}

// OrderRequest submits every cart line against a single session.
type OrderRequest struct {
	SessionID      string      `json:"sessionId"`
	Items          []OrderLine `json:"items"`
	IdempotencyKey string      `json:"-"`
}

// Total sums the line amounts.
func (r OrderRequest) Total() int64 {
	var total int64
	for _, l := range r.Items {
		total += l.Amount
	}
	return total
}

// OrderReceipt is the backend's confirmation of a created order.
type OrderReceipt struct {
	OrderID string `json:"orderId"`
}
