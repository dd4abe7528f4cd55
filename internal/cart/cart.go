// Package cart holds the pending wager list of one user: single-pool
// exclusivity, amount stepping and session-bound order submission.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrNotBuilding      = errors.New("cart is being submitted")
	ErrUnknownItem      = errors.New("item not in cart")
	ErrCheckoutRejected = errors.New("checkout rejected")
	ErrNoOpenSession    = errors.New("no open session for pool")
	ErrSessionMismatch  = errors.New("open session belongs to another slot")
)

// RejectionError carries the gate decision that refused a checkout.
type RejectionError struct {
	Decision gate.Decision
}

func (e *RejectionError) Error() string {
	if e.Decision.ItemID != "" {
		return fmt.Sprintf("checkout rejected: %s (item %s)", e.Decision.Reason, e.Decision.ItemID)
	}
	return fmt.Sprintf("checkout rejected: %s", e.Decision.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrCheckoutRejected }

// Item is one wager line.
type Item struct {
	ItemID string `json:"itemId"`
	PoolID string `json:"poolId"`
	Amount int64  `json:"amount"`
	// Draft is uncommitted free-text input.
	Draft string `json:"draft,omitempty"`
}

// Checker re-validates a cart at submission time.
type Checker interface {
	CanCheckout(c gate.Cart, now time.Time) gate.Decision
}

// SessionSource resolves the open session of a pool.
type SessionSource interface {
	GetCurrentSession(ctx context.Context, poolID string) (*models.Session, error)
}

// OrderCreator submits an order to the backend.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req models.OrderRequest) (models.OrderReceipt, error)
}

// Cart is safe for concurrent use.
type Cart struct {
	rules    Rules
	fsm      *FSM
	checker  Checker
	sessions SessionSource
	orders   OrderCreator
	logger   zerolog.Logger

	mu        sync.Mutex
	state     State
	poolID    string
	slotIndex int
	items     []Item
	// attemptKey is reused across retries of an unchanged cart so the backend
	// can drop duplicate orders.
	attemptKey string
}

// New creates an empty cart.
func New(rules Rules, checker Checker, sessions SessionSource, orders OrderCreator, logger zerolog.Logger) *Cart {
	return &Cart{
		rules:    rules,
		fsm:      NewFSM(),
		checker:  checker,
		sessions: sessions,
		orders:   orders,
		logger:   logger.With().Str("component", "cart").Logger(),
		state:    StateEmpty,
	}
}

// Rules returns the amount rules of the cart.
func (c *Cart) Rules() Rules { return c.rules }

// AddItem adds itemID of poolID at the minimum amount. Items of a different
// pool or slot are discarded first. Adding an item already in the cart is a
// no-op.
func (c *Cart) AddItem(poolID, itemID string, slotIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return ErrNotBuilding
	}
	if len(c.items) > 0 && (c.poolID != poolID || c.slotIndex != slotIndex) {
		c.logger.Info().
			Str("from_pool", c.poolID).
			Str("to_pool", poolID).
			Int("discarded", len(c.items)).
			Msg("cart switched pool")
		c.items = nil
	}
	for _, it := range c.items {
		if it.ItemID == itemID {
			return nil
		}
	}
	c.poolID = poolID
	c.slotIndex = slotIndex
	c.items = append(c.items, Item{ItemID: itemID, PoolID: poolID, Amount: c.rules.Min})
	c.attemptKey = ""
	c.setState(StateBuilding)
	return nil
}

// RemoveItem drops itemID. Removing the last item empties the cart.
func (c *Cart) RemoveItem(itemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return ErrNotBuilding
	}
	i := c.indexLocked(itemID)
	if i < 0 {
		return ErrUnknownItem
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.attemptKey = ""
	if len(c.items) == 0 {
		c.resetLocked()
	}
	return nil
}

// UpdateAmount stores raw as an uncommitted draft. It is coerced only by
// CommitAmount, StepAmount or Submit.
func (c *Cart) UpdateAmount(itemID, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return ErrNotBuilding
	}
	i := c.indexLocked(itemID)
	if i < 0 {
		return ErrUnknownItem
	}
	c.items[i].Draft = raw
	return nil
}

// CommitAmount coerces the draft of itemID onto the step grid. Unparseable
// input is discarded and the previous amount kept.
func (c *Cart) CommitAmount(itemID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return 0, ErrNotBuilding
	}
	i := c.indexLocked(itemID)
	if i < 0 {
		return 0, ErrUnknownItem
	}
	c.commitLocked(i)
	return c.items[i].Amount, nil
}

// StepAmount commits any draft, then moves the amount of itemID by dir steps.
func (c *Cart) StepAmount(itemID string, dir int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return 0, ErrNotBuilding
	}
	i := c.indexLocked(itemID)
	if i < 0 {
		return 0, ErrUnknownItem
	}
	c.commitLocked(i)
	next := c.rules.StepBy(c.items[i].Amount, dir)
	if next != c.items[i].Amount {
		c.items[i].Amount = next
		c.attemptKey = ""
	}
	return next, nil
}

// Clear discards every item. It fails while an order is in flight.
func (c *Cart) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Mutable() {
		return ErrNotBuilding
	}
	if len(c.items) > 0 {
		c.logger.Info().Str("pool", c.poolID).Int("discarded", len(c.items)).Msg("cart cleared")
	}
	c.resetLocked()
	return nil
}

// Items returns a copy of the wager lines.
func (c *Cart) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// State returns the lifecycle state.
func (c *Cart) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PoolID returns the pool every item belongs to, or "" when empty.
func (c *Cart) PoolID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolID
}

// ItemIDs returns the item ids in insertion order.
func (c *Cart) ItemIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked().items
}

// SlotIndex returns the slot the cart was built in.
func (c *Cart) SlotIndex() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotIndex, len(c.items) > 0
}

// Snapshot returns a detached, consistent view of the cart for gate checks.
func (c *Cart) Snapshot() gate.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Submit re-checks the cart through the gate, binds it to the open session
// of its pool and creates one order. On any failure the cart stays in
// Building with its items intact; on success it is emptied.
func (c *Cart) Submit(ctx context.Context, now time.Time) (models.OrderReceipt, error) {
	c.mu.Lock()
	switch c.state {
	case StateEmpty:
		c.mu.Unlock()
		return models.OrderReceipt{}, ErrEmptyCart
	case StateBuilding:
	default:
		c.mu.Unlock()
		return models.OrderReceipt{}, ErrNotBuilding
	}

	for i := range c.items {
		c.commitLocked(i)
	}
	d := c.checker.CanCheckout(c.viewLocked(), now)
	if !d.Allowed {
		c.mu.Unlock()
		metrics.IncOrder("rejected")
		return models.OrderReceipt{}, &RejectionError{Decision: d}
	}

	c.setState(StateSubmitting)
	if c.attemptKey == "" {
		c.attemptKey = uuid.NewString()
	}
	poolID, slotIndex, key := c.poolID, c.slotIndex, c.attemptKey
	lines := make([]models.OrderLine, len(c.items))
	for i, it := range c.items {
		lines[i] = models.OrderLine{ItemID: it.ItemID, Amount: it.Amount}
	}
	c.mu.Unlock()

	receipt, err := c.place(ctx, poolID, slotIndex, lines, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.setState(StateFailed)
		c.setState(StateBuilding)
		metrics.IncOrder("failed")
		c.logger.Warn().Err(err).Str("pool", poolID).Int("lines", len(lines)).Msg("order submission failed")
		return models.OrderReceipt{}, err
	}
	c.setState(StateSubmitted)
	c.resetLocked()
	metrics.IncOrder("submitted")
	c.logger.Info().Str("pool", poolID).Str("order", receipt.OrderID).Int("lines", len(lines)).Msg("order submitted")
	return receipt, nil
}

func (c *Cart) place(ctx context.Context, poolID string, slotIndex int, lines []models.OrderLine, key string) (models.OrderReceipt, error) {
	session, err := c.sessions.GetCurrentSession(ctx, poolID)
	if err != nil {
		return models.OrderReceipt{}, fmt.Errorf("lookup session: %w", err)
	}
	if session == nil {
		return models.OrderReceipt{}, ErrNoOpenSession
	}
	if session.SlotIndex != slotIndex {
		return models.OrderReceipt{}, fmt.Errorf("%w: session %s is slot %d, cart is slot %d",
			ErrSessionMismatch, session.ID, session.SlotIndex, slotIndex)
	}

	receipt, err := c.orders.CreateOrder(ctx, models.OrderRequest{
		SessionID:      session.ID,
		Items:          lines,
		IdempotencyKey: key,
	})
	if err != nil {
		return models.OrderReceipt{}, fmt.Errorf("create order: %w", err)
	}
	return receipt, nil
}

func (c *Cart) indexLocked(itemID string) int {
	for i, it := range c.items {
		if it.ItemID == itemID {
			return i
		}
	}
	return -1
}

func (c *Cart) commitLocked(i int) {
	draft := c.items[i].Draft
	if draft == "" {
		return
	}
	c.items[i].Draft = ""
	amount, ok := CoerceAmount(draft, c.rules)
	if !ok {
		c.logger.Debug().Str("item", c.items[i].ItemID).Str("input", draft).Msg("amount input discarded")
		return
	}
	if amount != c.items[i].Amount {
		c.items[i].Amount = amount
		c.attemptKey = ""
	}
}

func (c *Cart) resetLocked() {
	c.items = nil
	c.poolID = ""
	c.slotIndex = 0
	c.attemptKey = ""
	c.setState(StateEmpty)
}

func (c *Cart) setState(to State) {
	if c.state == to {
		return
	}
	if !c.fsm.CanTransition(c.state, to) {
		c.logger.Error().Str("from", string(c.state)).Str("to", string(to)).Msg("invalid cart transition")
	}
	c.state = to
}

// view is an immutable copy handed to the gate so it never calls back into
// the locked cart.
type view struct {
	poolID    string
	slotIndex int
	items     []string
}

func (c *Cart) viewLocked() view {
	ids := make([]string, len(c.items))
	for i, it := range c.items {
		ids[i] = it.ItemID
	}
	return view{poolID: c.poolID, slotIndex: c.slotIndex, items: ids}
}

func (v view) PoolID() string { return v.poolID }
func (v view) ItemIDs() []string { return v.items }
func (v view) SlotIndex() (int, bool) { return v.slotIndex, len(v.items) > 0 }
