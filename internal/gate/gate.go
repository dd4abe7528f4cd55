// Package gate authorizes wager actions by combining switches, the betting
// window and item capacity.
package gate

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/capacity"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
)

// Reason explains a refusal. Empty means allowed.
type Reason string

const (
	ReasonSystemOff    Reason = "system_off"
	ReasonPoolOff      Reason = "pool_off"
	ReasonUnknownPool  Reason = "unknown_pool"
	ReasonWindowClosed Reason = "window_closed"
	ReasonSoldOut      Reason = "sold_out"
	ReasonBanned       Reason = "banned"
	ReasonEmptyCart    Reason = "empty_cart"
	ReasonMixedPools   Reason = "mixed_pools"
	ReasonSlotChanged  Reason = "slot_changed"
)

const (
	checkAddToCart = "add_to_cart"
	checkCheckout  = "checkout"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool            `json:"allowed"`
	Reason  Reason          `json:"reason,omitempty"`
	ItemID  string          `json:"itemId,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Status  schedule.Status `json:"status"`
}

// SwitchReader exposes the switch mirror.
type SwitchReader interface {
	Master() bool
	IsPoolAdmissible(poolID string) bool
}

// StatusReader resolves a pool's window.
type StatusReader interface {
	Status(poolID string, now time.Time) (schedule.Status, bool)
}

// CapacityReader exposes the latest capacity snapshot.
type CapacityReader interface {
	Snapshot() *capacity.Snapshot
}

// Cart is the read-only view of a cart the gate needs.
type Cart interface {
	PoolID() string
	ItemIDs() []string
	SlotIndex() (int, bool)
}

// Gate is the single authorization point. It holds no state of its own and
// reads the latest applied store snapshots on every call.
type Gate struct {
	switches SwitchReader
	statuses StatusReader
	capacity CapacityReader
	logger   zerolog.Logger
}

// New creates a gate. capacity may be nil.
func New(switches SwitchReader, statuses StatusReader, capacity CapacityReader, logger zerolog.Logger) *Gate {
	return &Gate{
		switches: switches,
		statuses: statuses,
		capacity: capacity,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// CanAddToCart checks whether itemID of poolID may be added to a cart at now.
func (g *Gate) CanAddToCart(poolID, itemID string, now time.Time) Decision {
	d := g.admitPool(poolID, now)
	if d.Allowed {
		d = g.admitItem(d, poolID, itemID)
	}
	metrics.IncAdmission(checkAddToCart, string(d.Reason))
	return d
}

// CanCheckout re-evaluates every cart line against the current state. It must
// be called at submission time, never reused from an earlier check.
func (g *Gate) CanCheckout(c Cart, now time.Time) Decision {
	d := g.checkout(c, now)
	metrics.IncAdmission(checkCheckout, string(d.Reason))
	if !d.Allowed {
		g.logger.Info().
			Str("pool", c.PoolID()).
			Str("reason", string(d.Reason)).
			Str("item", d.ItemID).
			Msg("checkout refused")
	}
	return d
}

func (g *Gate) checkout(c Cart, now time.Time) Decision {
	items := c.ItemIDs()
	if len(items) == 0 {
		return Decision{Reason: ReasonEmptyCart}
	}
	poolID := c.PoolID()
	if poolID == "" {
		return Decision{Reason: ReasonMixedPools}
	}

	d := g.admitPool(poolID, now)
	if !d.Allowed {
		return d
	}
	if slot, ok := c.SlotIndex(); ok && slot != d.Status.SlotIndex {
		d.Allowed = false
		d.Reason = ReasonSlotChanged
		return d
	}
	for _, id := range items {
		if d = g.admitItem(d, poolID, id); !d.Allowed {
			return d
		}
	}
	return d
}

func (g *Gate) admitPool(poolID string, now time.Time) Decision {
	if !g.switches.Master() {
		return Decision{Reason: ReasonSystemOff}
	}
	if !g.switches.IsPoolAdmissible(poolID) {
		return Decision{Reason: ReasonPoolOff}
	}
	st, ok := g.statuses.Status(poolID, now)
	if !ok {
		return Decision{Reason: ReasonUnknownPool}
	}
	if !st.IsOpen {
		return Decision{Reason: ReasonWindowClosed, Status: st}
	}
	return Decision{Allowed: true, Status: st}
}

func (g *Gate) admitItem(d Decision, poolID, itemID string) Decision {
	if g.capacity == nil {
		return d
	}
	snap := g.capacity.Snapshot()
	// A snapshot for another pool or slot says nothing about this one.
	if snap == nil || snap.PoolID != poolID || snap.SlotIndex != d.Status.SlotIndex {
		return d
	}
	blocked, detail := snap.Blocks(itemID)
	if !blocked {
		return d
	}
	d.Allowed = false
	d.ItemID = itemID
	d.Detail = detail
	if _, banned := snap.Banned[itemID]; banned {
		d.Reason = ReasonBanned
	} else {
		d.Reason = ReasonSoldOut
	}
	return d
}
