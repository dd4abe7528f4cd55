// Package engine wires the stores, the push channel, the gate, the capacity
// poller and the cart into the operations presentation code calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/capacity"
	"github.com/initforge/u.i-conhon-sub001/internal/cart"
	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
	"github.com/initforge/u.i-conhon-sub001/internal/pools"
	"github.com/initforge/u.i-conhon-sub001/internal/realtime"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

// LogoutSystemOff is the reason passed to force-logout handlers when the
// master switch turns off.
const LogoutSystemOff = "system_off"

const resyncTimeout = 15 * time.Second

// ErrNotAdmitted is returned when the gate refuses an add-to-cart.
var ErrNotAdmitted = errors.New("not admitted")

// Syncer reads the authoritative state after a (re)connect.
type Syncer interface {
	GetSwitches(ctx context.Context) (switches.SwitchSet, error)
	GetPoolConfigs(ctx context.Context) ([]schedule.PoolConfig, error)
	InvalidateCache(ctx context.Context)
}

// Push is the subset of the push channel the engine subscribes to.
type Push interface {
	Subscribe(t realtime.EventType, fn func(realtime.Event) error) (unsubscribe func())
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Switches *switches.Store
	Pools    *pools.Store
	Gate     *gate.Gate
	Cart     *cart.Cart
	Poller   *capacity.Poller
	Syncer   Syncer
	Push     Push
}

// Options tune the tick loops.
type Options struct {
	StatusInterval    time.Duration
	CountdownInterval time.Duration
	Location          *time.Location
	Clock             clockwork.Clock
}

// View is a snapshot of the user-facing state.
type View struct {
	PoolID        string           `json:"poolId,omitempty"`
	SessionActive bool             `json:"sessionActive"`
	Status        *schedule.Status `json:"status,omitempty"`
	Countdown     string           `json:"countdown,omitempty"`
	CartState     cart.State       `json:"cartState"`
	Items         []cart.Item      `json:"items"`
	Total         int64            `json:"total"`
}

// Engine serializes user actions and store reactions behind one mutex. The
// stores themselves are lock-free snapshots, so gate checks always see the
// latest applied state.
type Engine struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu            sync.Mutex
	baseCtx       context.Context
	selected      string
	sessionActive bool
	last          schedule.Status
	hasLast       bool

	handlersMu     sync.Mutex
	logoutHandlers []func(reason string)
	statusHandlers []func(poolID string, st schedule.Status)

	unsubs []func()
}

// New creates an engine and subscribes it to the push channel and stores.
func New(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 30 * time.Second
	}
	if opts.CountdownInterval <= 0 {
		opts.CountdownInterval = time.Second
	}
	e := &Engine{
		deps:    deps,
		opts:    opts,
		logger:  logger.With().Str("component", "engine").Logger(),
		baseCtx: context.Background(),
	}

	if deps.Push != nil {
		e.unsubs = append(e.unsubs,
			deps.Push.Subscribe(realtime.EventSwitchUpdate, func(ev realtime.Event) error {
				deps.Switches.ApplyRemote(ev.(realtime.SwitchUpdate).Switches)
				return nil
			}),
			deps.Push.Subscribe(realtime.EventPoolConfigUpdate, func(ev realtime.Event) error {
				return deps.Pools.ApplyRemote(ev.(realtime.PoolConfigUpdate).Configs)
			}),
			deps.Push.Subscribe(realtime.EventConnected, func(realtime.Event) error {
				ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
				defer cancel()
				return e.Resync(ctx)
			}),
		)
	}
	e.unsubs = append(e.unsubs,
		deps.Switches.Subscribe(e.onSwitchChange),
		deps.Pools.Subscribe(func([]schedule.PoolConfig) { e.refresh() }),
	)
	return e
}

// Run drives the status and countdown ticks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	statusTicker := e.opts.Clock.NewTicker(e.opts.StatusInterval)
	defer statusTicker.Stop()
	countdownTicker := e.opts.Clock.NewTicker(e.opts.CountdownInterval)
	defer countdownTicker.Stop()

	e.logger.Info().
		Dur("status_interval", e.opts.StatusInterval).
		Dur("countdown_interval", e.opts.CountdownInterval).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			e.deps.Poller.Stop()
			e.logger.Info().Msg("engine stopped")
			return nil
		case <-statusTicker.Chan():
			e.refresh()
		case <-countdownTicker.Chan():
			e.countdown()
		}
	}
}

// Close removes every subscription made by New.
func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.deps.Poller.Stop()
}

// Resync reloads switches and pool configs from the backend, bypassing any
// read cache. Both are attempted even if one fails.
func (e *Engine) Resync(ctx context.Context) error {
	if e.deps.Syncer == nil {
		return nil
	}
	e.deps.Syncer.InvalidateCache(ctx)

	var errs []error
	set, err := e.deps.Syncer.GetSwitches(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("resync switches: %w", err))
	} else {
		e.deps.Switches.ApplyRemote(set)
	}
	cfgs, err := e.deps.Syncer.GetPoolConfigs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("resync pool configs: %w", err))
	} else if err := e.deps.Pools.ApplyRemote(cfgs); err != nil {
		errs = append(errs, fmt.Errorf("resync pool configs: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn().Err(err).Msg("resync incomplete, keeping last known state")
		return err
	}
	e.logger.Debug().Msg("resync complete")
	return nil
}

// OnForceLogout registers fn to be called when the session is ended by the
// system.
func (e *Engine) OnForceLogout(fn func(reason string)) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.logoutHandlers = append(e.logoutHandlers, fn)
}

// OnStatus registers fn to be called with the selected pool's status on every
// tick and state change.
func (e *Engine) OnStatus(fn func(poolID string, st schedule.Status)) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.statusHandlers = append(e.statusHandlers, fn)
}

// SelectPool makes poolID the active pool of the session.
func (e *Engine) SelectPool(poolID string) (schedule.Status, error) {
	now := e.now()
	st, ok := e.deps.Pools.Status(poolID, now)
	if !ok {
		return schedule.Status{}, fmt.Errorf("%w: %s", pools.ErrUnknownPool, poolID)
	}

	e.mu.Lock()
	e.selectLocked(poolID)
	st = e.recomputeLocked(now)
	e.mu.Unlock()

	e.notifyStatus(poolID, st)
	return st, nil
}

// Logout ends the session: clears the cart and stops polling.
func (e *Engine) Logout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endSessionLocked()
}

// GetSessionStatus resolves the window of poolID at the current time.
func (e *Engine) GetSessionStatus(poolID string) (schedule.Status, error) {
	st, ok := e.deps.Pools.Status(poolID, e.now())
	if !ok {
		return schedule.Status{}, fmt.Errorf("%w: %s", pools.ErrUnknownPool, poolID)
	}
	return st, nil
}

// CanAddToCart reports whether itemID of poolID may be added now.
func (e *Engine) CanAddToCart(poolID, itemID string) gate.Decision {
	return e.deps.Gate.CanAddToCart(poolID, itemID, e.now())
}

// CanCheckout re-validates the current cart now.
func (e *Engine) CanCheckout() gate.Decision {
	return e.deps.Gate.CanCheckout(e.deps.Cart.Snapshot(), e.now())
}

// AddItem adds itemID of poolID to the cart if the gate admits it. Adding
// from a pool other than the selected one selects it.
func (e *Engine) AddItem(poolID, itemID string) (gate.Decision, error) {
	now := e.now()
	d := e.deps.Gate.CanAddToCart(poolID, itemID, now)
	if !d.Allowed {
		return d, fmt.Errorf("%w: %s", ErrNotAdmitted, d.Reason)
	}

	e.mu.Lock()
	if e.selected != poolID {
		e.selectLocked(poolID)
		e.recomputeLocked(now)
	}
	err := e.deps.Cart.AddItem(poolID, itemID, d.Status.SlotIndex)
	e.mu.Unlock()
	return d, err
}

// RemoveItem drops itemID from the cart.
func (e *Engine) RemoveItem(itemID string) error {
	return e.deps.Cart.RemoveItem(itemID)
}

// UpdateAmount records free-text input without coercing it.
func (e *Engine) UpdateAmount(itemID, raw string) error {
	return e.deps.Cart.UpdateAmount(itemID, raw)
}

// CommitAmount coerces the pending input of itemID, as on blur.
func (e *Engine) CommitAmount(itemID string) (int64, error) {
	return e.deps.Cart.CommitAmount(itemID)
}

// StepAmount moves the amount of itemID by dir steps.
func (e *Engine) StepAmount(itemID string, dir int) (int64, error) {
	return e.deps.Cart.StepAmount(itemID, dir)
}

// SubmitOrder submits the cart. The gate is re-checked inside.
func (e *Engine) SubmitOrder(ctx context.Context) (models.OrderReceipt, error) {
	return e.deps.Cart.Submit(ctx, e.now())
}

// View returns the current user-facing state.
func (e *Engine) View() View {
	e.mu.Lock()
	v := View{PoolID: e.selected, SessionActive: e.sessionActive}
	e.mu.Unlock()

	now := e.now()
	if v.PoolID != "" {
		if st, ok := e.deps.Pools.Status(v.PoolID, now); ok {
			v.Status = &st
			v.Countdown = schedule.FormatCountdown(st.Remaining(now))
		}
	}
	v.CartState = e.deps.Cart.State()
	v.Items = e.deps.Cart.Items()
	for _, it := range v.Items {
		v.Total += it.Amount
	}
	return v
}

func (e *Engine) now() time.Time {
	return e.opts.Clock.Now().In(e.opts.Location)
}

func (e *Engine) selectLocked(poolID string) {
	if e.selected != poolID {
		e.logger.Info().Str("pool", poolID).Msg("pool selected")
	}
	e.selected = poolID
	e.sessionActive = true
	e.hasLast = false
}

func (e *Engine) endSessionLocked() {
	e.selected = ""
	e.sessionActive = false
	e.hasLast = false
	e.deps.Poller.Stop()
	if err := e.deps.Cart.Clear(); err != nil {
		e.logger.Warn().Err(err).Msg("cart not cleared on logout")
	}
}

// recomputeLocked starts polling while the selected pool is admissible and
// open, and otherwise stops polling and drops a cart under construction.
func (e *Engine) recomputeLocked(now time.Time) schedule.Status {
	if e.selected == "" {
		e.deps.Poller.Stop()
		return schedule.Status{}
	}
	st, ok := e.deps.Pools.Status(e.selected, now)
	admitted := ok && st.IsOpen && e.deps.Switches.IsPoolAdmissible(e.selected)

	if admitted {
		e.deps.Poller.Start(e.baseCtx, e.selected, st.SlotIndex)
	} else {
		e.deps.Poller.Stop()
		if e.deps.Cart.State() == cart.StateBuilding {
			if err := e.deps.Cart.Clear(); err == nil {
				e.logger.Info().Str("pool", e.selected).Msg("gate closed, cart cleared")
			}
		}
	}
	e.last, e.hasLast = st, true
	return st
}

func (e *Engine) refresh() {
	now := e.now()
	e.mu.Lock()
	poolID := e.selected
	st := e.recomputeLocked(now)
	e.mu.Unlock()

	if poolID != "" {
		e.notifyStatus(poolID, st)
	}
}

// countdown notifies listeners and recomputes only when the window flipped
// or moved to another slot since the last check.
func (e *Engine) countdown() {
	now := e.now()
	e.mu.Lock()
	poolID := e.selected
	if poolID == "" {
		e.mu.Unlock()
		return
	}
	st, ok := e.deps.Pools.Status(poolID, now)
	if ok && (!e.hasLast || st.IsOpen != e.last.IsOpen || st.SlotIndex != e.last.SlotIndex) {
		st = e.recomputeLocked(now)
	}
	e.mu.Unlock()

	if ok {
		e.notifyStatus(poolID, st)
	}
}

func (e *Engine) onSwitchChange(c switches.Change) {
	if c.MasterTurnedOff() {
		e.mu.Lock()
		active := e.sessionActive
		if active {
			e.endSessionLocked()
		}
		e.mu.Unlock()

		if active {
			metrics.IncForcedLogout()
			e.logger.Warn().Msg("system switched off, forcing logout")
			e.notifyLogout(LogoutSystemOff)
		}
		return
	}
	e.refresh()
}

func (e *Engine) notifyLogout(reason string) {
	e.handlersMu.Lock()
	handlers := append([]func(string){}, e.logoutHandlers...)
	e.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
}

func (e *Engine) notifyStatus(poolID string, st schedule.Status) {
	e.handlersMu.Lock()
	handlers := append([]func(string, schedule.Status){}, e.statusHandlers...)
	e.handlersMu.Unlock()
	for _, fn := range handlers {
		fn(poolID, st)
	}
}
