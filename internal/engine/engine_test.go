package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initforge/u.i-conhon-sub001/internal/capacity"
	"github.com/initforge/u.i-conhon-sub001/internal/cart"
	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
	"github.com/initforge/u.i-conhon-sub001/internal/pools"
	"github.com/initforge/u.i-conhon-sub001/internal/realtime"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

type fakePush struct {
	mu   sync.Mutex
	subs map[realtime.EventType][]func(realtime.Event) error
}

func (p *fakePush) Subscribe(t realtime.EventType, fn func(realtime.Event) error) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = map[realtime.EventType][]func(realtime.Event) error{}
	}
	p.subs[t] = append(p.subs[t], fn)
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, t)
	}
}

func (p *fakePush) emit(ev realtime.Event) error {
	p.mu.Lock()
	subs := append([]func(realtime.Event) error{}, p.subs[ev.Type()]...)
	p.mu.Unlock()
	var errs []error
	for _, fn := range subs {
		errs = append(errs, fn(ev))
	}
	return errors.Join(errs...)
}

type fakeBackend struct {
	mu         sync.Mutex
	switchSet  switches.SwitchSet
	configs    []schedule.PoolConfig
	session    *models.Session
	orders     []models.OrderRequest
	invalidate int
	failSync   bool
}

func (b *fakeBackend) GetSwitches(context.Context) (switches.SwitchSet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSync {
		return switches.SwitchSet{}, errors.New("backend down")
	}
	return b.switchSet.Clone(), nil
}

func (b *fakeBackend) GetPoolConfigs(context.Context) ([]schedule.PoolConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSync {
		return nil, errors.New("backend down")
	}
	return b.configs, nil
}

func (b *fakeBackend) InvalidateCache(context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidate++
}

func (b *fakeBackend) GetCurrentSession(_ context.Context, poolID string) (*models.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || b.session.PoolID != poolID {
		return nil, nil
	}
	s := *b.session
	return &s, nil
}

func (b *fakeBackend) GetSessionItems(context.Context, string) ([]models.ItemStatus, error) {
	return []models.ItemStatus{{ItemID: "36", Remaining: 0}}, nil
}

func (b *fakeBackend) CreateOrder(_ context.Context, req models.OrderRequest) (models.OrderReceipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, req)
	return models.OrderReceipt{OrderID: "o-1"}, nil
}

func slot(start, end string) schedule.TimeSlot {
	return schedule.TimeSlot{Start: schedule.MustParseClock(start), End: schedule.MustParseClock(end)}
}

func anNhon(end string) schedule.PoolConfig {
	return schedule.PoolConfig{
		ID:        "an-nhon",
		TimeSlots: []schedule.TimeSlot{slot("07:30", end), slot("13:00", "17:30")},
	}
}

type harness struct {
	engine  *Engine
	push    *fakePush
	backend *fakeBackend
	clock   *clockwork.FakeClock
	sw      *switches.Store
	pools   *pools.Store
	cart    *cart.Cart
	poller  *capacity.Poller
}

// newHarness starts at 2026-02-10 10:00 UTC with An Nhơn open until 10:30.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC))
	b := &fakeBackend{
		switchSet: switches.SwitchSet{Master: true, Pools: map[string]bool{"an-nhon": true}},
		configs:   []schedule.PoolConfig{anNhon("10:30")},
		session:   &models.Session{ID: "s-1", PoolID: "an-nhon", SlotIndex: 0},
	}
	sw := switches.NewStore(b.switchSet.Clone(), logger)
	ps := pools.NewStore(pools.DefaultCatalog(), nil, b.configs, logger)
	poller := capacity.NewPoller(b, time.Hour, clockwork.NewFakeClock(), logger)
	g := gate.New(sw, ps, poller, logger)
	c := cart.New(cart.DefaultRules(), g, b, b, logger)
	push := &fakePush{}

	e := New(Deps{
		Switches: sw,
		Pools:    ps,
		Gate:     g,
		Cart:     c,
		Poller:   poller,
		Syncer:   b,
		Push:     push,
	}, Options{
		StatusInterval:    30 * time.Second,
		CountdownInterval: time.Second,
		Location:          time.UTC,
		Clock:             clock,
	}, logger)
	t.Cleanup(e.Close)

	return &harness{engine: e, push: push, backend: b, clock: clock, sw: sw, pools: ps, cart: c, poller: poller}
}

func TestEngine_SelectPoolStartsPolling(t *testing.T) {
	h := newHarness(t)

	st, err := h.engine.SelectPool("an-nhon")
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	assert.Equal(t, 0, st.SlotIndex)

	pool, slotIndex, ok := h.poller.Active()
	assert.True(t, ok)
	assert.Equal(t, "an-nhon", pool)
	assert.Equal(t, 0, slotIndex)

	require.Eventually(t, func() bool { return h.poller.Snapshot() != nil }, time.Second, time.Millisecond)
	d := h.engine.CanAddToCart("an-nhon", "36")
	assert.Equal(t, gate.ReasonSoldOut, d.Reason)

	_, err = h.engine.SelectPool("ghost")
	assert.ErrorIs(t, err, pools.ErrUnknownPool)
}

func TestEngine_GetSessionStatus(t *testing.T) {
	h := newHarness(t)
	st, err := h.engine.GetSessionStatus("an-nhon")
	require.NoError(t, err)
	assert.True(t, st.IsOpen)
	assert.Equal(t, schedule.MustParseClock("10:30"), st.CloseTime)
	assert.Equal(t, time.Date(2026, 2, 10, 10, 30, 0, 0, time.UTC), st.At)

	_, err = h.engine.GetSessionStatus("nhon-phong")
	assert.ErrorIs(t, err, pools.ErrUnknownPool)
}

func TestEngine_AddItemRefusedByGate(t *testing.T) {
	h := newHarness(t)
	h.sw.ApplyRemote(switches.SwitchSet{Master: true, Pools: map[string]bool{"an-nhon": false}})

	d, err := h.engine.AddItem("an-nhon", "01")
	assert.ErrorIs(t, err, ErrNotAdmitted)
	assert.Equal(t, gate.ReasonPoolOff, d.Reason)
	assert.Equal(t, cart.StateEmpty, h.cart.State())
}

func TestEngine_AddAndSubmit(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)
	require.NoError(t, h.engine.UpdateAmount("01", "52000"))
	amount, err := h.engine.CommitAmount("01")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), amount)

	v := h.engine.View()
	assert.Equal(t, "an-nhon", v.PoolID)
	assert.True(t, v.SessionActive)
	assert.Equal(t, int64(50000), v.Total)
	assert.Equal(t, "00:30:00", v.Countdown)

	assert.True(t, h.engine.CanCheckout().Allowed)
	receipt, err := h.engine.SubmitOrder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "o-1", receipt.OrderID)
	require.Len(t, h.backend.orders, 1)
	assert.Equal(t, "s-1", h.backend.orders[0].SessionID)
	assert.Equal(t, cart.StateEmpty, h.cart.State())
}

func TestEngine_MasterOffForcesLogout(t *testing.T) {
	h := newHarness(t)
	var reasons []string
	h.engine.OnForceLogout(func(reason string) { reasons = append(reasons, reason) })

	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)

	require.NoError(t, h.push.emit(realtime.SwitchUpdate{Switches: switches.SwitchSet{Master: false, Pools: map[string]bool{"an-nhon": true}}}))

	assert.Equal(t, []string{LogoutSystemOff}, reasons)
	assert.Equal(t, cart.StateEmpty, h.cart.State())
	assert.False(t, h.engine.View().SessionActive)
	_, _, ok := h.poller.Active()
	assert.False(t, ok)

	// Checkout attempted after the flip is refused regardless of the cart.
	d := h.engine.CanCheckout()
	assert.False(t, d.Allowed)

	// Repeating the same state is a no-op.
	require.NoError(t, h.push.emit(realtime.SwitchUpdate{Switches: switches.SwitchSet{Master: false, Pools: map[string]bool{"an-nhon": true}}}))
	assert.Len(t, reasons, 1)
}

func TestEngine_PoolSwitchOffClearsCart(t *testing.T) {
	h := newHarness(t)
	var logouts int
	h.engine.OnForceLogout(func(string) { logouts++ })

	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)

	require.NoError(t, h.push.emit(realtime.SwitchUpdate{Switches: switches.SwitchSet{Master: true, Pools: map[string]bool{"an-nhon": false}}}))

	assert.Equal(t, cart.StateEmpty, h.cart.State())
	assert.Zero(t, logouts)
	assert.True(t, h.engine.View().SessionActive)
}

func TestEngine_PoolConfigPushClosesWindow(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)

	require.NoError(t, h.push.emit(realtime.PoolConfigUpdate{Configs: []schedule.PoolConfig{anNhon("09:30")}}))

	st, err := h.engine.GetSessionStatus("an-nhon")
	require.NoError(t, err)
	assert.False(t, st.IsOpen)
	assert.Equal(t, cart.StateEmpty, h.cart.State())
}

func TestEngine_TickClosesWindow(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var statuses []schedule.Status
	h.engine.OnStatus(func(_ string, st schedule.Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	h.clock.BlockUntil(2)
	h.clock.Advance(30 * time.Minute)

	require.Eventually(t, func() bool { return h.cart.State() == cart.StateEmpty }, time.Second, 5*time.Millisecond)
	_, _, ok := h.poller.Active()
	assert.False(t, ok)

	mu.Lock()
	require.NotEmpty(t, statuses)
	assert.False(t, statuses[len(statuses)-1].IsOpen)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngine_ConnectedTriggersResync(t *testing.T) {
	h := newHarness(t)
	h.backend.mu.Lock()
	h.backend.switchSet = switches.SwitchSet{Master: true, Pools: map[string]bool{"an-nhon": true, "hoai-nhon": true}}
	h.backend.mu.Unlock()

	require.NoError(t, h.push.emit(realtime.Connected{ClientID: "c-1"}))
	assert.True(t, h.sw.IsPoolAdmissible("hoai-nhon"))
	assert.Equal(t, 1, h.backend.invalidate)

	h.backend.mu.Lock()
	h.backend.failSync = true
	h.backend.mu.Unlock()
	assert.Error(t, h.push.emit(realtime.Connected{ClientID: "c-2"}))
	assert.True(t, h.sw.IsPoolAdmissible("hoai-nhon"))
}

func TestEngine_LogoutAndClose(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.AddItem("an-nhon", "01")
	require.NoError(t, err)

	h.engine.Logout()
	assert.Equal(t, cart.StateEmpty, h.cart.State())
	assert.Empty(t, h.engine.View().PoolID)

	h.engine.Close()
	require.NoError(t, h.push.emit(realtime.SwitchUpdate{Switches: switches.SwitchSet{Master: false}}))
	assert.True(t, h.sw.Master())
}
