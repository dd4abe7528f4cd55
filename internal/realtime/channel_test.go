package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, len(frames)), closed: make(chan struct{})}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failFirst int
	conns     []*fakeConn
}

func (t *fakeTransport) Dial(context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failFirst || len(t.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := t.conns[0]
	t.conns = t.conns[1:]
	return c, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func fastConfig() Config {
	return Config{ReconnectWait: time.Millisecond, MaxReconnectWait: 4 * time.Millisecond, MaxConsecutiveFailures: 3}
}

func runChannel(t *testing.T, ch *Channel) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("channel did not stop")
			return nil
		}
	}
}

const switchFrame = `{"type":"switch_update","data":{"master":true,"pools":{"an-nhon":true}}}`

func TestChannel_FanOutInOrderWithFaultIsolation(t *testing.T) {
	conn := newFakeConn(switchFrame)
	ch := NewChannel(&fakeTransport{conns: []*fakeConn{conn}}, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	ch.Subscribe(EventSwitchUpdate, func(Event) error { record("first"); return nil })
	ch.Subscribe(EventSwitchUpdate, func(Event) error { record("panics"); panic("boom") })
	ch.Subscribe(EventSwitchUpdate, func(Event) error { record("errors"); return errors.New("nope") })
	ch.Subscribe(EventSwitchUpdate, func(ev Event) error {
		assert.True(t, ev.(SwitchUpdate).Switches.Admissible("an-nhon"))
		record("last")
		return nil
	})

	stop := runChannel(t, ch)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 4
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Equal(t, []string{"first", "panics", "errors", "last"}, calls)
}

func TestChannel_UnsubscribeStopsDelivery(t *testing.T) {
	conn := newFakeConn(switchFrame)
	ch := NewChannel(&fakeTransport{conns: []*fakeConn{conn}}, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	var removed, kept int
	var mu sync.Mutex
	unsub := ch.Subscribe(EventSwitchUpdate, func(Event) error { mu.Lock(); removed++; mu.Unlock(); return nil })
	ch.Subscribe(EventSwitchUpdate, func(Event) error { mu.Lock(); kept++; mu.Unlock(); return nil })
	assert.Equal(t, 2, ch.Stats().Subscribers)
	unsub()

	stop := runChannel(t, ch)
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return kept == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Equal(t, 0, removed)
}

func TestChannel_MalformedFramesAreDropped(t *testing.T) {
	conn := newFakeConn(`{"type":"switch_update","data":{}}`, `garbage`, switchFrame)
	ch := NewChannel(&fakeTransport{conns: []*fakeConn{conn}}, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	got := make(chan switches.SwitchSet, 4)
	ch.Subscribe(EventSwitchUpdate, func(ev Event) error {
		got <- ev.(SwitchUpdate).Switches
		return nil
	})

	stop := runChannel(t, ch)
	select {
	case set := <-got:
		assert.True(t, set.Master)
	case <-time.After(time.Second):
		t.Fatal("valid frame not delivered")
	}
	require.NoError(t, stop())
	assert.Empty(t, got)
}

func TestChannel_ReconnectsAfterFailures(t *testing.T) {
	conn := newFakeConn(`{"type":"connected","data":{"clientId":"c-9"}}`, `{"type":"heartbeat"}`)
	transport := &fakeTransport{failFirst: 2, conns: []*fakeConn{conn}}
	ch := NewChannel(transport, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	stop := runChannel(t, ch)
	require.Eventually(t, func() bool {
		st := ch.Stats()
		return st.Connected && st.ClientID == "c-9" && !st.LastHeartbeatAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	st := ch.Stats()
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 2, st.Reconnects)
	assert.NotEmpty(t, st.ConnectionID)
	require.NoError(t, stop())
	assert.False(t, ch.Stats().Connected)
}

func TestChannel_FailureCounterWrapsAndKeepsRetrying(t *testing.T) {
	transport := &fakeTransport{failFirst: 1 << 30}
	ch := NewChannel(transport, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	stop := runChannel(t, ch)
	require.Eventually(t, func() bool { return transport.Dials() >= 8 }, 2*time.Second, time.Millisecond)
	require.NoError(t, stop())

	st := ch.Stats()
	assert.Less(t, st.ConsecutiveFailures, 3)
	assert.GreaterOrEqual(t, st.OutageResets, 2)
}

func TestChannel_BackoffIsBounded(t *testing.T) {
	ch := NewChannel(&fakeTransport{}, Config{ReconnectWait: time.Second, MaxReconnectWait: 5 * time.Second, MaxConsecutiveFailures: 50}, nil, zerolog.New(io.Discard))

	assert.Equal(t, time.Second, ch.backoff(1))
	assert.Equal(t, 2*time.Second, ch.backoff(2))
	assert.Equal(t, 4*time.Second, ch.backoff(3))
	assert.Equal(t, 5*time.Second, ch.backoff(4))
	assert.Equal(t, 5*time.Second, ch.backoff(40))
}

func TestChannel_BackoffWaitsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{failFirst: 1, conns: []*fakeConn{newFakeConn()}}
	ch := NewChannel(transport, Config{ReconnectWait: time.Minute, MaxConsecutiveFailures: 5}, clock, zerolog.New(io.Discard))

	stop := runChannel(t, ch)
	clock.BlockUntil(1)
	assert.Equal(t, 1, transport.Dials())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return ch.Stats().Connected }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
}

func TestChannel_CloseAndSingleRun(t *testing.T) {
	ch := NewChannel(&fakeTransport{conns: []*fakeConn{newFakeConn()}}, fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()
	require.Eventually(t, func() bool { return ch.Stats().Connected }, time.Second, time.Millisecond)

	assert.ErrorIs(t, ch.Run(context.Background()), ErrAlreadyRunning)

	require.NoError(t, ch.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.ErrorIs(t, ch.Run(context.Background()), ErrClosed)
}

func TestWebSocketDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	keys := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("x-api-key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","data":{"clientId":"ws-1"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(switchFrame))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	cfg := DefaultWebSocketConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.APIKey = "secret"
	ch := NewChannel(NewWebSocketDialer(cfg), fastConfig(), clockwork.NewRealClock(), zerolog.New(io.Discard))

	got := make(chan switches.SwitchSet, 1)
	ch.Subscribe(EventSwitchUpdate, func(ev Event) error {
		got <- ev.(SwitchUpdate).Switches
		return nil
	})

	stop := runChannel(t, ch)
	select {
	case set := <-got:
		assert.True(t, set.Admissible("an-nhon"))
	case <-time.After(2 * time.Second):
		t.Fatal("no switch update over websocket")
	}
	assert.Equal(t, "ws-1", ch.Stats().ClientID)
	require.NoError(t, stop())
	assert.Equal(t, "secret", <-keys)
}

func TestWebSocketDialer_RequiresURL(t *testing.T) {
	_, err := NewWebSocketDialer(WebSocketConfig{}).Dial(context.Background())
	assert.Error(t, err)
}
