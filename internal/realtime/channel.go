// Package realtime keeps the single server-push connection of the process and
// fans its events out to subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/events"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
)

var (
	// ErrClosed is returned by Run once the channel has been closed.
	ErrClosed = errors.New("push channel closed")
	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("push channel already running")
)

// Transport opens push connections.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live push connection.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read() ([]byte, error)
	Close() error
}

// Config tunes reconnection.
type Config struct {
	ReconnectWait          time.Duration
	MaxReconnectWait       time.Duration
	MaxConsecutiveFailures int
	Jitter                 time.Duration
}

// DefaultConfig returns the reconnect settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ReconnectWait:          time.Second,
		MaxReconnectWait:       30 * time.Second,
		MaxConsecutiveFailures: 10,
		Jitter:                 250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
	if c.MaxReconnectWait < c.ReconnectWait {
		c.MaxReconnectWait = c.ReconnectWait
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// Stats is a point-in-time view of the channel.
type Stats struct {
	ConnectionID        string    `json:"connectionId,omitempty"`
	Connected           bool      `json:"connected"`
	ClientID            string    `json:"clientId,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Reconnects          int       `json:"reconnects"`
	OutageResets        int       `json:"outageResets"`
	LastEventAt         time.Time `json:"lastEventAt"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt"`
	Subscribers         int       `json:"subscribers"`
}

// Channel owns one push connection and any number of subscribers.
type Channel struct {
	transport Transport
	cfg       Config
	clock     clockwork.Clock
	logger    zerolog.Logger
	bus       *events.Bus[Event]

	running   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	stats Stats
	rng   *rand.Rand
}

// NewChannel creates a channel. Nothing is dialed until Run.
func NewChannel(transport Transport, cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Channel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Channel{
		transport: transport,
		cfg:       cfg.withDefaults(),
		clock:     clock,
		logger:    logger.With().Str("component", "push").Logger(),
		bus:       events.NewBus[Event](),
		closed:    make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe registers fn for events of type t. Handlers of a type run in
// registration order; a failing handler does not affect the others.
func (c *Channel) Subscribe(t EventType, fn func(Event) error) (unsubscribe func()) {
	return c.bus.Subscribe(string(t), fn)
}

// Run connects and keeps reconnecting until ctx ends or Close is called.
// It returns nil when ctx ends and ErrClosed after Close.
func (c *Channel) Run(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return c.exitErr()
		}

		wait := c.recordFailure(err)
		select {
		case <-ctx.Done():
			return c.exitErr()
		case <-c.clock.After(wait):
		}
	}
}

// Close tears the connection down. It is the only way the channel disconnects
// for good.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Stats returns a snapshot of connection bookkeeping.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	st := c.stats
	c.mu.Unlock()

	for _, t := range []EventType{EventConnected, EventHeartbeat, EventSwitchUpdate, EventPoolConfigUpdate} {
		st.Subscribers += c.bus.Len(string(t))
	}
	return st
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Channel) exitErr() error {
	if c.isClosed() {
		return ErrClosed
	}
	return nil
}

func (c *Channel) session(ctx context.Context) error {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	id := uuid.NewString()
	c.setConnected(id, true)
	defer c.setConnected(id, false)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	c.logger.Info().Str("connection_id", id).Msg("push channel connected")
	for {
		raw, err := conn.Read()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(raw)
	}
}

func (c *Channel) setConnected(id string, connected bool) {
	c.mu.Lock()
	c.stats.Connected = connected
	if connected {
		c.stats.ConnectionID = id
	}
	c.mu.Unlock()
	metrics.SetPushConnected(connected)
}

// recordFailure bumps the failure counter and returns how long to wait before
// the next attempt. The counter wraps at MaxConsecutiveFailures so retries
// never stop.
func (c *Channel) recordFailure(err error) time.Duration {
	c.mu.Lock()
	c.stats.ConsecutiveFailures++
	c.stats.Reconnects++
	n := c.stats.ConsecutiveFailures
	if n >= c.cfg.MaxConsecutiveFailures {
		c.stats.ConsecutiveFailures = 0
		c.stats.OutageResets++
	}
	wait := c.backoff(n)
	c.mu.Unlock()

	metrics.IncReconnect()
	if n >= c.cfg.MaxConsecutiveFailures {
		c.logger.Error().Err(err).Int("failures", n).Msg("push channel keeps failing; resetting failure count")
	} else {
		c.logger.Warn().Err(err).Int("failures", n).Dur("retry_in", wait).Msg("push channel disconnected")
	}
	return wait
}

// backoff must be called with mu held.
func (c *Channel) backoff(failures int) time.Duration {
	d := c.cfg.ReconnectWait
	for i := 1; i < failures && d < c.cfg.MaxReconnectWait; i++ {
		d *= 2
	}
	if d > c.cfg.MaxReconnectWait {
		d = c.cfg.MaxReconnectWait
	}
	if c.cfg.Jitter > 0 {
		d += time.Duration(c.rng.Int63n(int64(c.cfg.Jitter)))
	}
	return d
}

func (c *Channel) dispatch(raw []byte) {
	now := c.clock.Now()

	c.mu.Lock()
	c.stats.ConsecutiveFailures = 0
	c.stats.LastEventAt = now
	c.mu.Unlock()

	ev, err := ParseEvent(raw)
	if err != nil {
		metrics.IncPushMalformed()
		c.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping push message")
		return
	}
	metrics.IncPushEvent(string(ev.Type()))

	switch e := ev.(type) {
	case Connected:
		c.mu.Lock()
		c.stats.ClientID = e.ClientID
		c.mu.Unlock()
	case Heartbeat:
		c.mu.Lock()
		c.stats.LastHeartbeatAt = now
		c.mu.Unlock()
	}

	if err := c.bus.Publish(string(ev.Type()), ev); err != nil {
		c.logger.Error().Err(err).Str("type", string(ev.Type())).Msg("push subscriber failed")
	}
}
