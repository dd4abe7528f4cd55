// Package capacity polls sold-out and banned items of the open session.
package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
)

// Fetcher looks up the open session of a pool and its item states.
type Fetcher interface {
	GetCurrentSession(ctx context.Context, poolID string) (*models.Session, error)
	GetSessionItems(ctx context.Context, sessionID string) ([]models.ItemStatus, error)
}

// Snapshot is the sold-out and banned state of one session.
type Snapshot struct {
	PoolID    string
	SlotIndex int
	SessionID string
	SoldOut   map[string]struct{}
	Banned    map[string]string
	FetchedAt time.Time
}

// Blocks reports whether itemID may not be wagered on, and why.
// A nil snapshot blocks nothing.
func (s *Snapshot) Blocks(itemID string) (bool, string) {
	if s == nil {
		return false, ""
	}
	if reason, ok := s.Banned[itemID]; ok {
		return true, "banned: " + reason
	}
	if _, ok := s.SoldOut[itemID]; ok {
		return true, "sold_out"
	}
	return false, ""
}

func newSnapshot(session *models.Session, items []models.ItemStatus, at time.Time) *Snapshot {
	s := &Snapshot{
		PoolID:    session.PoolID,
		SlotIndex: session.SlotIndex,
		SessionID: session.ID,
		SoldOut:   make(map[string]struct{}),
		Banned:    make(map[string]string),
		FetchedAt: at,
	}
	for _, it := range items {
		if it.IsBanned {
			reason := it.BanReason
			if reason == "" {
				reason = "unspecified"
			}
			s.Banned[it.ItemID] = reason
		}
		if it.SoldOut() {
			s.SoldOut[it.ItemID] = struct{}{}
		}
	}
	return s
}

type target struct {
	poolID    string
	slotIndex int
}

// Poller refreshes a Snapshot on an interval while a session is believed
// open. Every Start or Stop bumps a generation; fetches tagged with an older
// generation are discarded on arrival.
type Poller struct {
	fetcher  Fetcher
	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	generation uint64
	active     *target
	cancel     context.CancelFunc
	done       chan struct{}

	snap      atomic.Pointer[Snapshot]
	discarded atomic.Uint64
}

// NewPoller creates an idle poller.
func NewPoller(fetcher Fetcher, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		fetcher:  fetcher,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "capacity").Logger(),
	}
}

// Start begins polling for the session of (poolID, slotIndex). Calling it
// again for the same target is a no-op; a different target replaces the
// previous one and clears its snapshot.
func (p *Poller) Start(ctx context.Context, poolID string, slotIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil && p.active.poolID == poolID && p.active.slotIndex == slotIndex {
		return
	}
	p.stopLocked()

	p.generation++
	gen := p.generation
	p.active = &target{poolID: poolID, slotIndex: slotIndex}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	done := make(chan struct{})
	p.done = done

	p.logger.Debug().Str("pool", poolID).Int("slot", slotIndex).Msg("capacity polling started")
	go func() {
		defer close(done)
		p.loop(loopCtx, gen, poolID, slotIndex)
	}()
}

// Stop cancels polling and clears the snapshot.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.active != nil {
		p.logger.Debug().Str("pool", p.active.poolID).Msg("capacity polling stopped")
	}
	p.active = nil
	p.generation++
	p.snap.Store(nil)
}

// Wait blocks until the current polling goroutine, if any, has exited.
func (p *Poller) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Snapshot returns the latest snapshot, or nil when no session is open.
func (p *Poller) Snapshot() *Snapshot {
	return p.snap.Load()
}

// Active reports the current polling target.
func (p *Poller) Active() (poolID string, slotIndex int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return "", 0, false
	}
	return p.active.poolID, p.active.slotIndex, true
}

func (p *Poller) loop(ctx context.Context, gen uint64, poolID string, slotIndex int) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx, gen, poolID, slotIndex)
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (p *Poller) poll(ctx context.Context, gen uint64, poolID string, slotIndex int) {
	session, err := p.fetcher.GetCurrentSession(ctx, poolID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("pool", poolID).Msg("session lookup failed")
		}
		return
	}

	var snap *Snapshot
	if session != nil && session.SlotIndex == slotIndex {
		items, err := p.fetcher.GetSessionItems(ctx, session.ID)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("session", session.ID).Msg("capacity fetch failed")
			}
			return
		}
		s := *session
		s.PoolID = poolID
		snap = newSnapshot(&s, items, p.clock.Now())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		p.discarded.Add(1)
		metrics.IncCapacityStale()
		return
	}
	p.snap.Store(snap)
}
