// Package switches mirrors the remote on/off switches that gate the system
// and each pool.
package switches

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/events"
)

const topicChanged = "switches.changed"

// SwitchSet is the full switch state. Master off closes every pool.
type SwitchSet struct {
	Master bool            `json:"master"`
	Pools  map[string]bool `json:"pools"`
}

// Clone returns a deep copy.
func (s SwitchSet) Clone() SwitchSet {
	out := SwitchSet{Master: s.Master, Pools: make(map[string]bool, len(s.Pools))}
	for k, v := range s.Pools {
		out.Pools[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same flags. A missing pool entry
// equals an explicit false.
func (s SwitchSet) Equal(o SwitchSet) bool {
	if s.Master != o.Master {
		return false
	}
	for k, v := range s.Pools {
		if o.Pools[k] != v {
			return false
		}
	}
	for k, v := range o.Pools {
		if s.Pools[k] != v {
			return false
		}
	}
	return true
}

// Admissible reports master AND pools[poolID].
func (s SwitchSet) Admissible(poolID string) bool {
	return s.Master && s.Pools[poolID]
}

// Change describes a replaced switch set.
type Change struct {
	Previous SwitchSet
	Current  SwitchSet
}

// MasterTurnedOff reports a true to false transition of the master switch.
func (c Change) MasterTurnedOff() bool {
	return c.Previous.Master && !c.Current.Master
}

// Store holds the local mirror of the switch set.
type Store struct {
	current atomic.Pointer[SwitchSet]
	bus     *events.Bus[Change]
	mu      sync.Mutex
	logger  zerolog.Logger
}

// NewStore creates a store. Until the first remote state arrives everything
// is switched off.
func NewStore(initial SwitchSet, logger zerolog.Logger) *Store {
	s := &Store{
		bus:    events.NewBus[Change](),
		logger: logger.With().Str("component", "switches").Logger(),
	}
	set := initial.Clone()
	s.current.Store(&set)
	return s
}

// Get returns a copy of the current set.
func (s *Store) Get() SwitchSet {
	return s.current.Load().Clone()
}

// Master reports the master switch.
func (s *Store) Master() bool {
	return s.current.Load().Master
}

// IsPoolAdmissible reports whether both the master and the pool switch are on.
func (s *Store) IsPoolAdmissible(poolID string) bool {
	return s.current.Load().Admissible(poolID)
}

// ApplyRemote replaces the whole set atomically. Applying an identical set is
// a no-op and notifies nobody.
func (s *Store) ApplyRemote(set SwitchSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev.Equal(set) {
		return
	}
	next := set.Clone()
	s.current.Store(&next)

	s.logger.Info().
		Bool("master", next.Master).
		Interface("pools", next.Pools).
		Msg("switches updated")

	change := Change{Previous: prev.Clone(), Current: next.Clone()}
	if err := s.bus.Publish(topicChanged, change); err != nil {
		s.logger.Error().Err(err).Msg("switch subscriber failed")
	}
}

// Subscribe registers fn for every applied change.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	return s.bus.Subscribe(topicChanged, func(c Change) error {
		fn(c)
		return nil
	})
}
