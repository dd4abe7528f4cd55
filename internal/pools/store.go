package pools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/initforge/u.i-conhon-sub001/internal/events"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
)

// ErrPersist is returned when the remote save of an edit fails or is refused.
var ErrPersist = errors.New("pool config not persisted")

const topicChanged = "pools.changed"

// Persister saves the full pool config list to the authoritative store.
type Persister interface {
	SavePoolConfigs(ctx context.Context, cfgs []schedule.PoolConfig) (bool, error)
}

type snapshot struct {
	order []string
	byID  map[string]schedule.PoolConfig
}

func (s *snapshot) list() []schedule.PoolConfig {
	out := make([]schedule.PoolConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Store mirrors the pool configs. Readers see immutable snapshots; writes
// replace the snapshot whole.
type Store struct {
	catalog *Catalog
	persist Persister
	logger  zerolog.Logger

	current atomic.Pointer[snapshot]
	bus     *events.Bus[[]schedule.PoolConfig]
	writeMu sync.Mutex
}

// NewStore creates a store seeded with initial. Entries are normalized against
// the catalog; unknown pools are dropped with a warning.
func NewStore(catalog *Catalog, persist Persister, initial []schedule.PoolConfig, logger zerolog.Logger) *Store {
	s := &Store{
		catalog: catalog,
		persist: persist,
		logger:  logger.With().Str("component", "pools").Logger(),
		bus:     events.NewBus[[]schedule.PoolConfig](),
	}
	s.current.Store(&snapshot{byID: map[string]schedule.PoolConfig{}})
	if len(initial) > 0 {
		if err := s.ApplyRemote(initial); err != nil {
			s.logger.Warn().Err(err).Msg("initial pool configs rejected")
		}
	}
	return s
}

// Catalog returns the catalog the store validates against.
func (s *Store) Catalog() *Catalog { return s.catalog }

// Get returns all configs in catalog order.
func (s *Store) Get() []schedule.PoolConfig {
	return s.current.Load().list()
}

// Config returns the config of one pool.
func (s *Store) Config(id string) (schedule.PoolConfig, bool) {
	cfg, ok := s.current.Load().byID[id]
	if !ok {
		return schedule.PoolConfig{}, false
	}
	return cfg.Clone(), true
}

// Status resolves the window of pool id at now.
func (s *Store) Status(id string, now time.Time) (schedule.Status, bool) {
	cfg, ok := s.current.Load().byID[id]
	if !ok {
		return schedule.Status{}, false
	}
	pool, _ := s.catalog.Lookup(id)
	return schedule.Resolve(cfg, pool.DrawTimes, now), true
}

// Subscribe registers fn for every applied change.
func (s *Store) Subscribe(fn func([]schedule.PoolConfig)) (unsubscribe func()) {
	return s.bus.Subscribe(topicChanged, func(cfgs []schedule.PoolConfig) error {
		fn(cfgs)
		return nil
	})
}

// Update normalizes cfgs, persists the merged result and only then applies it.
// Configs for pools not mentioned keep their current value. On error the
// current state is left untouched.
func (s *Store) Update(ctx context.Context, cfgs []schedule.PoolConfig) ([]Notice, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, notices, err := s.merge(s.current.Load(), cfgs)
	if err != nil {
		return nil, err
	}
	for _, n := range notices {
		if n.Kind == NoticeClamped {
			metrics.IncClampCorrection(n.PoolID)
		}
		s.logger.Info().Str("pool", n.PoolID).Int("slot", n.SlotIndex).Str("kind", n.Kind).Msg(n.Message)
	}

	ok, err := s.persist.SavePoolConfigs(ctx, next.list())
	if err != nil {
		return notices, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if !ok {
		return notices, fmt.Errorf("%w: rejected by backend", ErrPersist)
	}

	s.swap(next)
	return notices, nil
}

// SetExtraMode toggles the extra slot of pool id through the Update path.
// A nil slot keeps the current extra slot.
func (s *Store) SetExtraMode(ctx context.Context, id string, on bool, slot *schedule.TimeSlot) ([]Notice, error) {
	cfg, ok := s.Config(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	if slot != nil {
		extra := *slot
		cfg.ExtraSlot = &extra
	}
	if on && cfg.ExtraSlot == nil {
		return nil, fmt.Errorf("pool %s: extra mode needs an extra slot", id)
	}
	cfg.IsExtraModeOn = on
	return s.Update(ctx, []schedule.PoolConfig{cfg})
}

// ApplyRemote replaces configs from a push message. The payload is applied
// as a whole or not at all.
func (s *Store) ApplyRemote(cfgs []schedule.PoolConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	known := make([]schedule.PoolConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if _, ok := s.catalog.Lookup(c.ID); !ok {
			s.logger.Warn().Str("pool", c.ID).Msg("ignoring config for unknown pool")
			continue
		}
		known = append(known, c)
	}

	next, notices, err := s.merge(s.current.Load(), known)
	if err != nil {
		return err
	}
	for _, n := range notices {
		s.logger.Warn().Str("pool", n.PoolID).Str("kind", n.Kind).Msg(n.Message)
	}
	s.swap(next)
	return nil
}

func (s *Store) merge(prev *snapshot, cfgs []schedule.PoolConfig) (*snapshot, []Notice, error) {
	byID := make(map[string]schedule.PoolConfig, len(prev.byID)+len(cfgs))
	for id, c := range prev.byID {
		byID[id] = c
	}

	var notices []Notice
	for i, c := range cfgs {
		norm, ns, err := Normalize(s.catalog, c)
		if err != nil {
			return nil, nil, fmt.Errorf("config[%d]: %w", i, err)
		}
		byID[norm.ID] = norm
		notices = append(notices, ns...)
	}

	next := &snapshot{byID: byID}
	for _, p := range s.catalog.pools {
		if _, ok := byID[p.ID]; ok {
			next.order = append(next.order, p.ID)
		}
	}
	return next, notices, nil
}

func (s *Store) swap(next *snapshot) {
	s.current.Store(next)
	if err := s.bus.Publish(topicChanged, next.list()); err != nil {
		s.logger.Error().Err(err).Msg("pool config subscriber failed")
	}
}
