package switches

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Patch is a partial switch update. Nil or absent fields are left as they are.
type Patch struct {
	Master *bool           `json:"master,omitempty"`
	Pools  map[string]bool `json:"pools,omitempty"`
}

// Saver persists a patch and returns the resulting authoritative set.
type Saver interface {
	SaveSwitches(ctx context.Context, patch Patch) (SwitchSet, error)
}

// Admin performs operator toggles. Local state changes only after the
// backend confirms.
type Admin struct {
	store  *Store
	saver  Saver
	logger zerolog.Logger
}

// NewAdmin creates an admin bound to store.
func NewAdmin(store *Store, saver Saver, logger zerolog.Logger) *Admin {
	return &Admin{
		store:  store,
		saver:  saver,
		logger: logger.With().Str("component", "switches_admin").Logger(),
	}
}

// SetMaster turns the master switch on or off.
func (a *Admin) SetMaster(ctx context.Context, on bool) (SwitchSet, error) {
	return a.save(ctx, Patch{Master: &on})
}

// SetPool turns one pool's switch on or off.
func (a *Admin) SetPool(ctx context.Context, poolID string, on bool) (SwitchSet, error) {
	return a.save(ctx, Patch{Pools: map[string]bool{poolID: on}})
}

// Apply saves an arbitrary patch.
func (a *Admin) Apply(ctx context.Context, patch Patch) (SwitchSet, error) {
	return a.save(ctx, patch)
}

func (a *Admin) save(ctx context.Context, patch Patch) (SwitchSet, error) {
	set, err := a.saver.SaveSwitches(ctx, patch)
	if err != nil {
		a.logger.Error().Err(err).Msg("save switches failed")
		return a.store.Get(), fmt.Errorf("save switches: %w", err)
	}
	a.store.ApplyRemote(set)
	return a.store.Get(), nil
}
