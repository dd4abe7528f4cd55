package pools

import (
	"errors"
	"fmt"
	"time"

	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
)

// ClampMargin is how far before its draw time a slot is forced to close when
// an edit would end it at or after the draw.
const ClampMargin = 10 * time.Minute

// ErrUnknownPool is returned for a config whose id is not in the catalog.
var ErrUnknownPool = errors.New("unknown pool")

// Notice kinds.
const (
	NoticeClamped      = "clamped"
	NoticeClosed       = "closed"
	NoticeDrawInside   = "draw_inside"
	NoticeOverlap      = "overlap"
	NoticeExtraDropped = "extra_dropped"
)

// Notice is an advisory produced while normalizing a config. It never blocks
// the edit; it tells the operator what was changed or looks suspicious.
type Notice struct {
	PoolID    string             `json:"poolId"`
	SlotIndex int                `json:"slotIndex"`
	Kind      string             `json:"kind"`
	Requested schedule.ClockTime `json:"requested"`
	Applied   schedule.ClockTime `json:"applied"`
	Message   string             `json:"message"`
}

// Normalize validates cfg against the catalog and returns the corrected copy.
// End times at or after the slot's draw are clamped to ClampMargin before it.
// A slot left with nothing before the clamped end is closed (Start = End).
func Normalize(catalog *Catalog, cfg schedule.PoolConfig) (schedule.PoolConfig, []Notice, error) {
	if err := cfg.Validate(); err != nil {
		return schedule.PoolConfig{}, nil, err
	}
	pool, ok := catalog.Lookup(cfg.ID)
	if !ok {
		return schedule.PoolConfig{}, nil, fmt.Errorf("%w: %s", ErrUnknownPool, cfg.ID)
	}

	out := cfg.Clone()
	if out.Name == "" {
		out.Name = pool.Name
	}

	var notices []Notice

	if out.ExtraSlot != nil && !pool.SupportsExtra {
		notices = append(notices, Notice{
			PoolID:    out.ID,
			SlotIndex: schedule.ExtraSlotIndex,
			Kind:      NoticeExtraDropped,
			Message:   fmt.Sprintf("%s has no extra slot; extra slot removed", pool.Name),
		})
		out.ExtraSlot = nil
		out.IsExtraModeOn = false
	}
	if out.IsExtraModeOn && out.ExtraSlot == nil {
		out.IsExtraModeOn = false
	}

	for i := range out.TimeSlots {
		notices = append(notices, clampSlot(pool, i, &out.TimeSlots[i])...)
	}
	if out.ExtraSlot != nil {
		notices = append(notices, clampSlot(pool, schedule.ExtraSlotIndex, out.ExtraSlot)...)
	}

	notices = append(notices, overlapNotices(out)...)
	return out, notices, nil
}

func clampSlot(pool Pool, index int, slot *schedule.TimeSlot) []Notice {
	draw, ok := pool.DrawTimes.At(index)
	if !ok {
		return nil
	}
	if slot.End < draw {
		// The end-before-draw rule compares clock values, so a slot that
		// wraps past midnight can still span its draw. Flag it.
		if slot.CrossesMidnight() && slot.Contains(draw) {
			return []Notice{{
				PoolID:    pool.ID,
				SlotIndex: index,
				Kind:      NoticeDrawInside,
				Requested: slot.End,
				Applied:   slot.End,
				Message: fmt.Sprintf("%s slot %d: %s crosses midnight and stays open over draw %s",
					pool.Name, index+1, slot, draw),
			}}
		}
		return nil
	}

	wrapped := slot.CrossesMidnight()
	requested := slot.End
	slot.End = draw.Add(-ClampMargin)
	notices := []Notice{{
		PoolID:    pool.ID,
		SlotIndex: index,
		Kind:      NoticeClamped,
		Requested: requested,
		Applied:   slot.End,
		Message: fmt.Sprintf("%s slot %d: end %s must be before draw %s; set to %s",
			pool.Name, index+1, requested, draw, slot.End),
	}}
	if !wrapped && slot.End <= slot.Start {
		start := slot.Start
		slot.Start = slot.End
		notices = append(notices, Notice{
			PoolID:    pool.ID,
			SlotIndex: index,
			Kind:      NoticeClosed,
			Requested: start,
			Applied:   slot.Start,
			Message: fmt.Sprintf("%s slot %d: start %s is not before the clamped end %s; slot closed",
				pool.Name, index+1, start, slot.End),
		})
	}
	return notices
}

// overlapNotices flags effective slots sharing minutes. The resolver keeps
// its first-match rule; overlaps are reported, not fixed.
func overlapNotices(cfg schedule.PoolConfig) []Notice {
	var out []Notice
	slots := cfg.EffectiveSlots()
	for i := 0; i < len(slots); i++ {
		for j := i + 1; j < len(slots); j++ {
			if slots[i].Slot.Empty() || slots[j].Slot.Empty() || !slots[i].Slot.Overlaps(slots[j].Slot) {
				continue
			}
			out = append(out, Notice{
				PoolID:    cfg.ID,
				SlotIndex: slots[j].Index,
				Kind:      NoticeOverlap,
				Message: fmt.Sprintf("slot %d (%s) overlaps slot %d (%s); slot %d takes precedence",
					slots[j].Index+1, slots[j].Slot, slots[i].Index+1, slots[i].Slot, slots[i].Index+1),
			})
		}
	}
	return out
}
