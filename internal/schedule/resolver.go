package schedule

import (
	"fmt"
	"sort"
	"time"
)

// Status is the resolved window state of a pool at an instant.
//
// When IsOpen, SlotIndex is the current slot and At is the absolute close
// instant. When closed, SlotIndex is the next slot to open and At is its
// opening instant; SlotIndex is -1 if the pool has no slots at all.
type Status struct {
	IsOpen    bool      `json:"isOpen"`
	SlotIndex int       `json:"slotIndex"`
	CloseTime ClockTime `json:"closeTime"`
	DrawTime  ClockTime `json:"drawTime"`
	HasDraw   bool      `json:"hasDraw"`
	NextOpen  ClockTime `json:"nextOpenTime"`
	At        time.Time `json:"at"`
}

// Remaining returns the time left until At, never negative.
func (s Status) Remaining(now time.Time) time.Duration {
	if s.At.IsZero() {
		return 0
	}
	d := s.At.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Resolve computes the window status of cfg at now, using now's wall-clock
// fields in its own location. Slots are checked in declared order and the
// first one containing now wins.
func Resolve(cfg PoolConfig, draws DrawSchedule, now time.Time) Status {
	clock := ClockOf(now)
	slots := cfg.EffectiveSlots()

	for _, es := range slots {
		if !es.Slot.Contains(clock) {
			continue
		}
		st := Status{
			IsOpen:    true,
			SlotIndex: es.Index,
			CloseTime: es.Slot.End,
			At:        closeInstant(es.Slot, clock, now),
		}
		st.DrawTime, st.HasDraw = draws.At(es.Index)
		return st
	}

	return nextOpening(slots, clock, now)
}

func closeInstant(slot TimeSlot, clock ClockTime, now time.Time) time.Time {
	end := slot.End.On(now)
	// Evening half of a slot that crosses midnight closes tomorrow.
	if slot.CrossesMidnight() && clock >= slot.Start {
		end = slot.End.On(now.AddDate(0, 0, 1))
	}
	return end
}

func nextOpening(slots []EffectiveSlot, clock ClockTime, now time.Time) Status {
	if len(slots) == 0 {
		return Status{SlotIndex: -1}
	}

	sorted := make([]EffectiveSlot, 0, len(slots))
	for _, es := range slots {
		if !es.Slot.Empty() {
			sorted = append(sorted, es)
		}
	}
	if len(sorted) == 0 {
		return Status{SlotIndex: -1}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Slot.Start < sorted[j].Slot.Start
	})

	for _, es := range sorted {
		if es.Slot.Start > clock {
			return Status{
				SlotIndex: es.Index,
				NextOpen:  es.Slot.Start,
				At:        es.Slot.Start.On(now),
			}
		}
	}

	first := sorted[0]
	return Status{
		SlotIndex: first.Index,
		NextOpen:  first.Slot.Start,
		At:        first.Slot.Start.On(now.AddDate(0, 0, 1)),
	}
}

// FormatCountdown renders d as HH:MM:SS, clamping negatives to zero.
func FormatCountdown(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
