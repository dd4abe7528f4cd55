package schedule

import (
	"errors"
	"fmt"
)

// ExtraSlotIndex is the slot index of a pool's optional seasonal slot.
const ExtraSlotIndex = 2

// TimeSlot is a daily betting window. End is exclusive.
// A slot whose Start is after its End crosses midnight.
type TimeSlot struct {
	Start ClockTime `json:"startTime" yaml:"start_time"`
	End   ClockTime `json:"endTime" yaml:"end_time"`
}

// CrossesMidnight reports whether the slot wraps past 00:00.
func (s TimeSlot) CrossesMidnight() bool {
	return s.Start > s.End
}

// Empty reports whether the slot never opens.
func (s TimeSlot) Empty() bool {
	return s.Start == s.End
}

// Contains reports whether clock falls inside the slot.
func (s TimeSlot) Contains(clock ClockTime) bool {
	if s.CrossesMidnight() {
		return clock >= s.Start || clock < s.End
	}
	return clock >= s.Start && clock < s.End
}

// Overlaps reports whether two slots share any minute of the day.
func (s TimeSlot) Overlaps(other TimeSlot) bool {
	// On a 24h circle two arcs intersect iff one holds the other's start.
	return s.Contains(other.Start) || other.Contains(s.Start)
}

func (s TimeSlot) String() string {
	return s.Start.String() + "-" + s.End.String()
}

// PoolConfig is the operator-editable schedule of one pool.
type PoolConfig struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	TimeSlots     []TimeSlot `json:"timeSlots"`
	IsExtraModeOn bool       `json:"isExtraModeOn"`
	ExtraSlot     *TimeSlot  `json:"extraSlot,omitempty"`
}

// Validate checks the structural shape of the config.
func (c PoolConfig) Validate() error {
	if c.ID == "" {
		return errors.New("pool config: id is required")
	}
	if len(c.TimeSlots) != 2 {
		return fmt.Errorf("pool config %s: expected 2 time slots, got %d", c.ID, len(c.TimeSlots))
	}
	return nil
}

// Clone returns a deep copy.
func (c PoolConfig) Clone() PoolConfig {
	out := c
	out.TimeSlots = append([]TimeSlot(nil), c.TimeSlots...)
	if c.ExtraSlot != nil {
		extra := *c.ExtraSlot
		out.ExtraSlot = &extra
	}
	return out
}

// EffectiveSlot is a slot paired with its index in the pool's slot numbering.
type EffectiveSlot struct {
	Index int
	Slot  TimeSlot
}

// EffectiveSlots returns the standing slots followed by the extra slot when
// extra mode is on.
func (c PoolConfig) EffectiveSlots() []EffectiveSlot {
	out := make([]EffectiveSlot, 0, len(c.TimeSlots)+1)
	for i, s := range c.TimeSlots {
		out = append(out, EffectiveSlot{Index: i, Slot: s})
	}
	if c.IsExtraModeOn && c.ExtraSlot != nil {
		out = append(out, EffectiveSlot{Index: ExtraSlotIndex, Slot: *c.ExtraSlot})
	}
	return out
}

// DrawSchedule holds the draw time of each slot index.
type DrawSchedule []ClockTime

// At returns the draw time for slot index i.
func (d DrawSchedule) At(i int) (ClockTime, bool) {
	if i < 0 || i >= len(d) {
		return 0, false
	}
	return d[i], true
}
