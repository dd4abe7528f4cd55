// Package pools holds the provisioned pool catalog and the operator-editable
// pool configuration store.
package pools

import (
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
)

// Pool is a provisioned pool. Its draw times never change at runtime.
type Pool struct {
	ID            string
	Name          string
	DrawTimes     schedule.DrawSchedule
	SupportsExtra bool
}

// Catalog is the fixed, ordered set of provisioned pools.
type Catalog struct {
	pools []Pool
	byID  map[string]int
}

// NewCatalog builds a catalog from pools in display order.
func NewCatalog(pools ...Pool) *Catalog {
	c := &Catalog{byID: make(map[string]int, len(pools))}
	for _, p := range pools {
		p.DrawTimes = append(schedule.DrawSchedule(nil), p.DrawTimes...)
		c.byID[p.ID] = len(c.pools)
		c.pools = append(c.pools, p)
	}
	return c
}

// DefaultCatalog returns the pools the service is provisioned with.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Pool{
			ID:   "an-nhon",
			Name: "An Nhơn",
			DrawTimes: schedule.DrawSchedule{
				schedule.MustParseClock("11:00"),
				schedule.MustParseClock("18:00"),
				schedule.MustParseClock("21:00"),
			},
			SupportsExtra: true,
		},
		Pool{
			ID:   "nhon-phong",
			Name: "Nhơn Phong",
			DrawTimes: schedule.DrawSchedule{
				schedule.MustParseClock("11:00"),
				schedule.MustParseClock("17:00"),
			},
		},
		Pool{
			ID:   "hoai-nhon",
			Name: "Hoài Nhơn",
			DrawTimes: schedule.DrawSchedule{
				schedule.MustParseClock("13:00"),
				schedule.MustParseClock("19:00"),
			},
		},
	)
}

// Lookup returns the pool with id.
func (c *Catalog) Lookup(id string) (Pool, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Pool{}, false
	}
	return c.pools[i], true
}

// DrawTime returns the fixed draw time of slot index slot in pool id.
func (c *Catalog) DrawTime(id string, slot int) (schedule.ClockTime, bool) {
	p, ok := c.Lookup(id)
	if !ok {
		return 0, false
	}
	return p.DrawTimes.At(slot)
}

// Pools returns the catalog in display order.
func (c *Catalog) Pools() []Pool {
	return append([]Pool(nil), c.pools...)
}
