// ============================================================================
// FEP Timing - Schedule Map
// ============================================================================
//
// Package: internal/schedule
// File: schedule_map.go
// Purpose: Combines the cycle times of every step in the federation into one
//          repeating schedule and tracks acknowledgements per schedule slot.
//
// Layout:
//   The slot granularity is the GCD of all cycle times, the number of slots
//   is LCM/GCD. Slot i holds every step whose cycle divides i*GCD.
//
//     cycles 10ms, 20ms, 50ms  → gcd 10ms, lcm 100ms, 10 slots
//     slot 0: A B C   slot 1: A   slot 2: A B   ...   slot 5: A C
//
// Concurrency:
//   The map has no lock of its own. The timing master serializes every call
//   under its completion lock so that a completing mark and the wake-up of
//   the waiting worker happen atomically.
//
// ============================================================================

package schedule

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// MaxLength bounds the number of slots. Unlevelled frequencies can make
// LCM/GCD explode, such maps are rejected.
const MaxLength = (10 * 1024 * 1024) / 64

// Item is one slot of the schedule.
type Item struct {
	received      map[string]bool
	hasConfigured bool
}

func newItem() *Item {
	return &Item{received: make(map[string]bool)}
}

func (it *Item) insert(uuid string) {
	it.received[uuid] = false
	if uuid != types.DummyStepUUID {
		it.hasConfigured = true
	}
}

func (it *Item) mark(uuid string) bool {
	done, ok := it.received[uuid]
	if !ok || done {
		return false
	}
	it.received[uuid] = true
	return true
}

func (it *Item) complete() bool {
	for id, done := range it.received {
		if id != types.DummyStepUUID && !done {
			return false
		}
	}
	return true
}

func (it *Item) clear() {
	for id := range it.received {
		it.received[id] = false
	}
}

// Steps returns the sorted step uuids due in this slot.
func (it *Item) Steps() []string {
	ids := make([]string, 0, len(it.received))
	for id := range it.received {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Map is the combined schedule of a federation.
type Map struct {
	items     []*Item
	cycleTime int64
	current   int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{}
}

// Configure rebuilds the map from the given schedule set. Duplicate uuids
// are merged. It returns false when the resulting map would be larger than
// MaxLength; the map is left empty in that case.
func (m *Map) Configure(configs []types.ScheduleConfig) bool {
	m.items = nil
	m.current = 0
	m.cycleTime = 0

	set := dedup(configs)
	if len(set) == 0 {
		return true
	}

	gcd, lcm, ok := gcdLcm(set)
	if !ok || gcd <= 0 {
		return false
	}
	length := lcm / gcd
	if length > MaxLength {
		return false
	}

	items := make([]*Item, length)
	for i := range items {
		items[i] = newItem()
		at := gcd * int64(i)
		for _, sc := range set {
			if at%sc.CycleTime == 0 {
				items[i].insert(sc.UUID)
			}
		}
	}

	m.items = items
	m.cycleTime = gcd
	return true
}

// CycleTime returns the slot granularity in µs.
func (m *Map) CycleTime() int64 {
	return m.cycleTime
}

// Length returns the number of slots.
func (m *Map) Length() int {
	return len(m.items)
}

// CurrentIndex returns the cursor position.
func (m *Map) CurrentIndex() int {
	return m.current
}

// IncrementCurrentSchedule resets the acknowledgements of the current slot
// and moves to the next one.
func (m *Map) IncrementCurrentSchedule() {
	if len(m.items) == 0 {
		return
	}
	m.items[m.current].clear()
	m.current = (m.current + 1) % len(m.items)
}

// IsStepInCurrentSchedule reports whether any step, the dummy included, is
// due in the current slot.
func (m *Map) IsStepInCurrentSchedule() bool {
	if len(m.items) == 0 {
		return false
	}
	return len(m.items[m.current].received) > 0
}

// IsConfiguredStepInCurrentSchedule reports whether a real step is due.
func (m *Map) IsConfiguredStepInCurrentSchedule() bool {
	if len(m.items) == 0 {
		return false
	}
	return m.items[m.current].hasConfigured
}

// MarkStepForCurrentSchedule records the acknowledgement of uuid. It
// returns false for a uuid that is not due or was already acknowledged.
func (m *Map) MarkStepForCurrentSchedule(uuid string) bool {
	if len(m.items) == 0 {
		return false
	}
	return m.items[m.current].mark(uuid)
}

// IsCurrentScheduleComplete reports whether every real step of the current
// slot acknowledged.
func (m *Map) IsCurrentScheduleComplete() bool {
	if len(m.items) == 0 {
		return true
	}
	return m.items[m.current].complete()
}

// Slot is a read-only view of one schedule slot.
type Slot struct {
	Index int      `json:"index"`
	Time  int64    `json:"time_us"`
	Steps []string `json:"steps"`
}

// Slots returns a view of the whole schedule.
func (m *Map) Slots() []Slot {
	out := make([]Slot, 0, len(m.items))
	for i, it := range m.items {
		out = append(out, Slot{Index: i, Time: int64(i) * m.cycleTime, Steps: it.Steps()})
	}
	return out
}

// Print writes a human readable dump of the schedule.
func (m *Map) Print(w io.Writer) {
	fmt.Fprintf(w, "Schedule: %d slots of %d us\n", len(m.items), m.cycleTime)
	for i, it := range m.items {
		fmt.Fprintf(w, "Slot %d (t=%d us)\n", i, int64(i)*m.cycleTime)
		for _, id := range it.Steps() {
			name := id
			if name == types.DummyStepUUID {
				name = "<dummy>"
			}
			fmt.Fprintf(w, "  Listener %s is %t\n", name, it.received[id])
		}
	}
}

func dedup(configs []types.ScheduleConfig) []types.ScheduleConfig {
	seen := make(map[string]bool, len(configs))
	out := make([]types.ScheduleConfig, 0, len(configs))
	for _, c := range configs {
		if seen[c.UUID] || c.CycleTime <= 0 {
			continue
		}
		seen[c.UUID] = true
		out = append(out, c)
	}
	return out
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// gcdLcm returns false if the LCM overflows int64.
func gcdLcm(set []types.ScheduleConfig) (int64, int64, bool) {
	g := set[0].CycleTime
	l := int64(1)
	for _, sc := range set {
		g = gcd(g, sc.CycleTime)
		d := gcd(l, sc.CycleTime)
		f := sc.CycleTime / d
		if l > math.MaxInt64/f {
			return g, 0, false
		}
		l *= f
	}
	return g, l, true
}
