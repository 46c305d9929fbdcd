// Package jani implements the Runtime's authoritative entity store, the
// spatial world controller, and the interest-query engine: the three
// subsystems that together decide which worker owns which slice of the
// simulated world and what it gets told about it.
package jani

import "fmt"

// EntityId globally identifies one simulated entity. Ids are handed out in
// contiguous ranges by EntityStore.ReserveIDs and never reused while the
// Runtime is running.
type EntityId uint64

// WorkerId identifies one connected worker process within its Layer. It is
// assigned by the orchestrator on successful authentication and is stable
// for the lifetime of the WorkerReference.
type WorkerId uint64

// LayerId identifies a Layer as configured at startup.
type LayerId uint64

// ComponentId identifies a component type, 0..63. Component ids are fixed at
// configuration load; there is no dynamic schema evolution (spec.md §1).
type ComponentId uint8

// MaxComponents is the fixed number of component slots an Entity carries.
const MaxComponents = 64

// ComponentMask is a 64-bit bitset naming a subset of component ids.
type ComponentMask uint64

// Has reports whether component id is present in the mask.
func (m ComponentMask) Has(id ComponentId) bool {
	return m&(1<<uint(id)) != 0
}

// Set returns the mask with id added.
func (m ComponentMask) Set(id ComponentId) ComponentMask {
	return m | (1 << uint(id))
}

// Clear returns the mask with id removed.
func (m ComponentMask) Clear(id ComponentId) ComponentMask {
	return m &^ (1 << uint(id))
}

// Intersects reports whether m and other share at least one bit.
func (m ComponentMask) Intersects(other ComponentMask) bool {
	return m&other != 0
}

// Contains reports whether every bit of required is also set in m.
func (m ComponentMask) Contains(required ComponentMask) bool {
	return m&required == required
}

// CellCoordinates locates a WorldCell in cell space (not world space). See
// World.ToCell and World.ToWorld for the mapping in both directions.
type CellCoordinates struct {
	X, Y int32
}

func (c CellCoordinates) String() string {
	return fmt.Sprintf("(%d, %d)", c.X, c.Y)
}

// Position is an entity's last known world-space coordinate.
type Position struct {
	X, Y int32
}
