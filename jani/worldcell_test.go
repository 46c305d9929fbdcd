package jani

import "testing"

func TestGridEnsureCellLookupRoundTrip(t *testing.T) {
	g := newGrid()
	coords := []CellCoordinates{
		{0, 0},
		{bucketDim - 1, bucketDim - 1}, // last slot of the origin bucket
		{bucketDim, 0},                 // first slot of the next bucket over
		{37, 101},
	}
	for _, c := range coords {
		cell, created := g.EnsureCell(c, 2)
		if !created {
			t.Fatalf("EnsureCell(%v) did not report creation on first touch", c)
		}
		if cell.Coordinates != c {
			t.Fatalf("created cell has coordinates %v, want %v", cell.Coordinates, c)
		}
	}
	for _, c := range coords {
		cell, ok := g.Lookup(c)
		if !ok || cell.Coordinates != c {
			t.Fatalf("Lookup(%v) = (%v, %v), want the created cell", c, cell, ok)
		}
	}
	if _, ok := g.Lookup(CellCoordinates{99, 99}); ok {
		t.Fatalf("Lookup found a cell that was never created")
	}
	if g.TotalCells() != len(coords) {
		t.Fatalf("TotalCells = %d, want %d", g.TotalCells(), len(coords))
	}
}

func TestGridEnsureCellSecondTouchReturnsExisting(t *testing.T) {
	g := newGrid()
	first, created := g.EnsureCell(CellCoordinates{3, 4}, 1)
	if !created {
		t.Fatalf("first EnsureCell did not create")
	}
	second, created := g.EnsureCell(CellCoordinates{3, 4}, 1)
	if created || second != first {
		t.Fatalf("second EnsureCell = (%p, %v), want the existing cell uncreated", second, created)
	}
}

func TestGridLookupNegativeCoordinates(t *testing.T) {
	// Unclamped probes (e.g. a radius scan near the origin) may ask for
	// negative cell coordinates; they must miss cleanly, and a cell created
	// there must be found again, not aliased onto a positive slot.
	g := newGrid()
	if _, ok := g.Lookup(CellCoordinates{-1, -1}); ok {
		t.Fatalf("Lookup(-1,-1) hit on an empty grid")
	}
	g.EnsureCell(CellCoordinates{-1, -1}, 1)
	g.EnsureCell(CellCoordinates{1, 1}, 1)

	cell, ok := g.Lookup(CellCoordinates{-1, -1})
	if !ok || cell.Coordinates != (CellCoordinates{-1, -1}) {
		t.Fatalf("Lookup(-1,-1) = (%v, %v), want the cell created there", cell, ok)
	}
	if cell2, _ := g.Lookup(CellCoordinates{1, 1}); cell2 == cell {
		t.Fatalf("(-1,-1) and (1,1) aliased to the same bucket slot")
	}
}

func TestGridInsideRectSkipsEmptyCells(t *testing.T) {
	g := newGrid()
	g.EnsureCell(CellCoordinates{1, 1}, 1)
	g.EnsureCell(CellCoordinates{2, 3}, 1)
	g.EnsureCell(CellCoordinates{9, 9}, 1)

	cells := g.InsideRect(CellCoordinates{0, 0}, CellCoordinates{4, 4})
	if len(cells) != 2 {
		t.Fatalf("InsideRect returned %d cells, want 2", len(cells))
	}
	for _, c := range cells {
		if c.Coordinates == (CellCoordinates{9, 9}) {
			t.Fatalf("InsideRect returned a cell outside the rectangle")
		}
	}
}

func TestGridInsideRadiusRejectsCornerCells(t *testing.T) {
	g := newGrid()
	g.EnsureCell(CellCoordinates{5, 5}, 1)
	g.EnsureCell(CellCoordinates{7, 5}, 1) // on-axis, distance 2
	g.EnsureCell(CellCoordinates{7, 7}, 1) // diagonal, distance ~2.83

	cells := g.InsideRadius(CellCoordinates{5, 5}, 2)
	seen := map[CellCoordinates]bool{}
	for _, c := range cells {
		seen[c.Coordinates] = true
	}
	if !seen[CellCoordinates{5, 5}] || !seen[CellCoordinates{7, 5}] {
		t.Fatalf("InsideRadius dropped an in-range cell: %v", seen)
	}
	if seen[CellCoordinates{7, 7}] {
		t.Fatalf("InsideRadius kept a corner cell past the squared-distance test")
	}
}
