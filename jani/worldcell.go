package jani

// CellID is a stable slab index identifying a WorldCell. Using an index
// instead of a pointer avoids the raw-pointer cycle between cells, worker
// infos and entities the original engine has (spec.md §9).
type CellID int32

// InvalidCellID marks "no cell yet" (an entity that has never been placed).
const InvalidCellID CellID = -1

// WorldCell is a fixed-size square region of the world, the ownership
// granularity for spatial layers (spec.md §3). LayerOwner is indexed by a
// layer's ordinal position (assigned at WorldController construction), not
// by LayerId, to keep it a flat array.
type WorldCell struct {
	ID          CellID
	Coordinates CellCoordinates
	Entities    []EntityId
	// LayerOwner[ordinal] is the WorkerSlot index owning this cell for that
	// layer, or noOwner if the layer has no worker yet.
	LayerOwner []workerSlotRef
}

// workerSlotRef is noOwner or a valid index into one layer's worker slab.
type workerSlotRef int32

const noOwner workerSlotRef = -1

func (c *WorldCell) indexOfEntity(id EntityId) int {
	for i, e := range c.Entities {
		if e == id {
			return i
		}
	}
	return -1
}

func (c *WorldCell) removeEntity(id EntityId) bool {
	i := c.indexOfEntity(id)
	if i < 0 {
		return false
	}
	c.Entities = append(c.Entities[:i], c.Entities[i+1:]...)
	return true
}

// bucketDim is the side length, in cells, of one storage bucket (spec.md
// §4.1's "sparse grid of buckets of B×B cells", default B=16).
const bucketDim = 16

type bucket struct {
	cells [bucketDim][bucketDim]CellID
}

func newBucket() *bucket {
	b := &bucket{}
	for x := range b.cells {
		for y := range b.cells[x] {
			b.cells[x][y] = InvalidCellID
		}
	}
	return b
}

// grid is the sparse-bucket storage backing the World Controller (spec.md
// §4.1): cells live in B×B buckets allocated lazily on first touch, so a
// lookup is one map probe plus an array index.
type grid struct {
	buckets map[[2]int32]*bucket
	cells   []*WorldCell // slab, indexed by CellID; append-only (cells are never deleted)
}

func newGrid() *grid {
	return &grid{buckets: make(map[[2]int32]*bucket)}
}

// bucketCoord splits a cell coordinate into its bucket key and the slot
// inside that bucket, flooring rather than truncating so negative cell
// coordinates (probed by unclamped range lookups) land in the right
// bucket instead of indexing the array negatively.
func bucketCoord(c CellCoordinates) (bx, by, lx, ly int32) {
	bx, lx = floorDivMod(c.X, bucketDim)
	by, ly = floorDivMod(c.Y, bucketDim)
	return
}

func floorDivMod(v, dim int32) (int32, int32) {
	d, m := v/dim, v%dim
	if m < 0 {
		d--
		m += dim
	}
	return d, m
}

// Lookup returns the cell at c, if it has been created.
func (g *grid) Lookup(c CellCoordinates) (*WorldCell, bool) {
	bx, by, lx, ly := bucketCoord(c)
	b, ok := g.buckets[[2]int32{bx, by}]
	if !ok {
		return nil, false
	}
	id := b.cells[lx][ly]
	if id == InvalidCellID {
		return nil, false
	}
	return g.cells[id], true
}

// EnsureCell returns the cell at c, creating it (with numLayers owner
// slots, all noOwner) if this is the first reference (spec.md §4.1 "Cell
// initialization").
func (g *grid) EnsureCell(c CellCoordinates, numLayers int) (*WorldCell, bool) {
	bx, by, lx, ly := bucketCoord(c)
	key := [2]int32{bx, by}
	b, ok := g.buckets[key]
	if !ok {
		b = newBucket()
		g.buckets[key] = b
	}
	if id := b.cells[lx][ly]; id != InvalidCellID {
		return g.cells[id], false
	}
	owners := make([]workerSlotRef, numLayers)
	for i := range owners {
		owners[i] = noOwner
	}
	id := CellID(len(g.cells))
	cell := &WorldCell{ID: id, Coordinates: c, LayerOwner: owners}
	g.cells = append(g.cells, cell)
	b.cells[lx][ly] = id
	return cell, true
}

// Cell returns the cell by its stable id.
func (g *grid) Cell(id CellID) *WorldCell {
	if id < 0 || int(id) >= len(g.cells) {
		return nil
	}
	return g.cells[id]
}

// InsideRect returns every non-empty cell whose coordinates fall within the
// inclusive rectangle [begin, end] (spec.md §4.1 range queries).
func (g *grid) InsideRect(begin, end CellCoordinates) []*WorldCell {
	var out []*WorldCell
	for x := begin.X; x <= end.X; x++ {
		for y := begin.Y; y <= end.Y; y++ {
			if cell, ok := g.Lookup(CellCoordinates{x, y}); ok {
				out = append(out, cell)
			}
		}
	}
	return out
}

// InsideRadius returns every non-empty cell within radius cells of center,
// using a squared-distance test against the bounding square; callers refine
// to precise world-space distance after (spec.md §4.1).
func (g *grid) InsideRadius(center CellCoordinates, radius int32) []*WorldCell {
	var out []*WorldCell
	r2 := radius * radius
	for x := center.X - radius; x <= center.X+radius; x++ {
		for y := center.Y - radius; y <= center.Y+radius; y++ {
			dx, dy := x-center.X, y-center.Y
			if dx*dx+dy*dy > r2 {
				continue
			}
			if cell, ok := g.Lookup(CellCoordinates{x, y}); ok {
				out = append(out, cell)
			}
		}
	}
	return out
}

// TotalCells reports how many cells have ever been created.
func (g *grid) TotalCells() int { return len(g.cells) }
