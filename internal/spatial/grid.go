package spatial

import (
	"math"
	"sync"
)

// DefaultCellSize is the cell size most open-world maps use
// (1 << 11 game units).
const DefaultCellSize = 2048

type cellKey struct{ cx, cy int64 }

func cellOf(pos Point, cellSize float64) cellKey {
	return cellKey{
		cx: int64(math.Floor(pos.X / cellSize)),
		cy: int64(math.Floor(pos.Y / cellSize)),
	}
}

// Grid is a uniform 2-D bucket grid: O(1) insert/remove/same-cell update,
// and queries cost proportional to the cells overlapping the query shape
// rather than the whole population. Z is ignored; maps with meaningful
// vertical separation should use Octree instead.
//
// Locking is a single RWMutex over the whole grid rather than per-cell
// sharding; open-world player counts per map don't make one lock a
// bottleneck.
type Grid struct {
	cellSize float64

	mu    sync.RWMutex
	cells map[cellKey]map[EntityID]struct{}
	pos   map[EntityID]Point
}

// NewGrid constructs a Grid with the given cell size in world units. A
// cellSize <= 0 falls back to DefaultCellSize.
func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[EntityID]struct{}),
		pos:      make(map[EntityID]Point),
	}
}

func (g *Grid) Add(entity EntityID, pos Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pos[entity]; ok {
		g.removeLocked(entity, old)
	}
	g.insertLocked(entity, pos)
}

func (g *Grid) Remove(entity EntityID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.pos[entity]; ok {
		g.removeLocked(entity, old)
	}
}

func (g *Grid) Update(entity EntityID, old, newPos Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cellOf(old, g.cellSize) == cellOf(newPos, g.cellSize) {
		if _, ok := g.pos[entity]; ok {
			g.pos[entity] = newPos
			return
		}
	}
	g.removeLocked(entity, old)
	g.insertLocked(entity, newPos)
}

func (g *Grid) insertLocked(entity EntityID, pos Point) {
	k := cellOf(pos, g.cellSize)
	bucket, ok := g.cells[k]
	if !ok {
		bucket = make(map[EntityID]struct{})
		g.cells[k] = bucket
	}
	bucket[entity] = struct{}{}
	g.pos[entity] = pos
}

func (g *Grid) removeLocked(entity EntityID, pos Point) {
	k := cellOf(pos, g.cellSize)
	if bucket, ok := g.cells[k]; ok {
		delete(bucket, entity)
		if len(bucket) == 0 {
			delete(g.cells, k)
		}
	}
	delete(g.pos, entity)
}

// QueryRadius walks the square of cells bounding the circle and filters
// to the exact circle by distance.
func (g *Grid) QueryRadius(center Point, r float64) []EntityID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	minCell := cellOf(Point{X: center.X - r, Y: center.Y - r}, g.cellSize)
	maxCell := cellOf(Point{X: center.X + r, Y: center.Y + r}, g.cellSize)

	r2 := r * r
	var out []EntityID
	for cx := minCell.cx; cx <= maxCell.cx; cx++ {
		for cy := minCell.cy; cy <= maxCell.cy; cy++ {
			bucket, ok := g.cells[cellKey{cx, cy}]
			if !ok {
				continue
			}
			for entity := range bucket {
				p := g.pos[entity]
				dx, dy := p.X-center.X, p.Y-center.Y
				if dx*dx+dy*dy <= r2 {
					out = append(out, entity)
				}
			}
		}
	}
	return out
}

// QueryBox returns every entity within the axis-aligned box [min, max],
// ignoring Z.
func (g *Grid) QueryBox(min, max Point) []EntityID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	minCell := cellOf(min, g.cellSize)
	maxCell := cellOf(max, g.cellSize)

	var out []EntityID
	for cx := minCell.cx; cx <= maxCell.cx; cx++ {
		for cy := minCell.cy; cy <= maxCell.cy; cy++ {
			bucket, ok := g.cells[cellKey{cx, cy}]
			if !ok {
				continue
			}
			for entity := range bucket {
				p := g.pos[entity]
				if p.X >= min.X && p.X <= max.X && p.Y >= min.Y && p.Y <= max.Y {
					out = append(out, entity)
				}
			}
		}
	}
	return out
}

func (g *Grid) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pos)
}
