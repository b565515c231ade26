// Package spatial maps entity ids to positions and answers radius/box
// queries in sublinear time. Two concrete variants satisfy the same Index
// interface, chosen per-map at construction: Grid, a uniform 2-D bucket
// grid for essentially planar maps, and Octree, a sparse 3-D structure
// for maps with significant vertical extent.
package spatial

// Point is a 3-D position. Grid ignores Z; Octree uses all three axes.
type Point struct {
	X, Y, Z float64
}

// DistanceSquared avoids a sqrt on the hot query path.
func (p Point) DistanceSquared(o Point) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

// EntityID is an opaque handle into the index; callers are responsible
// for mapping it back to their own domain object.
type EntityID uint64

// Index is the common capability set both backends satisfy. Operations
// on absent entities are no-ops; nothing here can fail.
type Index interface {
	// Add inserts entity at pos. Re-adding an already-present entity is
	// equivalent to Update(entity, currentPos, pos).
	Add(entity EntityID, pos Point)
	// Remove deletes entity. Idempotent.
	Remove(entity EntityID)
	// Update moves entity from old to new. A no-op bucket/node change is O(1).
	Update(entity EntityID, old, new Point)
	// QueryRadius returns every entity within r of center.
	QueryRadius(center Point, r float64) []EntityID
	// QueryBox returns every entity within the axis-aligned box [min, max].
	QueryBox(min, max Point) []EntityID
	// Count returns the number of indexed entities.
	Count() int
}
