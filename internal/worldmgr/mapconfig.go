// Package worldmgr implements map registration, on-demand instance
// production, the five-phase map transition state machine, and seamless
// boundary detection between connected maps.
package worldmgr

import (
	"errors"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

var (
	ErrInvalidMapID     = errors.New("worldmgr: invalid map id")
	ErrInvalidLevelBand = errors.New("worldmgr: invalid level band")
)

// MapType classifies a map's role; instanceable types get private copies.
type MapType string

const (
	MapOverworld MapType = "overworld"
	MapDungeon   MapType = "dungeon"
	MapCity      MapType = "city"
	MapArena     MapType = "arena"
	MapRaid      MapType = "raid"
)

// BoundaryConnection links a point-and-radius trigger on one map to a
// target map, driving seamless boundary transitions.
type BoundaryConnection struct {
	Point       spatial.Point
	Radius      float64
	TargetMapID string
}

// NpcSpawnConfig is one declarative NPC spawn point of a map. Kind,
// Policy, and Behavior carry the spawn engine's vocabulary as strings so
// map configs stay free of engine imports.
type NpcSpawnConfig struct {
	ID           int64
	Kind         string
	Location     spatial.Point
	Radius       float64
	TemplateID   int32
	MinCount     int
	MaxCount     int
	Policy       string
	RespawnDelay time.Duration
	Behavior     string
	Waypoints    []spatial.Point
	PatrolSpeed  float64
	WaveCount    int
	WaveInterval time.Duration
}

// MapConfig is a registered map definition. Non-instanceable maps get a
// single default instance created lazily on first use; instanceable maps
// spawn a new instance once every existing one for a given difficulty is
// full, or on an explicit private request.
type MapConfig struct {
	ID           string
	Type         MapType
	Instanceable bool
	MaxPlayers   int
	MinLevel     int
	MaxLevel     int

	// Extents bound the playable volume.
	Min, Max spatial.Point

	// SpawnPoints are the entry positions; a transition lands on the one
	// nearest its originating boundary.
	SpawnPoints []spatial.Point

	Connections []BoundaryConnection

	// Objectives and Bosses drive per-run completion tracking for
	// instanceable maps; both may be empty.
	Objectives []ObjectiveConfig
	Bosses     []BossConfig

	// NpcSpawns are the map's declarative NPC spawn points, consumed by
	// the spawn engine at startup.
	NpcSpawns []NpcSpawnConfig

	// UseOctree selects the 3-D octree index for maps with significant
	// vertical extent; the default is the planar grid.
	UseOctree bool

	// CellSize, if non-zero, overrides the grid cell size for instances
	// of this map.
	CellSize float64
}

// Validate checks that a config's fields are internally consistent.
func (c *MapConfig) Validate() error {
	if c.ID == "" {
		return ErrInvalidMapID
	}
	if c.MaxPlayers < 0 {
		return errors.New("worldmgr: negative max players")
	}
	if c.MinLevel < 0 || c.MaxLevel < 0 {
		return ErrInvalidLevelBand
	}
	if c.MinLevel > 0 && c.MaxLevel > 0 && c.MinLevel > c.MaxLevel {
		return ErrInvalidLevelBand
	}
	for _, conn := range c.Connections {
		if conn.TargetMapID == "" {
			return errors.New("worldmgr: boundary connection without target map")
		}
		if conn.Radius <= 0 {
			return errors.New("worldmgr: boundary connection with non-positive radius")
		}
	}
	return nil
}

// InBand reports whether level satisfies this map's level band.
func (c *MapConfig) InBand(level int) bool {
	if c.MinLevel > 0 && level < c.MinLevel {
		return false
	}
	if c.MaxLevel > 0 && level > c.MaxLevel {
		return false
	}
	return true
}

// NearestSpawn returns the spawn point closest to from, or from itself
// when the map defines no spawn points.
func (c *MapConfig) NearestSpawn(from spatial.Point) spatial.Point {
	if len(c.SpawnPoints) == 0 {
		return from
	}
	best := c.SpawnPoints[0]
	bestD := from.DistanceSquared(best)
	for _, sp := range c.SpawnPoints[1:] {
		if d := from.DistanceSquared(sp); d < bestD {
			best, bestD = sp, d
		}
	}
	return best
}

// Registry holds registered MapConfigs, keyed by map id. Registration
// happens at startup, before instances exist; lookups thereafter are
// read-only, so no lock is needed.
type Registry struct {
	configs map[string]*MapConfig
}

// NewRegistry creates an empty map registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*MapConfig)}
}

// Register validates and adds a map config.
func (r *Registry) Register(cfg *MapConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.configs[cfg.ID] = cfg
	return nil
}

// Get returns a registered map config, or nil.
func (r *Registry) Get(mapID string) *MapConfig {
	return r.configs[mapID]
}

// All returns every registered config.
func (r *Registry) All() []*MapConfig {
	out := make([]*MapConfig, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c)
	}
	return out
}
