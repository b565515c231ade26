package worldmgr

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// yamlMapFile is the on-disk schema for static map definitions.
type yamlMapFile struct {
	Maps []yamlMap `yaml:"maps"`
}

type yamlMap struct {
	ID           string       `yaml:"id"`
	Type         string       `yaml:"type"`
	Instanceable bool         `yaml:"instanceable"`
	MaxPlayers   int          `yaml:"max_players"`
	MinLevel     int          `yaml:"min_level"`
	MaxLevel     int          `yaml:"max_level"`
	Octree       bool         `yaml:"octree"`
	CellSize     float64      `yaml:"cell_size"`
	Min          yamlPoint    `yaml:"min"`
	Max          yamlPoint    `yaml:"max"`
	SpawnPoints  []yamlPoint  `yaml:"spawn_points"`
	Connections  []yamlBoundary `yaml:"connections"`
	NpcSpawns    []yamlNpcSpawn `yaml:"npc_spawns"`
}

type yamlNpcSpawn struct {
	ID       int64     `yaml:"id"`
	Kind     string    `yaml:"kind"`
	Location yamlPoint `yaml:"location"`
	Radius   float64   `yaml:"radius"`
	Template int32     `yaml:"template"`
	MinCount int       `yaml:"min_count"`
	MaxCount int       `yaml:"max_count"`
	Policy   string    `yaml:"policy"`
	// Durations are plain seconds: yaml.v3 has no native "30s" decoding.
	RespawnDelaySec float64     `yaml:"respawn_delay_sec"`
	Behavior        string      `yaml:"behavior"`
	Waypoints       []yamlPoint `yaml:"waypoints"`
	PatrolSpeed     float64     `yaml:"patrol_speed"`
	WaveCount       int         `yaml:"wave_count"`
	WaveIntervalSec float64     `yaml:"wave_interval_sec"`
}

type yamlPoint struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

func (p yamlPoint) point() spatial.Point { return spatial.Point{X: p.X, Y: p.Y, Z: p.Z} }

type yamlBoundary struct {
	Point  yamlPoint `yaml:"point"`
	Radius float64   `yaml:"radius"`
	Target string    `yaml:"target"`
}

// LoadRegistryYAML parses a map-definition file and registers every map
// into a fresh Registry.
func LoadRegistryYAML(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map config: %w", err)
	}
	return ParseRegistryYAML(raw)
}

// ParseRegistryYAML builds a Registry from YAML bytes.
func ParseRegistryYAML(raw []byte) (*Registry, error) {
	var file yamlMapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing map config: %w", err)
	}

	reg := NewRegistry()
	for _, m := range file.Maps {
		cfg := &MapConfig{
			ID:           m.ID,
			Type:         MapType(m.Type),
			Instanceable: m.Instanceable,
			MaxPlayers:   m.MaxPlayers,
			MinLevel:     m.MinLevel,
			MaxLevel:     m.MaxLevel,
			UseOctree:    m.Octree,
			CellSize:     m.CellSize,
			Min:          m.Min.point(),
			Max:          m.Max.point(),
		}
		for _, sp := range m.SpawnPoints {
			cfg.SpawnPoints = append(cfg.SpawnPoints, sp.point())
		}
		for _, c := range m.Connections {
			cfg.Connections = append(cfg.Connections, BoundaryConnection{
				Point:       c.Point.point(),
				Radius:      c.Radius,
				TargetMapID: c.Target,
			})
		}
		for _, ns := range m.NpcSpawns {
			spawn := NpcSpawnConfig{
				ID:           ns.ID,
				Kind:         ns.Kind,
				Location:     ns.Location.point(),
				Radius:       ns.Radius,
				TemplateID:   ns.Template,
				MinCount:     ns.MinCount,
				MaxCount:     ns.MaxCount,
				Policy:       ns.Policy,
				RespawnDelay: time.Duration(ns.RespawnDelaySec * float64(time.Second)),
				Behavior:     ns.Behavior,
				PatrolSpeed:  ns.PatrolSpeed,
				WaveCount:    ns.WaveCount,
				WaveInterval: time.Duration(ns.WaveIntervalSec * float64(time.Second)),
			}
			for _, wp := range ns.Waypoints {
				spawn.Waypoints = append(spawn.Waypoints, wp.point())
			}
			cfg.NpcSpawns = append(cfg.NpcSpawns, spawn)
		}
		if err := reg.Register(cfg); err != nil {
			return nil, fmt.Errorf("registering map %q: %w", m.ID, err)
		}
	}

	// Cross-check connection targets now, so a dangling reference fails
	// startup instead of a transition at runtime.
	for _, cfg := range reg.All() {
		for _, conn := range cfg.Connections {
			if reg.Get(conn.TargetMapID) == nil {
				return nil, fmt.Errorf("map %q connects to unregistered map %q", cfg.ID, conn.TargetMapID)
			}
		}
	}
	return reg, nil
}
