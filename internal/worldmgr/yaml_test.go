package worldmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

const sampleYAML = `
maps:
  - id: meadow
    type: overworld
    spawn_points:
      - {x: 10, y: 0, z: 0}
    connections:
      - point: {x: 100, y: 0, z: 0}
        radius: 5
        target: crypt
  - id: crypt
    type: dungeon
    instanceable: true
    max_players: 5
    min_level: 10
    max_level: 20
    octree: true
    min: {x: -500, y: -100, z: -500}
    max: {x: 500, y: 100, z: 500}
    spawn_points:
      - {x: 0, y: 0, z: 0}
    npc_spawns:
      - id: 41
        kind: random_area
        location: {x: 20, y: 0, z: 20}
        radius: 15
        template: 1000
        min_count: 2
        max_count: 6
        policy: timer
        respawn_delay_sec: 45
        behavior: aggressive
`

func TestParseRegistryYAML(t *testing.T) {
	reg, err := ParseRegistryYAML([]byte(sampleYAML))
	require.NoError(t, err)

	meadow := reg.Get("meadow")
	require.NotNil(t, meadow)
	require.Equal(t, MapOverworld, meadow.Type)
	require.Len(t, meadow.Connections, 1)
	require.Equal(t, "crypt", meadow.Connections[0].TargetMapID)
	require.Equal(t, spatial.Point{X: 100}, meadow.Connections[0].Point)

	crypt := reg.Get("crypt")
	require.NotNil(t, crypt)
	require.True(t, crypt.Instanceable)
	require.True(t, crypt.UseOctree)
	require.Equal(t, 5, crypt.MaxPlayers)
	require.Equal(t, spatial.Point{X: -500, Y: -100, Z: -500}, crypt.Min)

	require.Len(t, crypt.NpcSpawns, 1)
	ns := crypt.NpcSpawns[0]
	require.Equal(t, int64(41), ns.ID)
	require.Equal(t, "random_area", ns.Kind)
	require.Equal(t, int32(1000), ns.TemplateID)
	require.Equal(t, 45*time.Second, ns.RespawnDelay)
	require.Equal(t, "aggressive", ns.Behavior)
}

func TestParseRegistryYAMLDanglingTarget(t *testing.T) {
	_, err := ParseRegistryYAML([]byte(`
maps:
  - id: lonely
    connections:
      - point: {x: 0, y: 0, z: 0}
        radius: 5
        target: missing
`))
	require.Error(t, err)
}

func TestParseRegistryYAMLInvalidMap(t *testing.T) {
	_, err := ParseRegistryYAML([]byte("maps:\n  - id: \"\"\n"))
	require.Error(t, err)

	_, err = ParseRegistryYAML([]byte("maps: ["))
	require.Error(t, err)
}
