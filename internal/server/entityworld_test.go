package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
	"github.com/ironrealm/mmoserver/internal/spawnengine"
	"github.com/ironrealm/mmoserver/internal/worldmgr"
)

func spawnMaps(t *testing.T) *worldmgr.Registry {
	t.Helper()
	reg := worldmgr.NewRegistry()
	require.NoError(t, reg.Register(&worldmgr.MapConfig{
		ID: "meadow",
		NpcSpawns: []worldmgr.NpcSpawnConfig{
			{ID: 1, TemplateID: 1000, Location: spatial.Point{X: 100, Z: 50}, MinCount: 2, MaxCount: 2},
			{ID: 2, Kind: "random_area", TemplateID: 1001, Radius: 20, MaxCount: 3, Policy: "timer", RespawnDelay: 30 * time.Second},
		},
	}))
	return reg
}

func TestEntityWorldSpawnPlacesIntoInstance(t *testing.T) {
	manager := worldmgr.NewManager(spawnMaps(t))
	w := NewEntityWorld(manager)

	id, err := w.Spawn(context.Background(), spawnengine.SpawnRequest{
		MapID: "meadow", TemplateID: 1000, Position: spatial.Point{X: 100, Z: 50},
	})
	require.NoError(t, err)
	require.Greater(t, id, uint64(npcEntityBase))
	require.True(t, w.Alive(id))

	inst, ok := w.InstanceOf(id)
	require.True(t, ok)
	require.True(t, inst.HasEntity(id))
	require.ElementsMatch(t, []spatial.EntityID{spatial.EntityID(id)},
		inst.Index().QueryRadius(spatial.Point{X: 100, Z: 50}, 1))

	w.Despawn(id)
	require.False(t, w.Alive(id))
	require.False(t, inst.HasEntity(id))
}

func TestEntityWorldSpawnUnknownMap(t *testing.T) {
	w := NewEntityWorld(worldmgr.NewManager(spawnMaps(t)))
	_, err := w.Spawn(context.Background(), spawnengine.SpawnRequest{MapID: "nowhere"})
	require.Error(t, err)
}

func TestEntityWorldMarkDead(t *testing.T) {
	manager := worldmgr.NewManager(spawnMaps(t))
	w := NewEntityWorld(manager)

	id, err := w.Spawn(context.Background(), spawnengine.SpawnRequest{MapID: "meadow"})
	require.NoError(t, err)
	w.MarkDead(id)
	require.False(t, w.Alive(id), "dead entities are purged by the engine's next update")
}

// The full loop: registered spawn points drive real entities into the
// map's instance and its spatial index, and deaths are replenished.
func TestSpawnEngineEndToEnd(t *testing.T) {
	maps := spawnMaps(t)
	manager := worldmgr.NewManager(maps)
	w := NewEntityWorld(manager)
	engine := spawnengine.NewEngine(w)

	n, err := RegisterSpawns(engine, maps)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.Update(context.Background(), now)
	require.Equal(t, 2, engine.LiveCount(1))
	require.Equal(t, 3, engine.LiveCount(2))

	inst, err := manager.GetOrCreateInstance("meadow", 0, false)
	require.NoError(t, err)
	require.Equal(t, 5, inst.Index().Count())
	require.Len(t, inst.Index().QueryRadius(spatial.Point{X: 100, Z: 50}, 1), 2)

	// Kill one static wolf; on-death policy refills it next tick.
	victim := inst.Index().QueryRadius(spatial.Point{X: 100, Z: 50}, 1)[0]
	w.MarkDead(uint64(victim))
	w.Despawn(uint64(victim))
	engine.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 2, engine.LiveCount(1))
	require.Equal(t, 5, inst.Index().Count())
}

func TestRegisterSpawnsRejectsBadPoint(t *testing.T) {
	reg := worldmgr.NewRegistry()
	require.NoError(t, reg.Register(&worldmgr.MapConfig{
		ID: "broken",
		NpcSpawns: []worldmgr.NpcSpawnConfig{
			{ID: 1, Kind: "path_based", MaxCount: 1}, // no waypoints
		},
	}))
	_, err := RegisterSpawns(spawnengine.NewEngine(NewEntityWorld(worldmgr.NewManager(reg))), reg)
	require.Error(t, err)
}
