package spawnengine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// fakeWorld tracks spawned entities and lets tests kill them.
type fakeWorld struct {
	mu     sync.Mutex
	nextID uint64
	alive  map[uint64]bool
	reqs   []SpawnRequest
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{alive: make(map[uint64]bool)}
}

func (w *fakeWorld) Spawn(_ context.Context, req SpawnRequest) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	w.alive[w.nextID] = true
	w.reqs = append(w.reqs, req)
	return w.nextID, nil
}

func (w *fakeWorld) Alive(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive[id]
}

func (w *fakeWorld) Despawn(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.alive, id)
}

func (w *fakeWorld) kill(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive[id] = false
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func staticPoint(id int64) *Point {
	return &Point{
		ID:         id,
		MapID:      "meadow",
		Kind:       KindStatic,
		Location:   spatial.Point{X: 100, Z: 50},
		TemplateID: 1000,
		MinCount:   3,
		MaxCount:   3,
		Policy:     RespawnOnDeath,
		Behavior:   BehaviorIdle,
		Enabled:    true,
	}
}

func TestEngineFillsToBand(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	require.NoError(t, e.Register(staticPoint(1)))

	e.Update(context.Background(), now)
	require.Equal(t, 3, e.LiveCount(1))
	for _, req := range w.reqs {
		require.Equal(t, spatial.Point{X: 100, Z: 50}, req.Position)
		require.Equal(t, BehaviorIdle, req.Behavior)
	}

	// A second tick with a full band spawns nothing.
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 3, e.LiveCount(1))
	require.Len(t, w.reqs, 3)
}

func TestEngineOnDeathRespawn(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	require.NoError(t, e.Register(staticPoint(1)))
	e.Update(context.Background(), now)

	w.kill(1)
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 3, e.LiveCount(1), "dead entity purged and replaced")
	require.Len(t, w.reqs, 4)
}

func TestEngineTimerPolicyWaits(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Policy = RespawnTimer
	p.RespawnDelay = 30 * time.Second
	require.NoError(t, e.Register(p))

	e.Update(context.Background(), now)
	require.Equal(t, 3, e.LiveCount(1))

	w.kill(1)
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 2, e.LiveCount(1), "timer not yet elapsed")

	e.Update(context.Background(), now.Add(31*time.Second))
	require.Equal(t, 3, e.LiveCount(1))
}

func TestEngineRandomAreaPlacement(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Kind = KindRandomArea
	p.Radius = 25
	p.MinCount, p.MaxCount = 10, 10
	require.NoError(t, e.Register(p))

	e.Update(context.Background(), now)
	for _, req := range w.reqs {
		dx := req.Position.X - p.Location.X
		dz := req.Position.Z - p.Location.Z
		require.LessOrEqual(t, math.Sqrt(dx*dx+dz*dz), p.Radius+1e-9)
	}
}

func TestEnginePathBasedPlacesAtFirstWaypoint(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Kind = KindPathBased
	p.Behavior = BehaviorPatrol
	p.Route = PatrolRoute{Waypoints: []spatial.Point{{X: 5}, {X: 10}}, Speed: 2}
	require.NoError(t, e.Register(p))

	e.Update(context.Background(), now)
	require.Equal(t, spatial.Point{X: 5}, w.reqs[0].Position)
	require.Equal(t, BehaviorPatrol, w.reqs[0].Behavior)
	require.Len(t, w.reqs[0].Route.Waypoints, 2)
}

func TestEngineRejectsBadConfig(t *testing.T) {
	e := NewEngine(newFakeWorld())
	bad := staticPoint(1)
	bad.MinCount, bad.MaxCount = 5, 2
	require.Error(t, e.Register(bad))

	path := staticPoint(2)
	path.Kind = KindPathBased
	require.Error(t, e.Register(path), "path-based needs waypoints")
}

func TestEngineTriggeredPoint(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Kind = KindTriggered
	require.NoError(t, e.Register(p))

	e.Update(context.Background(), now)
	require.Zero(t, e.LiveCount(1), "untriggered point stays empty")

	e.Trigger(1)
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 3, e.LiveCount(1))

	// The latch clears after firing.
	w.kill(1)
	e.Update(context.Background(), now.Add(2*time.Second))
	require.Equal(t, 2, e.LiveCount(1))
}

func TestEngineWaves(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Kind = KindWave
	p.WaveCount = 2
	p.WaveInterval = 10 * time.Second
	p.MinCount, p.MaxCount = 0, 6
	p.Policy = RespawnCustom
	require.NoError(t, e.Register(p))

	e.Update(context.Background(), now)
	require.Equal(t, 6, e.LiveCount(1))
	require.Equal(t, 1, e.WavesLeft(1))

	// Interval not yet elapsed: no second wave even with losses.
	w.kill(1)
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 1, e.WavesLeft(1))

	e.Update(context.Background(), now.Add(11*time.Second))
	require.Equal(t, 0, e.WavesLeft(1))
	require.Equal(t, 6, e.LiveCount(1))

	// Exhausted wave point never fires again.
	e.Update(context.Background(), now.Add(30*time.Second))
	require.Equal(t, 0, e.WavesLeft(1))
}

func TestEngineDensityScaling(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.MinCount, p.MaxCount = 0, 10
	require.NoError(t, e.Register(p))

	e.SetGlobalDensity(0.5)
	e.Update(context.Background(), now)
	require.Equal(t, 5, e.LiveCount(1))

	e.SetMapDensity("meadow", 2.0) // 0.5 * 2.0 = 1.0
	e.Update(context.Background(), now.Add(time.Second))
	require.Equal(t, 10, e.LiveCount(1))
}

func TestEngineDisabledPointSkipped(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Enabled = false
	require.NoError(t, e.Register(p))
	e.Update(context.Background(), now)
	require.Zero(t, e.LiveCount(1))
}

func TestDespawnAll(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	require.NoError(t, e.Register(staticPoint(1)))
	e.Update(context.Background(), now)

	e.DespawnAll(1)
	require.Zero(t, e.LiveCount(1))
	w.mu.Lock()
	defer w.mu.Unlock()
	require.Empty(t, w.alive)
}

func TestRespawnSchedulerFiresDueTasks(t *testing.T) {
	w := newFakeWorld()
	e := NewEngine(w)
	p := staticPoint(1)
	p.Kind = KindTriggered
	require.NoError(t, e.Register(p))
	s := NewRespawnScheduler(e)

	s.Schedule(1, -time.Second) // already due
	require.Equal(t, 1, s.Pending())
	s.process(time.Now())
	require.Zero(t, s.Pending())

	e.Update(context.Background(), now)
	require.Equal(t, 3, e.LiveCount(1), "due task latched the trigger")
}
