// Package spawnengine maintains declarative spawn points per map and
// drives entity creation, respawn, and despawn: population bands,
// respawn policies, wave spawning, and load-reactive density control.
package spawnengine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// Kind is how a spawn point places new entities.
type Kind string

const (
	KindStatic     Kind = "static"
	KindRandomArea Kind = "random_area"
	KindPathBased  Kind = "path_based"
	KindTriggered  Kind = "triggered"
	KindWave       Kind = "wave"
)

// RespawnPolicy decides when a spawn point replenishes its population.
type RespawnPolicy string

const (
	RespawnTimer       RespawnPolicy = "timer"
	RespawnOnDeath     RespawnPolicy = "on_death"
	RespawnWorldEvent  RespawnPolicy = "world_event"
	RespawnPlayerCount RespawnPolicy = "player_count"
	RespawnCustom      RespawnPolicy = "custom"
)

// Behavior is the initial AI disposition handed to a freshly spawned entity.
type Behavior string

const (
	BehaviorIdle       Behavior = "idle"
	BehaviorPatrol     Behavior = "patrol"
	BehaviorGuard      Behavior = "guard"
	BehaviorAggressive Behavior = "aggressive"
	BehaviorDefensive  Behavior = "defensive"
)

// PatrolRoute is the waypoint loop for patrol-behavior entities.
type PatrolRoute struct {
	Waypoints []spatial.Point
	Speed     float64
	Pause     time.Duration
}

// Point is one declarative spawn point.
type Point struct {
	ID         int64
	MapID      string
	Kind       Kind
	Location   spatial.Point
	Radius     float64
	TemplateID int32
	MinCount   int
	MaxCount   int
	Policy     RespawnPolicy
	RespawnDelay time.Duration
	Behavior   Behavior
	Route      PatrolRoute
	Enabled    bool

	// Wave configuration; only read when Kind == KindWave.
	WaveCount    int
	WaveInterval time.Duration
}

// SpawnRequest is what the engine asks the world to materialize.
type SpawnRequest struct {
	MapID      string
	TemplateID int32
	Position   spatial.Point
	Behavior   Behavior
	Route      PatrolRoute
}

// World is the engine's collaborator: it clones templates into live
// entities and answers liveness.
type World interface {
	Spawn(ctx context.Context, req SpawnRequest) (uint64, error)
	Alive(entity uint64) bool
	Despawn(entity uint64)
}

// pointState is the engine's mutable view of one spawn point.
type pointState struct {
	cfg  *Point
	live map[uint64]struct{}

	nextRespawn time.Time

	wavesLeft int
	nextWave  time.Time

	triggered bool // latched request for a triggered point
}

// Engine drives all spawn points of all maps on an update tick.
type Engine struct {
	world World

	mu          sync.Mutex
	points      map[int64]*pointState
	eventSpawns map[string][]int64

	globalDensity atomic64
	mapDensity    sync.Map // map[string]float64

	spawnCount  atomic64
	despawnCount atomic64
}

// NewEngine creates an Engine over world with density 1.0.
func NewEngine(world World) *Engine {
	e := &Engine{world: world, points: make(map[int64]*pointState)}
	e.globalDensity.store(1.0)
	return e
}

// Register adds a spawn point. Wave points start their countdown on the
// first update tick.
func (e *Engine) Register(p *Point) error {
	if p.MaxCount < p.MinCount {
		return fmt.Errorf("spawnengine: point %d max %d below min %d", p.ID, p.MaxCount, p.MinCount)
	}
	if p.Kind == KindPathBased && len(p.Route.Waypoints) == 0 {
		return fmt.Errorf("spawnengine: path-based point %d has no waypoints", p.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := &pointState{cfg: p, live: make(map[uint64]struct{})}
	if p.Kind == KindWave {
		st.wavesLeft = p.WaveCount
	}
	e.points[p.ID] = st
	return nil
}

// Trigger latches a triggered spawn point to fire on the next update.
func (e *Engine) Trigger(pointID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.points[pointID]; ok && st.cfg.Kind == KindTriggered {
		st.triggered = true
	}
}

// SetGlobalDensity scales every point's target population; negative
// multipliers are clamped to zero.
func (e *Engine) SetGlobalDensity(mult float64) {
	e.globalDensity.store(math.Max(0, mult))
}

// SetMapDensity overrides density for one map, stacking with the global
// multiplier.
func (e *Engine) SetMapDensity(mapID string, mult float64) {
	e.mapDensity.Store(mapID, math.Max(0, mult))
}

func (e *Engine) density(mapID string) float64 {
	d := e.globalDensity.load()
	if v, ok := e.mapDensity.Load(mapID); ok {
		d *= v.(float64)
	}
	return d
}

// Update runs one engine tick: purge the dead, decide, place.
func (e *Engine) Update(ctx context.Context, now time.Time) {
	e.mu.Lock()
	states := make([]*pointState, 0, len(e.points))
	for _, st := range e.points {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		if !st.cfg.Enabled {
			// A disabled point still forgets its dead, so LiveCount
			// reports the survivors; it never refills.
			e.mu.Lock()
			for id := range st.live {
				if !e.world.Alive(id) {
					delete(st.live, id)
				}
			}
			e.mu.Unlock()
			continue
		}
		e.updatePoint(ctx, st, now)
	}
}

func (e *Engine) updatePoint(ctx context.Context, st *pointState, now time.Time) {
	e.mu.Lock()
	// Purge entities that died since the last tick.
	died := 0
	for id := range st.live {
		if !e.world.Alive(id) {
			delete(st.live, id)
			died++
		}
	}

	target := e.targetPopulation(st.cfg)
	deficit := target - len(st.live)

	switch {
	case !e.shouldSpawn(st, now, died, deficit):
		e.mu.Unlock()
		return
	case st.cfg.Kind == KindWave:
		st.wavesLeft--
		st.nextWave = now.Add(st.cfg.WaveInterval)
	case st.cfg.Kind == KindTriggered:
		st.triggered = false
	case st.cfg.Policy == RespawnTimer:
		st.nextRespawn = now.Add(st.cfg.RespawnDelay)
	}
	cfg := st.cfg
	e.mu.Unlock()

	if deficit <= 0 {
		return
	}
	for range deficit {
		pos := e.placement(cfg)
		id, err := e.world.Spawn(ctx, SpawnRequest{
			MapID:      cfg.MapID,
			TemplateID: cfg.TemplateID,
			Position:   pos,
			Behavior:   cfg.Behavior,
			Route:      cfg.Route,
		})
		if err != nil {
			slog.Warn("spawn failed", "point", cfg.ID, "template", cfg.TemplateID, "error", err)
			return
		}
		e.spawnCount.add(1)

		e.mu.Lock()
		st.live[id] = struct{}{}
		e.mu.Unlock()
	}
	slog.Debug("spawn point replenished", "point", cfg.ID, "deficit", deficit, "target", e.targetPopulation(cfg))
}

// shouldSpawn evaluates the point's policy. Caller holds e.mu.
func (e *Engine) shouldSpawn(st *pointState, now time.Time, died, deficit int) bool {
	if st.cfg.Kind == KindWave {
		if st.wavesLeft <= 0 {
			return false
		}
		return st.nextWave.IsZero() || !now.Before(st.nextWave)
	}
	if st.cfg.Kind == KindTriggered {
		return st.triggered
	}
	if deficit <= 0 {
		return false
	}

	switch st.cfg.Policy {
	case RespawnOnDeath:
		// Replenish immediately whenever the point is below its target:
		// after a death, a density increase, or a re-enable.
		return true
	case RespawnTimer:
		return st.nextRespawn.IsZero() || !now.Before(st.nextRespawn)
	case RespawnPlayerCount, RespawnWorldEvent, RespawnCustom:
		// The engine keeps no gate for these policies: they refill
		// immediately whenever the point is below target.
		return true
	default:
		return true
	}
}

// targetPopulation applies density scaling to the point's band.
func (e *Engine) targetPopulation(p *Point) int {
	target := int(math.Round(float64(p.MaxCount) * e.density(p.MapID)))
	if target < p.MinCount {
		target = p.MinCount
	}
	if target < 0 {
		target = 0
	}
	return target
}

// placement picks where a new entity appears for the point's kind.
func (e *Engine) placement(p *Point) spatial.Point {
	switch p.Kind {
	case KindRandomArea:
		// Uniform in the disk: sqrt on the radius fraction keeps the
		// ring densities even.
		r := p.Radius * math.Sqrt(rand.Float64())
		theta := rand.Float64() * 2 * math.Pi
		return spatial.Point{
			X: p.Location.X + r*math.Cos(theta),
			Y: p.Location.Y,
			Z: p.Location.Z + r*math.Sin(theta),
		}
	case KindPathBased:
		return p.Route.Waypoints[0]
	default:
		return p.Location
	}
}

// DespawnAll removes every live entity of the point, for shutdown or
// event teardown.
func (e *Engine) DespawnAll(pointID int64) {
	e.mu.Lock()
	st, ok := e.points[pointID]
	if !ok {
		e.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(st.live))
	for id := range st.live {
		ids = append(ids, id)
	}
	st.live = make(map[uint64]struct{})
	e.mu.Unlock()

	for _, id := range ids {
		e.world.Despawn(id)
		e.despawnCount.add(1)
	}
}

// LiveCount returns the point's current live population.
func (e *Engine) LiveCount(pointID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.points[pointID]; ok {
		return len(st.live)
	}
	return 0
}

// WavesLeft returns a wave point's remaining wave count.
func (e *Engine) WavesLeft(pointID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.points[pointID]; ok {
		return st.wavesLeft
	}
	return 0
}

// Run ticks the engine on interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("spawn engine started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("spawn engine stopping")
			return ctx.Err()
		case now := <-ticker.C:
			e.Update(ctx, now)
		}
	}
}
