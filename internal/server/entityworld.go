package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ironrealm/mmoserver/internal/spawnengine"
	"github.com/ironrealm/mmoserver/internal/worldmgr"
)

// npcEntityBase keeps NPC ids clear of the player id space.
const npcEntityBase = 100000

// EntityWorld adapts the map/instance manager to the spawn engine: a
// spawned entity is placed into the target map's default instance (and
// its spatial index), tracked until despawn or death.
type EntityWorld struct {
	manager *worldmgr.Manager

	nextID atomic.Uint64

	mu       sync.Mutex
	byEntity map[uint64]*worldmgr.Instance
	dead     map[uint64]struct{}
}

// NewEntityWorld creates an EntityWorld over manager.
func NewEntityWorld(manager *worldmgr.Manager) *EntityWorld {
	w := &EntityWorld{
		manager:  manager,
		byEntity: make(map[uint64]*worldmgr.Instance),
		dead:     make(map[uint64]struct{}),
	}
	w.nextID.Store(npcEntityBase)
	return w
}

// Spawn materializes one entity of req's template in the default
// instance of req.MapID and returns its id.
func (w *EntityWorld) Spawn(_ context.Context, req spawnengine.SpawnRequest) (uint64, error) {
	inst, err := w.manager.GetOrCreateInstance(req.MapID, 0, false)
	if err != nil {
		return 0, fmt.Errorf("resolving instance for map %q: %w", req.MapID, err)
	}

	id := w.nextID.Add(1)
	w.manager.Enter(inst, id, 0, req.Position)

	w.mu.Lock()
	w.byEntity[id] = inst
	w.mu.Unlock()
	return id, nil
}

// Alive reports whether entity is still placed and not marked dead.
func (w *EntityWorld) Alive(entity uint64) bool {
	w.mu.Lock()
	inst, placed := w.byEntity[entity]
	_, died := w.dead[entity]
	w.mu.Unlock()
	return placed && !died && inst.HasEntity(entity)
}

// Despawn removes entity from its instance and forgets it.
func (w *EntityWorld) Despawn(entity uint64) {
	w.mu.Lock()
	inst, ok := w.byEntity[entity]
	delete(w.byEntity, entity)
	delete(w.dead, entity)
	w.mu.Unlock()
	if ok {
		w.manager.Leave(inst, entity)
	}
}

// MarkDead flags entity as killed; the spawn engine purges it on its
// next update and Despawn reclaims the instance slot.
func (w *EntityWorld) MarkDead(entity uint64) {
	w.mu.Lock()
	if _, ok := w.byEntity[entity]; ok {
		w.dead[entity] = struct{}{}
	}
	w.mu.Unlock()
}

// InstanceOf returns the instance currently holding entity.
func (w *EntityWorld) InstanceOf(entity uint64) (*worldmgr.Instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.byEntity[entity]
	return inst, ok
}

// RegisterSpawns feeds every map's declared NPC spawn points into the
// engine, returning how many points were registered.
func RegisterSpawns(engine *spawnengine.Engine, maps *worldmgr.Registry) (int, error) {
	registered := 0
	for _, cfg := range maps.All() {
		for _, ns := range cfg.NpcSpawns {
			p := &spawnengine.Point{
				ID:           ns.ID,
				MapID:        cfg.ID,
				Kind:         spawnengine.Kind(ns.Kind),
				Location:     ns.Location,
				Radius:       ns.Radius,
				TemplateID:   ns.TemplateID,
				MinCount:     ns.MinCount,
				MaxCount:     ns.MaxCount,
				Policy:       spawnengine.RespawnPolicy(ns.Policy),
				RespawnDelay: ns.RespawnDelay,
				Behavior:     spawnengine.Behavior(ns.Behavior),
				Route: spawnengine.PatrolRoute{
					Waypoints: ns.Waypoints,
					Speed:     ns.PatrolSpeed,
				},
				Enabled:      true,
				WaveCount:    ns.WaveCount,
				WaveInterval: ns.WaveInterval,
			}
			if p.Kind == "" {
				p.Kind = spawnengine.KindStatic
			}
			if p.Policy == "" {
				p.Policy = spawnengine.RespawnOnDeath
			}
			if p.Behavior == "" {
				p.Behavior = spawnengine.BehaviorIdle
			}
			if err := engine.Register(p); err != nil {
				return registered, fmt.Errorf("map %q spawn %d: %w", cfg.ID, ns.ID, err)
			}
			registered++
		}
	}
	return registered, nil
}
