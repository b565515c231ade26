package worldmgr

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

var ErrMapNotRegistered = errors.New("worldmgr: map not registered")

type instKey struct {
	mapID      string
	difficulty int
}

// Manager registers map configurations and produces instances on demand.
// For a non-instanceable map a single default instance is
// created lazily; for an instanceable map, GetOrCreateInstance returns an
// existing non-full instance for the (map, difficulty) pair, or creates a
// new one once every existing one is full or a private instance was
// requested explicitly.
type Manager struct {
	maps *Registry

	mu        sync.RWMutex
	instances map[InstanceID]*Instance
	byKey     map[instKey][]InstanceID
	lockouts  map[lockKey]lockout
	nextID    atomic.Uint64
}

// NewManager creates a Manager over the given map registry.
func NewManager(maps *Registry) *Manager {
	return &Manager{
		maps:      maps,
		instances: make(map[InstanceID]*Instance),
		byKey:     make(map[instKey][]InstanceID),
	}
}

// GetOrCreateInstance resolves an instance for mapID at the given
// difficulty tier. private forces a fresh instance regardless of
// occupancy (a party explicitly requesting its own copy).
func (m *Manager) GetOrCreateInstance(mapID string, difficulty int, private bool) (*Instance, error) {
	cfg := m.maps.Get(mapID)
	if cfg == nil {
		return nil, ErrMapNotRegistered
	}

	if !cfg.Instanceable {
		private = false
		difficulty = 0
	}

	key := instKey{mapID: mapID, difficulty: difficulty}

	if !private {
		m.mu.RLock()
		for _, id := range m.byKey[key] {
			inst := m.instances[id]
			if inst == nil || inst.Private() {
				continue
			}
			if inst.State() != StateActive && inst.State() != StateInProgress {
				continue
			}
			if cfg.MaxPlayers == 0 || inst.PlayerCount() < cfg.MaxPlayers {
				m.mu.RUnlock()
				return inst, nil
			}
		}
		m.mu.RUnlock()

		if !cfg.Instanceable {
			// Single default instance: none exists yet or is full (we
			// never refuse non-instanceable maps for being full), fall
			// through to create it.
			m.mu.RLock()
			existing := m.byKey[key]
			m.mu.RUnlock()
			if len(existing) > 0 {
				m.mu.RLock()
				inst := m.instances[existing[0]]
				m.mu.RUnlock()
				if inst != nil {
					return inst, nil
				}
			}
		}
	}

	return m.createInstance(cfg, key, private)
}

func (m *Manager) createInstance(cfg *MapConfig, key instKey, private bool) (*Instance, error) {
	id := InstanceID(m.nextID.Add(1))
	var idx spatial.Index
	if cfg.UseOctree {
		idx = spatial.NewOctree(spatial.OctreeConfig{Min: cfg.Min, Max: cfg.Max})
	} else {
		idx = spatial.NewGrid(cfg.CellSize)
	}
	inst := newInstance(id, cfg.ID, private, idx)

	m.mu.Lock()
	m.instances[id] = inst
	m.byKey[key] = append(m.byKey[key], id)
	m.mu.Unlock()

	return inst, nil
}

// Get returns an instance by id, or (nil, false).
func (m *Manager) Get(id InstanceID) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Enter adds entity (at level, for future band checks) to inst at pos.
// The map-level band was already enforced by the caller at transition
// time; Enter never re-validates it.
func (m *Manager) Enter(inst *Instance, entity uint64, level int, pos spatial.Point) {
	inst.addEntity(entity, level, pos)
}

// Leave removes entity from inst. It never destroys the instance, even
// when it becomes empty; the instance keeps its state and stays indexed
// until DestroyInstance is called.
func (m *Manager) Leave(inst *Instance, entity uint64) {
	inst.removeEntity(entity)
}

// DestroyInstance removes an instance from the manager's bookkeeping and
// marks it Destroying. Idempotent.
func (m *Manager) DestroyInstance(id InstanceID) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.instances, id)
	for key, ids := range m.byKey {
		filtered := ids[:0]
		for _, existing := range ids {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		m.byKey[key] = filtered
	}
	m.mu.Unlock()

	inst.SetState(StateDestroying)
	return nil
}

// InstancesOf returns every live instance of mapID.
func (m *Manager) InstancesOf(mapID string) []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.MapID() == mapID {
			out = append(out, inst)
		}
	}
	return out
}

// InstanceCount returns the number of live instances across all maps.
func (m *Manager) InstanceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
