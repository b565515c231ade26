package worldmgr

import (
	"errors"
	"sync"
	"time"
)

var ErrNotAllowed = errors.New("worldmgr: player not on instance roster")

// ObjectiveConfig declares one completion objective of an instanceable
// map (kill X bosses, collect Y items).
type ObjectiveConfig struct {
	ID          uint32
	Required    bool
	TargetCount int
}

// BossConfig declares a boss whose kill is tracked per instance run.
type BossConfig struct {
	ID        uint32
	FinalBoss bool
}

// progress is the mutable run state of one instance: roster, objective
// and boss-kill tracking, wipes. Guarded by its own mutex so progress
// updates never contend with entity add/remove.
type progress struct {
	mu sync.Mutex

	allowed map[uint64]struct{} // empty = open to anyone
	leader  uint64

	objectives map[uint32]int // objective id → count
	bossKills  map[uint32]struct{}
	wipes      int
}

// ProgressView is a copy of an instance's run state.
type ProgressView struct {
	Leader     uint64
	Objectives map[uint32]int
	BossKills  []uint32
	Wipes      int
	Completed  bool
}

// SetRoster restricts the instance to the given party, led by leader.
// An empty roster reopens the instance.
func (i *Instance) SetRoster(leader uint64, members []uint64) {
	i.prog.mu.Lock()
	defer i.prog.mu.Unlock()
	i.prog.leader = leader
	i.prog.allowed = make(map[uint64]struct{}, len(members)+1)
	if leader != 0 {
		i.prog.allowed[leader] = struct{}{}
	}
	for _, m := range members {
		i.prog.allowed[m] = struct{}{}
	}
}

// CanEnter reports whether player may enter given the instance roster.
func (i *Instance) CanEnter(player uint64) error {
	i.prog.mu.Lock()
	defer i.prog.mu.Unlock()
	if len(i.prog.allowed) == 0 {
		return nil
	}
	if _, ok := i.prog.allowed[player]; !ok {
		return ErrNotAllowed
	}
	return nil
}

// RecordObjective advances an objective counter and completes the
// instance once every required objective of cfg has hit its target.
func (i *Instance) RecordObjective(cfg *MapConfig, objectiveID uint32, count int) {
	i.prog.mu.Lock()
	if i.prog.objectives == nil {
		i.prog.objectives = make(map[uint32]int)
	}
	i.prog.objectives[objectiveID] += count
	done := i.requiredObjectivesDoneLocked(cfg)
	i.prog.mu.Unlock()

	if done && i.State() == StateInProgress {
		i.SetState(StateCompleted)
	}
}

// RecordBossKill marks boss dead in this run. Killing the final boss
// completes the instance outright.
func (i *Instance) RecordBossKill(cfg *MapConfig, bossID uint32) {
	i.prog.mu.Lock()
	if i.prog.bossKills == nil {
		i.prog.bossKills = make(map[uint32]struct{})
	}
	i.prog.bossKills[bossID] = struct{}{}
	i.prog.mu.Unlock()

	for _, b := range cfg.Bosses {
		if b.ID == bossID && b.FinalBoss {
			i.SetState(StateCompleted)
			return
		}
	}
}

// RecordWipe counts a full-party wipe.
func (i *Instance) RecordWipe() {
	i.prog.mu.Lock()
	i.prog.wipes++
	i.prog.mu.Unlock()
}

// Progress returns a copy of the run state.
func (i *Instance) Progress() ProgressView {
	i.prog.mu.Lock()
	defer i.prog.mu.Unlock()
	view := ProgressView{
		Leader:     i.prog.leader,
		Objectives: make(map[uint32]int, len(i.prog.objectives)),
		Wipes:      i.prog.wipes,
		Completed:  i.State() == StateCompleted,
	}
	for id, n := range i.prog.objectives {
		view.Objectives[id] = n
	}
	for id := range i.prog.bossKills {
		view.BossKills = append(view.BossKills, id)
	}
	return view
}

// requiredObjectivesDoneLocked reports whether every required objective
// reached its target. Caller holds prog.mu.
func (i *Instance) requiredObjectivesDoneLocked(cfg *MapConfig) bool {
	if len(cfg.Objectives) == 0 {
		return false
	}
	for _, obj := range cfg.Objectives {
		if !obj.Required {
			continue
		}
		if i.prog.objectives[obj.ID] < obj.TargetCount {
			return false
		}
	}
	return true
}

// lockKey identifies a player's save against a (map, difficulty) pair.
type lockKey struct {
	player     uint64
	mapID      string
	difficulty int
}

// lockout pins a player to the instance their progress is saved in.
type lockout struct {
	instance InstanceID
	expires  time.Time
}

// SaveLockout binds player to inst until expiry: until then, resolving
// the same (map, difficulty) for that player returns the saved instance
// rather than an open one.
func (m *Manager) SaveLockout(player uint64, inst *Instance, difficulty int, expires time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockouts == nil {
		m.lockouts = make(map[lockKey]lockout)
	}
	m.lockouts[lockKey{player: player, mapID: inst.MapID(), difficulty: difficulty}] =
		lockout{instance: inst.ID(), expires: expires}
}

// ResolveForPlayer resolves an instance for player honoring roster and
// lockout rules: a live saved instance wins; an expired or dead lockout
// falls through to normal resolution.
func (m *Manager) ResolveForPlayer(player uint64, mapID string, difficulty int, private bool, now time.Time) (*Instance, error) {
	m.mu.RLock()
	lk, hasLock := m.lockouts[lockKey{player: player, mapID: mapID, difficulty: difficulty}]
	m.mu.RUnlock()

	if hasLock {
		if now.After(lk.expires) {
			m.mu.Lock()
			delete(m.lockouts, lockKey{player: player, mapID: mapID, difficulty: difficulty})
			m.mu.Unlock()
		} else if inst, ok := m.Get(lk.instance); ok {
			if err := inst.CanEnter(player); err != nil {
				return nil, err
			}
			return inst, nil
		}
	}

	inst, err := m.GetOrCreateInstance(mapID, difficulty, private)
	if err != nil {
		return nil, err
	}
	if err := inst.CanEnter(player); err != nil {
		return nil, err
	}
	return inst, nil
}
