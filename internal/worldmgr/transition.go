package worldmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

var (
	ErrInCombat          = errors.New("worldmgr: entity in combat")
	ErrLevelBand         = errors.New("worldmgr: level outside target map's band")
	ErrAlreadyInTransit  = errors.New("worldmgr: transition already in progress")
	ErrTransitionTimeout = errors.New("worldmgr: transition timed out")
	ErrInstanceFull      = errors.New("worldmgr: instance full")
)

// TransitionPhase names a step of the transition state machine:
// Preparing → Saving → Loading → Transferring → Completing.
type TransitionPhase int

const (
	PhasePreparing TransitionPhase = iota
	PhaseSaving
	PhaseLoading
	PhaseTransferring
	PhaseCompleting
)

func (p TransitionPhase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseSaving:
		return "saving"
	case PhaseLoading:
		return "loading"
	case PhaseTransferring:
		return "transferring"
	case PhaseCompleting:
		return "completing"
	default:
		return "unknown"
	}
}

// CheckpointSaver persists an entity's transient state during the Saving
// phase. External collaborator; the reference implementation writes to
// Postgres.
type CheckpointSaver interface {
	Save(ctx context.Context, entity uint64, mapID string, instance uint64, pos spatial.Point) error
}

// Observer receives transition side effects to fan out to clients: the
// source instance's neighbors see the entity vanish, the target's see it
// appear, and the moving client gets the map-change notification.
type Observer interface {
	EntityRemoved(inst *Instance, entity uint64)
	EntitySpawned(inst *Instance, entity uint64, pos spatial.Point)
	MapChanged(entity uint64, mapID string, inst *Instance, pos spatial.Point, seamless bool)
	TransitionFailed(entity uint64, reason error)
}

// TransitionRequest describes one entity's move between maps.
type TransitionRequest struct {
	Entity     uint64
	Level      int
	InCombat   bool
	From       *Instance
	FromPos    spatial.Point
	TargetMap  string
	Difficulty int
	Private    bool
	// Seamless suppresses the loading screen on the client notification;
	// boundary-triggered transitions set it.
	Seamless bool
}

// Transitioner drives the five-phase map transition state machine. Each
// entity holds at most one transition slot; a second request while one is
// in flight is rejected. On any phase failure or on budget exhaustion the
// transition cancels and the entity remains in its source instance with
// no partial state visible to observers.
type Transitioner struct {
	manager  *Manager
	saver    CheckpointSaver
	observer Observer
	budget   time.Duration

	mu      sync.Mutex
	inFlight map[uint64]TransitionPhase
}

// NewTransitioner creates a Transitioner. budget <= 0 uses 10 s.
func NewTransitioner(manager *Manager, saver CheckpointSaver, observer Observer, budget time.Duration) *Transitioner {
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &Transitioner{
		manager:  manager,
		saver:    saver,
		observer: observer,
		budget:   budget,
		inFlight: make(map[uint64]TransitionPhase),
	}
}

// Phase reports the entity's current transition phase, if one is in flight.
func (t *Transitioner) Phase(entity uint64) (TransitionPhase, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.inFlight[entity]
	return p, ok
}

// Transition runs the full state machine for req, blocking until it
// completes or fails. ctx carries the session's cancellation: a
// disconnect mid-transition cancels it and the entity stays in the
// source instance.
func (t *Transitioner) Transition(ctx context.Context, req TransitionRequest) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, t.budget)
	defer cancel()

	// Preparing: validate preconditions and take the transition slot.
	target := t.manager.maps.Get(req.TargetMap)
	if target == nil {
		return nil, ErrMapNotRegistered
	}
	if req.InCombat {
		return nil, ErrInCombat
	}
	if !target.InBand(req.Level) {
		return nil, ErrLevelBand
	}
	if !t.acquireSlot(req.Entity) {
		return nil, ErrAlreadyInTransit
	}
	defer t.releaseSlot(req.Entity)

	inst, err := t.run(ctx, req, target)
	if err != nil {
		if t.observer != nil {
			t.observer.TransitionFailed(req.Entity, err)
		}
		slog.Warn("map transition failed",
			"entity", req.Entity, "target", req.TargetMap, "error", err)
		return nil, err
	}
	return inst, nil
}

func (t *Transitioner) run(ctx context.Context, req TransitionRequest, target *MapConfig) (*Instance, error) {
	// Saving: checkpoint transient state so a crash mid-transfer cannot
	// lose the entity.
	t.setPhase(req.Entity, PhaseSaving)
	if t.saver != nil {
		var fromInst uint64
		var fromMap string
		if req.From != nil {
			fromInst = uint64(req.From.ID())
			fromMap = req.From.MapID()
		}
		if err := t.saver.Save(ctx, req.Entity, fromMap, fromInst, req.FromPos); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, budgetErr(ctxErr)
			}
			return nil, fmt.Errorf("saving checkpoint: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, budgetErr(err)
	}

	// Loading: resolve or create the target instance and pick the
	// arrival position.
	t.setPhase(req.Entity, PhaseLoading)
	inst, err := t.manager.GetOrCreateInstance(req.TargetMap, req.Difficulty, req.Private)
	if err != nil {
		return nil, fmt.Errorf("resolving target instance: %w", err)
	}
	if target.MaxPlayers > 0 && inst.PlayerCount() >= target.MaxPlayers && !inst.HasEntity(req.Entity) {
		return nil, ErrInstanceFull
	}
	arrival := target.NearestSpawn(req.FromPos)
	if err := ctx.Err(); err != nil {
		return nil, budgetErr(err)
	}

	// Transferring: swap spatial-index membership. Remove-then-add keeps
	// the one-instance-per-entity invariant; observers are told only
	// after both sides agree.
	t.setPhase(req.Entity, PhaseTransferring)
	if req.From != nil {
		t.manager.Leave(req.From, req.Entity)
	}
	t.manager.Enter(inst, req.Entity, req.Level, arrival)
	if t.observer != nil {
		if req.From != nil {
			t.observer.EntityRemoved(req.From, req.Entity)
		}
		t.observer.EntitySpawned(inst, req.Entity, arrival)
	}

	// Completing: notify the moving client and release the slot (the
	// deferred release in Transition handles the slot).
	t.setPhase(req.Entity, PhaseCompleting)
	if t.observer != nil {
		t.observer.MapChanged(req.Entity, req.TargetMap, inst, arrival, req.Seamless)
	}

	slog.Debug("map transition complete",
		"entity", req.Entity, "target", req.TargetMap, "instance", inst.ID(), "seamless", req.Seamless)
	return inst, nil
}

func budgetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTransitionTimeout
	}
	return err
}

func (t *Transitioner) acquireSlot(entity uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[entity]; busy {
		return false
	}
	t.inFlight[entity] = PhasePreparing
	return true
}

func (t *Transitioner) setPhase(entity uint64, p TransitionPhase) {
	t.mu.Lock()
	t.inFlight[entity] = p
	t.mu.Unlock()
}

func (t *Transitioner) releaseSlot(entity uint64) {
	t.mu.Lock()
	delete(t.inFlight, entity)
	t.mu.Unlock()
}
