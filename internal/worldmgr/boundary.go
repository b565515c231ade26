package worldmgr

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// CombatChecker reports whether an entity is currently in combat; such
// entities never trigger a seamless transition. A nil checker treats
// everyone as out of combat.
type CombatChecker interface {
	InCombat(entity uint64) bool
}

// BoundaryWatcher samples entity positions against boundary connections
// each tick and fires seamless transitions for entities inside a
// connection's trigger radius.
type BoundaryWatcher struct {
	manager      *Manager
	transitioner *Transitioner
	combat       CombatChecker
}

// NewBoundaryWatcher creates a BoundaryWatcher. combat may be nil.
func NewBoundaryWatcher(manager *Manager, transitioner *Transitioner, combat CombatChecker) *BoundaryWatcher {
	return &BoundaryWatcher{manager: manager, transitioner: transitioner, combat: combat}
}

// Sweep runs one boundary pass over every instance of every map that
// defines connections. Entities already mid-transition are skipped by
// the transitioner's slot check; in-combat entities are skipped here.
// Returns the number of transitions started.
func (w *BoundaryWatcher) Sweep(ctx context.Context) int {
	started := 0
	for _, cfg := range w.manager.maps.All() {
		if len(cfg.Connections) == 0 {
			continue
		}
		for _, inst := range w.manager.InstancesOf(cfg.ID) {
			for _, conn := range cfg.Connections {
				for _, id := range inst.Index().QueryRadius(conn.Point, conn.Radius) {
					entity := uint64(id)
					if w.combat != nil && w.combat.InCombat(entity) {
						continue
					}
					level, ok := inst.EntityLevel(entity)
					if !ok {
						continue
					}
					_, err := w.transitioner.Transition(ctx, TransitionRequest{
						Entity:    entity,
						Level:     level,
						From:      inst,
						FromPos:   conn.Point,
						TargetMap: conn.TargetMapID,
						Seamless:  true,
					})
					switch {
					case err == nil:
						started++
					case errors.Is(err, ErrAlreadyInTransit):
						// Expected while a previous sweep's transition
						// is still completing.
					default:
						slog.Debug("seamless transition rejected",
							"entity", entity, "target", conn.TargetMapID, "error", err)
					}
				}
			}
		}
	}
	return started
}

// Contains reports whether pos lies within conn's trigger radius.
func Contains(conn BoundaryConnection, pos spatial.Point) bool {
	return conn.Point.DistanceSquared(pos) <= conn.Radius*conn.Radius
}
