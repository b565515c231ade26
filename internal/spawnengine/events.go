package spawnengine

import (
	"log/slog"
	"math"
	"time"

	"github.com/ironrealm/mmoserver/internal/spatial"
)

// Enable re-activates a disabled spawn point.
func (e *Engine) Enable(pointID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.points[pointID]; ok {
		st.cfg.Enabled = true
	}
}

// Disable deactivates a spawn point. With despawnExisting, its live
// entities are removed immediately; otherwise they persist until death
// and are simply never replaced.
func (e *Engine) Disable(pointID int64, despawnExisting bool) {
	e.mu.Lock()
	st, ok := e.points[pointID]
	if !ok {
		e.mu.Unlock()
		return
	}
	st.cfg.Enabled = false
	e.mu.Unlock()

	if despawnExisting {
		e.DespawnAll(pointID)
	}
}

// RegisterEventSpawn binds a spawn point to a named world event. The
// point should be registered disabled or as KindTriggered; TriggerEvent
// fires every point bound to the event.
func (e *Engine) RegisterEventSpawn(event string, pointID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eventSpawns == nil {
		e.eventSpawns = make(map[string][]int64)
	}
	e.eventSpawns[event] = append(e.eventSpawns[event], pointID)
}

// TriggerEvent enables and latches every spawn point bound to event.
func (e *Engine) TriggerEvent(event string) int {
	e.mu.Lock()
	ids := append([]int64(nil), e.eventSpawns[event]...)
	for _, id := range ids {
		if st, ok := e.points[id]; ok {
			st.cfg.Enabled = true
			if st.cfg.Kind == KindTriggered {
				st.triggered = true
			}
		}
	}
	e.mu.Unlock()

	if len(ids) > 0 {
		slog.Info("world event triggered", "event", event, "points", len(ids))
	}
	return len(ids)
}

// StartWaves arms (or re-arms) a wave point at runtime with a fresh
// wave count and interval. The next update fires the first wave.
func (e *Engine) StartWaves(pointID int64, waves int, interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.points[pointID]
	if !ok || st.cfg.Kind != KindWave {
		return
	}
	st.wavesLeft = waves
	st.cfg.WaveInterval = interval
	st.nextWave = time.Time{}
	st.cfg.Enabled = true
}

// StopWaves cancels a wave point's remaining waves.
func (e *Engine) StopWaves(pointID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.points[pointID]; ok {
		st.wavesLeft = 0
	}
}

// PointsInRadius returns the ids of mapID's spawn points whose location
// lies within radius of center.
func (e *Engine) PointsInRadius(mapID string, center spatial.Point, radius float64) []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []int64
	for id, st := range e.points {
		if st.cfg.MapID != mapID {
			continue
		}
		if math.Sqrt(st.cfg.Location.DistanceSquared(center)) <= radius {
			out = append(out, id)
		}
	}
	return out
}
