package spawnengine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// respawnTask is one scheduled point replenishment.
type respawnTask struct {
	pointID int64
	dueAt   time.Time
}

// RespawnScheduler delays replenishment for points whose policy wants a
// corpse-to-respawn gap larger than the engine tick, e.g. boss timers.
type RespawnScheduler struct {
	engine *Engine

	mu    sync.Mutex
	tasks map[int64]*respawnTask
}

// NewRespawnScheduler creates a scheduler over engine.
func NewRespawnScheduler(engine *Engine) *RespawnScheduler {
	return &RespawnScheduler{engine: engine, tasks: make(map[int64]*respawnTask)}
}

// Schedule queues a replenishment of pointID after delay. Rescheduling
// an already-queued point moves its due time.
func (s *RespawnScheduler) Schedule(pointID int64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[pointID] = &respawnTask{pointID: pointID, dueAt: time.Now().Add(delay)}
	slog.Debug("respawn scheduled", "point", pointID, "delay", delay)
}

// Pending returns the number of queued tasks.
func (s *RespawnScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// process fires every due task by latching its point for the next
// engine update.
func (s *RespawnScheduler) process(now time.Time) {
	s.mu.Lock()
	var due []int64
	for id, task := range s.tasks {
		if !now.Before(task.dueAt) {
			due = append(due, id)
			delete(s.tasks, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.engine.Trigger(id)
		slog.Debug("respawn due", "point", id)
	}
}

// Run drives the scheduler until ctx is cancelled.
func (s *RespawnScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	slog.Info("respawn scheduler started", "interval", "1s")
	for {
		select {
		case <-ctx.Done():
			slog.Info("respawn scheduler stopping")
			return ctx.Err()
		case now := <-ticker.C:
			s.process(now)
		}
	}
}
