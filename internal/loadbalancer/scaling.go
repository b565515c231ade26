package loadbalancer

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScalingAction is the advisor's recommendation for one region.
type ScalingAction int

const (
	ScaleMaintain ScalingAction = iota
	ScaleUp
	ScaleDown
)

func (a ScalingAction) String() string {
	switch a {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "maintain"
	}
}

// ScalingEvent is emitted per region on each advisor pass; an external
// orchestrator consumes these and does the actual provisioning.
type ScalingEvent struct {
	Region      string
	Action      ScalingAction
	AverageLoad float64
	NodeCount   int
	// RecommendedCount is the advised region size: 1.5x current (rounded
	// down) plus one on scale up (capped), 0.8x on scale down (floored),
	// unchanged on maintain.
	RecommendedCount int
	Reasoning        string
	At               time.Time
}

// AdvisorConfig tunes the scaling advisor.
type AdvisorConfig struct {
	Interval           time.Duration // pass cadence, default 1 minute
	ScaleUpThreshold   float64       // default 0.8
	ScaleDownThreshold float64       // default 0.3
	MinNodesPerRegion  int           // scale-down floor, default 1
	MaxNodesPerRegion  int           // scale-up cap, default 16
}

// DefaultAdvisorConfig returns the standard thresholds.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Interval:           time.Minute,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		MinNodesPerRegion:  1,
		MaxNodesPerRegion:  16,
	}
}

// Advisor periodically evaluates per-region load and emits scaling
// recommendations.
type Advisor struct {
	cfg   AdvisorConfig
	table *Table
	emit  func(ScalingEvent)
}

// NewAdvisor creates an Advisor over table. emit receives every event,
// including maintains.
func NewAdvisor(table *Table, cfg AdvisorConfig, emit func(ScalingEvent)) *Advisor {
	def := DefaultAdvisorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if cfg.MinNodesPerRegion <= 0 {
		cfg.MinNodesPerRegion = def.MinNodesPerRegion
	}
	if cfg.MaxNodesPerRegion <= 0 {
		cfg.MaxNodesPerRegion = def.MaxNodesPerRegion
	}
	return &Advisor{cfg: cfg, table: table, emit: emit}
}

// Evaluate runs one advisor pass and returns the per-region events.
func (a *Advisor) Evaluate(now time.Time) []ScalingEvent {
	type regionStat struct {
		load  float64
		count int
	}
	stats := make(map[string]*regionStat)
	for _, n := range a.table.Snapshot(func(n *Node) bool { return n.Healthy }) {
		st, ok := stats[n.Region]
		if !ok {
			st = &regionStat{}
			stats[n.Region] = st
		}
		st.load += n.LoadScore()
		st.count++
	}

	events := make([]ScalingEvent, 0, len(stats))
	for region, st := range stats {
		avg := st.load / float64(st.count)
		action := ScaleMaintain
		recommended := st.count
		reasoning := fmt.Sprintf("load %.0f%% within acceptable range", avg*100)
		switch {
		case avg > a.cfg.ScaleUpThreshold:
			action = ScaleUp
			recommended = min(st.count*3/2+1, a.cfg.MaxNodesPerRegion)
			reasoning = fmt.Sprintf("high load: %.0f%%", avg*100)
		case avg < a.cfg.ScaleDownThreshold && st.count > a.cfg.MinNodesPerRegion:
			action = ScaleDown
			recommended = max(st.count*4/5, a.cfg.MinNodesPerRegion)
			reasoning = fmt.Sprintf("low load: %.0f%%", avg*100)
		}
		ev := ScalingEvent{
			Region:           region,
			Action:           action,
			AverageLoad:      avg,
			NodeCount:        st.count,
			RecommendedCount: recommended,
			Reasoning:        reasoning,
			At:               now,
		}
		events = append(events, ev)
		if a.emit != nil {
			a.emit(ev)
		}
		if action != ScaleMaintain {
			slog.Info("scaling recommendation",
				"region", region, "action", action.String(), "avg_load", avg, "nodes", st.count)
		}
	}
	return events
}

// Run evaluates on the configured interval until ctx is cancelled.
func (a *Advisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			a.Evaluate(now)
		}
	}
}
