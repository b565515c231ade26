package loadbalancer

import (
	"context"
	"log/slog"
	"time"
)

// Prober checks one node's liveness and collects its metrics. External
// collaborator: the reference implementation probes the node's metrics
// endpoint; tests stub it.
type Prober interface {
	Probe(ctx context.Context, n Node) (NodeMetrics, error)
}

// NodeMetrics is one probe result.
type NodeMetrics struct {
	CurrentConnections int
	Users              int
	CPUPercent         float64
	MemoryPercent      float64
	Latency            time.Duration
}

// HealthCheckerConfig tunes the probe loop.
type HealthCheckerConfig struct {
	Interval time.Duration // probe cadence, default 15s
	// StaleAfter marks a node unhealthy when its metrics have not been
	// refreshed within this window, default 5 minutes.
	StaleAfter time.Duration
	Timeout    time.Duration // per-probe budget, default 3s
}

// DefaultHealthCheckerConfig returns the standard cadence.
func DefaultHealthCheckerConfig() HealthCheckerConfig {
	return HealthCheckerConfig{
		Interval:   15 * time.Second,
		StaleAfter: 5 * time.Minute,
		Timeout:    3 * time.Second,
	}
}

// HealthChecker drives periodic probes over every registered node and
// expires nodes whose metrics have gone stale.
type HealthChecker struct {
	cfg    HealthCheckerConfig
	table  *Table
	prober Prober
}

// NewHealthChecker creates a HealthChecker over table.
func NewHealthChecker(table *Table, prober Prober, cfg HealthCheckerConfig) *HealthChecker {
	def := DefaultHealthCheckerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &HealthChecker{cfg: cfg, table: table, prober: prober}
}

// Pass probes every node once and applies staleness expiry.
func (h *HealthChecker) Pass(ctx context.Context, now time.Time) {
	for _, n := range h.table.Snapshot(nil) {
		probeCtx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
		m, err := h.prober.Probe(probeCtx, n)
		cancel()
		if err != nil {
			if n.Healthy {
				slog.Warn("node probe failed", "node", n.ID, "error", err)
			}
			h.table.SetHealthy(n.ID, false)
			continue
		}
		h.table.UpdateMetrics(n.ID, m.CurrentConnections, m.Users, m.CPUPercent, m.MemoryPercent, m.Latency, now)
	}

	for _, id := range h.table.MarkStale(now, h.cfg.StaleAfter) {
		slog.Warn("node metrics stale, marking unhealthy", "node", id)
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			h.Pass(ctx, now)
		}
	}
}
