package loadbalancer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoHealthyServer means no routable node exists anywhere.
	ErrNoHealthyServer = errors.New("loadbalancer: no healthy server")
	// ErrRegionUnavailable means the preferred region has no routable
	// node and fallback was disabled.
	ErrRegionUnavailable = errors.New("loadbalancer: region unavailable")
)

// GeoService estimates a client's location from its IP. External
// collaborator; a nil lookup result routes without geographic input.
type GeoService interface {
	Locate(ctx context.Context, ip string) (lat, lon float64, ok bool)
}

// Route is the balancer's answer for one client.
type Route struct {
	CorrelationID string
	NodeID        int
	Hostname      string
	Port          int
	EstimatedLatency time.Duration
	Strategy      Strategy
	Reason        string
}

// BalancerConfig tunes routing policy.
type BalancerConfig struct {
	Strategy         Strategy
	FallbackStrategy Strategy
	// StickyWindow is how long a returning client is routed back to its
	// previous node, default 30 minutes.
	StickyWindow time.Duration
	// RegionFallback permits routing outside the preferred region when
	// it has no routable node.
	RegionFallback bool

	IntelligentLoadWeight    float64
	IntelligentLatencyWeight float64
	IntelligentGeoWeight     float64
}

// DefaultBalancerConfig returns the standard policy.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Strategy:         LeastConnections,
		FallbackStrategy: RoundRobin,
		StickyWindow:     30 * time.Minute,
		RegionFallback:   true,
	}
}

// maxConnectionHistory bounds each client's remembered route history.
const maxConnectionHistory = 10

// clientRecord remembers where a client was last routed.
type clientRecord struct {
	info        ClientInfo
	lastNodeID  int
	routedAt    time.Time
	history     []int // recent node ids, oldest first
	totalRoutes uint64
}

// Balancer routes clients onto the node table.
type Balancer struct {
	cfg      BalancerConfig
	table    *Table
	geo      GeoService
	primary  selector
	fallback selector

	mu      sync.Mutex
	clients map[string]*clientRecord

	routeRequests  atomic.Uint64
	routeSuccesses atomic.Uint64
	strategyUse    sync.Map // map[Strategy]*atomic.Uint64
}

// NewBalancer creates a Balancer over table. geo may be nil.
func NewBalancer(table *Table, geo GeoService, cfg BalancerConfig) *Balancer {
	if cfg.StickyWindow == 0 {
		cfg.StickyWindow = DefaultBalancerConfig().StickyWindow
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultBalancerConfig().Strategy
	}
	if cfg.FallbackStrategy == "" {
		cfg.FallbackStrategy = DefaultBalancerConfig().FallbackStrategy
	}
	return &Balancer{
		cfg:      cfg,
		table:    table,
		geo:      geo,
		primary:  newSelector(cfg.Strategy, cfg),
		fallback: newSelector(cfg.FallbackStrategy, cfg),
		clients:  make(map[string]*clientRecord),
	}
}

// RouteClient picks a node for the client: sticky affinity first, then
// the configured strategy over the preferred region's routable nodes,
// then the fallback strategy over the full routable fleet.
func (b *Balancer) RouteClient(ctx context.Context, clientID, ip, preferredRegion string) (Route, error) {
	now := time.Now()
	b.routeRequests.Add(1)

	info := ClientInfo{ID: clientID, IP: ip, Region: preferredRegion, LastSeen: now}
	if b.geo != nil {
		if lat, lon, ok := b.geo.Locate(ctx, ip); ok {
			info.Latitude, info.Longitude = lat, lon
		}
	}

	b.mu.Lock()
	rec, returning := b.clients[clientID]
	if !returning {
		rec = &clientRecord{}
		b.clients[clientID] = rec
	}
	prevNode, prevAt := rec.lastNodeID, rec.routedAt
	rec.info = info
	b.mu.Unlock()

	// Sticky session: an affine, still-healthy previous node short-
	// circuits strategy selection entirely.
	if returning && prevNode != 0 && now.Sub(prevAt) <= b.cfg.StickyWindow {
		if n, ok := b.table.Get(prevNode); ok && n.Routable() {
			return b.commit(clientID, n, b.cfg.Strategy, "sticky session", now), nil
		}
	}

	regional := b.table.Snapshot(func(n *Node) bool {
		return n.Routable() && (preferredRegion == "" || n.Region == preferredRegion)
	})

	if n, ok := b.primary.pick(regional, info); ok {
		return b.commit(clientID, n, b.cfg.Strategy, "strategy selection", now), nil
	}

	if preferredRegion != "" && !b.cfg.RegionFallback {
		return Route{}, ErrRegionUnavailable
	}

	all := b.table.Snapshot(func(n *Node) bool { return n.Routable() })
	if n, ok := b.fallback.pick(all, info); ok {
		return b.commit(clientID, n, b.cfg.FallbackStrategy, "fallback selection", now), nil
	}

	return Route{}, ErrNoHealthyServer
}

func (b *Balancer) commit(clientID string, n Node, strategy Strategy, reason string, now time.Time) Route {
	b.mu.Lock()
	if rec, ok := b.clients[clientID]; ok {
		rec.lastNodeID = n.ID
		rec.routedAt = now
		rec.totalRoutes++
		rec.history = append(rec.history, n.ID)
		if len(rec.history) > maxConnectionHistory {
			rec.history = rec.history[len(rec.history)-maxConnectionHistory:]
		}
	}
	b.mu.Unlock()

	b.routeSuccesses.Add(1)
	counter, _ := b.strategyUse.LoadOrStore(strategy, &atomic.Uint64{})
	counter.(*atomic.Uint64).Add(1)

	b.table.AddConnection(n.ID, 1)

	route := Route{
		CorrelationID:    uuid.NewString(),
		NodeID:           n.ID,
		Hostname:         n.Hostname,
		Port:             n.Port,
		EstimatedLatency: n.Latency,
		Strategy:         strategy,
		Reason:           reason,
	}
	slog.Debug("client routed",
		"correlation", route.CorrelationID,
		"client", clientID,
		"node", n.ID,
		"strategy", strategy,
		"reason", reason)
	return route
}

// ClientDisconnected releases the connection slot held on the client's
// node; affinity is kept so a quick reconnect still lands there.
func (b *Balancer) ClientDisconnected(clientID string) {
	b.mu.Lock()
	rec, ok := b.clients[clientID]
	var node int
	if ok {
		node = rec.lastNodeID
	}
	b.mu.Unlock()
	if node != 0 {
		b.table.AddConnection(node, -1)
	}
}

// ForgetClient drops a client's affinity record entirely.
func (b *Balancer) ForgetClient(clientID string) {
	b.mu.Lock()
	delete(b.clients, clientID)
	b.mu.Unlock()
}

// ConnectionHistory returns the client's recent node assignments, oldest
// first, bounded at maxConnectionHistory entries.
func (b *Balancer) ConnectionHistory(clientID string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]int, len(rec.history))
	copy(out, rec.history)
	return out
}

// BalancerStats summarizes the fleet and routing activity.
type BalancerStats struct {
	TotalNodes         int
	HealthyNodes       int
	TotalConnections   int
	AverageLoad        float64
	NodesPerRegion     map[string]int
	ConnectionsPerRegion map[string]int
	RouteRequests      uint64
	RouteSuccesses     uint64
	SuccessRate        float64
	StrategyUse        map[Strategy]uint64
}

// Stats computes a point-in-time summary across the node table and the
// balancer's routing counters.
func (b *Balancer) Stats() BalancerStats {
	s := BalancerStats{
		NodesPerRegion:       make(map[string]int),
		ConnectionsPerRegion: make(map[string]int),
		StrategyUse:          make(map[Strategy]uint64),
	}

	var loadSum float64
	for _, n := range b.table.Snapshot(nil) {
		s.TotalNodes++
		s.TotalConnections += n.CurrentConnections
		s.NodesPerRegion[n.Region]++
		s.ConnectionsPerRegion[n.Region] += n.CurrentConnections
		if n.Routable() {
			s.HealthyNodes++
			loadSum += n.LoadScore()
		}
	}
	if s.HealthyNodes > 0 {
		s.AverageLoad = loadSum / float64(s.HealthyNodes)
	}

	s.RouteRequests = b.routeRequests.Load()
	s.RouteSuccesses = b.routeSuccesses.Load()
	if s.RouteRequests > 0 {
		s.SuccessRate = float64(s.RouteSuccesses) / float64(s.RouteRequests)
	}
	b.strategyUse.Range(func(k, v any) bool {
		s.StrategyUse[k.(Strategy)] = v.(*atomic.Uint64).Load()
		return true
	})
	return s
}
