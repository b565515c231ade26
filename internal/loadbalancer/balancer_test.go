package loadbalancer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newNode(id int, region string) *Node {
	return &Node{
		ID:             id,
		Hostname:       "gs" + string(rune('0'+id)),
		Port:           7777,
		Region:         region,
		Healthy:        true,
		MaxConnections: 100,
		Capacity:       100,
	}
}

func TestTableRegisterAndBitmapAllocation(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	require.False(t, tbl.Register(newNode(1, "eu")), "duplicate ID")

	id, ok := tbl.RegisterFirstFree(newNode(0, "eu"))
	require.True(t, ok)
	require.Equal(t, 2, id, "lowest free ID after 1 is 2")

	tbl.Unregister(1)
	id, ok = tbl.RegisterFirstFree(newNode(0, "eu"))
	require.True(t, ok)
	require.Equal(t, 1, id, "freed ID is reused")
	require.Equal(t, 2, tbl.Len())
}

func TestLoadScoreIsWorstDimension(t *testing.T) {
	n := Node{CurrentConnections: 10, MaxConnections: 100, CPUPercent: 90, MemoryPercent: 70, Users: 5, Capacity: 100}
	require.InDelta(t, 0.8, n.LoadScore(), 1e-9) // (90+70)/200 dominates
	n.CurrentConnections = 95
	require.InDelta(t, 0.95, n.LoadScore(), 1e-9)
}

func TestRouteStickySession(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	require.True(t, tbl.Register(newNode(2, "eu")))
	b := NewBalancer(tbl, nil, DefaultBalancerConfig())

	first, err := b.RouteClient(context.Background(), "alice", "10.0.0.1", "eu")
	require.NoError(t, err)

	second, err := b.RouteClient(context.Background(), "alice", "10.0.0.1", "eu")
	require.NoError(t, err)
	require.Equal(t, first.NodeID, second.NodeID)
	require.Equal(t, "sticky session", second.Reason)
	require.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestRouteStickySkipsUnhealthyNode(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	require.True(t, tbl.Register(newNode(2, "eu")))
	b := NewBalancer(tbl, nil, DefaultBalancerConfig())

	first, err := b.RouteClient(context.Background(), "alice", "10.0.0.1", "eu")
	require.NoError(t, err)

	tbl.SetHealthy(first.NodeID, false)
	second, err := b.RouteClient(context.Background(), "alice", "10.0.0.1", "eu")
	require.NoError(t, err)
	require.NotEqual(t, first.NodeID, second.NodeID)
	require.Equal(t, "strategy selection", second.Reason)
}

func TestRouteLeastConnections(t *testing.T) {
	tbl := NewTable()
	busy := newNode(1, "eu")
	busy.CurrentConnections = 50
	idle := newNode(2, "eu")
	require.True(t, tbl.Register(busy))
	require.True(t, tbl.Register(idle))

	b := NewBalancer(tbl, nil, DefaultBalancerConfig())
	r, err := b.RouteClient(context.Background(), "bob", "10.0.0.2", "eu")
	require.NoError(t, err)
	require.Equal(t, 2, r.NodeID)
}

func TestRouteRegionPreferenceAndFallback(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "us")))
	b := NewBalancer(tbl, nil, DefaultBalancerConfig())

	r, err := b.RouteClient(context.Background(), "carol", "10.0.0.3", "eu")
	require.NoError(t, err)
	require.Equal(t, 1, r.NodeID)
	require.Equal(t, "fallback selection", r.Reason)

	cfg := DefaultBalancerConfig()
	cfg.RegionFallback = false
	strict := NewBalancer(tbl, nil, cfg)
	_, err = strict.RouteClient(context.Background(), "dave", "10.0.0.4", "eu")
	require.ErrorIs(t, err, ErrRegionUnavailable)
}

func TestRouteNoHealthyServer(t *testing.T) {
	tbl := NewTable()
	n := newNode(1, "eu")
	n.Healthy = false
	require.True(t, tbl.Register(n))
	b := NewBalancer(tbl, nil, DefaultBalancerConfig())

	_, err := b.RouteClient(context.Background(), "erin", "10.0.0.5", "")
	require.ErrorIs(t, err, ErrNoHealthyServer)
}

func TestMaintenanceNodeNotRouted(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	require.True(t, tbl.Register(newNode(2, "eu")))
	tbl.SetMaintenance(1, true)

	b := NewBalancer(tbl, nil, DefaultBalancerConfig())
	for range 5 {
		r, err := b.RouteClient(context.Background(), nextClientID(), "10.0.0.6", "eu")
		require.NoError(t, err)
		require.Equal(t, 2, r.NodeID)
	}
}

var clientIDCounter int

func nextClientID() string {
	clientIDCounter++
	return "client-" + string(rune('a'+clientIDCounter))
}

func TestGeographicStrategy(t *testing.T) {
	tbl := NewTable()
	frankfurt := newNode(1, "eu")
	frankfurt.Latitude, frankfurt.Longitude = 50.1, 8.7
	tokyo := newNode(2, "ap")
	tokyo.Latitude, tokyo.Longitude = 35.7, 139.7
	require.True(t, tbl.Register(frankfurt))
	require.True(t, tbl.Register(tokyo))

	cfg := DefaultBalancerConfig()
	cfg.Strategy = Geographic
	b := NewBalancer(tbl, geoStub{lat: 48.9, lon: 2.3}, cfg) // Paris

	r, err := b.RouteClient(context.Background(), "frank", "81.2.3.4", "")
	require.NoError(t, err)
	require.Equal(t, 1, r.NodeID)
}

type geoStub struct{ lat, lon float64 }

func (g geoStub) Locate(context.Context, string) (float64, float64, bool) { return g.lat, g.lon, true }

func TestWeightedRoundRobinDistribution(t *testing.T) {
	heavy := Node{ID: 1, Weight: 3, Healthy: true}
	light := Node{ID: 2, Weight: 1, Healthy: true}
	sel := &weightedRoundRobinSel{}

	counts := map[int]int{}
	for range 40 {
		n, ok := sel.pick([]Node{heavy, light}, ClientInfo{})
		require.True(t, ok)
		counts[n.ID]++
	}
	require.Equal(t, 30, counts[1])
	require.Equal(t, 10, counts[2])
}

func TestHaversineKnownDistance(t *testing.T) {
	// Paris to Frankfurt is roughly 480 km.
	d := haversineKm(48.86, 2.35, 50.11, 8.68)
	require.InDelta(t, 480, d, 30)
}

func TestConnectionHistoryBounded(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	cfg := DefaultBalancerConfig()
	cfg.StickyWindow = time.Nanosecond // force strategy selection each time
	b := NewBalancer(tbl, nil, cfg)

	for range maxConnectionHistory + 5 {
		_, err := b.RouteClient(context.Background(), "grace", "10.0.0.7", "eu")
		require.NoError(t, err)
	}
	hist := b.ConnectionHistory("grace")
	require.Len(t, hist, maxConnectionHistory)
	require.Equal(t, 1, hist[0])
	require.Nil(t, b.ConnectionHistory("nobody"))
}

func TestBalancerStats(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	sick := newNode(2, "us")
	sick.Healthy = false
	require.True(t, tbl.Register(sick))
	b := NewBalancer(tbl, nil, DefaultBalancerConfig())

	_, err := b.RouteClient(context.Background(), "henry", "10.0.0.8", "eu")
	require.NoError(t, err)
	_, err = b.RouteClient(context.Background(), "ivan", "10.0.0.9", "us")
	require.NoError(t, err, "falls back out of the unhealthy region")

	s := b.Stats()
	require.Equal(t, 2, s.TotalNodes)
	require.Equal(t, 1, s.HealthyNodes)
	require.Equal(t, 2, s.TotalConnections)
	require.Equal(t, uint64(2), s.RouteRequests)
	require.Equal(t, uint64(2), s.RouteSuccesses)
	require.Equal(t, 1.0, s.SuccessRate)
	require.Equal(t, 1, s.NodesPerRegion["eu"])
	require.Equal(t, 2, s.ConnectionsPerRegion["eu"])
	require.NotEmpty(t, s.StrategyUse)
}

func TestAdvisorRecommendedCounts(t *testing.T) {
	tbl := NewTable()
	for id := 1; id <= 4; id++ {
		hot := newNode(id, "eu")
		hot.CPUPercent, hot.MemoryPercent = 95, 85
		require.True(t, tbl.Register(hot))
	}
	for id := 5; id <= 9; id++ {
		require.True(t, tbl.Register(newNode(id, "us")))
	}

	adv := NewAdvisor(tbl, DefaultAdvisorConfig(), nil)
	byRegion := map[string]ScalingEvent{}
	for _, ev := range adv.Evaluate(time.Now()) {
		byRegion[ev.Region] = ev
	}

	require.Equal(t, ScaleUp, byRegion["eu"].Action)
	require.Equal(t, 7, byRegion["eu"].RecommendedCount) // 4*3/2+1
	require.NotEmpty(t, byRegion["eu"].Reasoning)

	require.Equal(t, ScaleDown, byRegion["us"].Action)
	require.Equal(t, 4, byRegion["us"].RecommendedCount) // 5*4/5
}

func TestAdvisorThresholds(t *testing.T) {
	tbl := NewTable()
	hot := newNode(1, "eu")
	hot.CPUPercent, hot.MemoryPercent = 95, 85 // load 0.9
	cold1 := newNode(2, "us")
	cold2 := newNode(3, "us")
	require.True(t, tbl.Register(hot))
	require.True(t, tbl.Register(cold1))
	require.True(t, tbl.Register(cold2))

	var events []ScalingEvent
	adv := NewAdvisor(tbl, DefaultAdvisorConfig(), func(ev ScalingEvent) { events = append(events, ev) })
	adv.Evaluate(time.Now())

	byRegion := map[string]ScalingAction{}
	for _, ev := range events {
		byRegion[ev.Region] = ev.Action
	}
	require.Equal(t, ScaleUp, byRegion["eu"])
	require.Equal(t, ScaleDown, byRegion["us"])
}

func TestAdvisorRespectsRegionMinimum(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu"))) // idle, but the only one
	adv := NewAdvisor(tbl, DefaultAdvisorConfig(), nil)

	events := adv.Evaluate(time.Now())
	require.Len(t, events, 1)
	require.Equal(t, ScaleMaintain, events[0].Action)
}

type proberStub struct {
	fail map[int]bool
}

func (p proberStub) Probe(_ context.Context, n Node) (NodeMetrics, error) {
	if p.fail[n.ID] {
		return NodeMetrics{}, context.DeadlineExceeded
	}
	return NodeMetrics{CurrentConnections: 7, CPUPercent: 10, Latency: 20 * time.Millisecond}, nil
}

func TestHealthCheckerPass(t *testing.T) {
	tbl := NewTable()
	require.True(t, tbl.Register(newNode(1, "eu")))
	require.True(t, tbl.Register(newNode(2, "eu")))

	hc := NewHealthChecker(tbl, proberStub{fail: map[int]bool{2: true}}, DefaultHealthCheckerConfig())
	now := time.Now()
	hc.Pass(context.Background(), now)

	n1, _ := tbl.Get(1)
	require.True(t, n1.Healthy)
	require.Equal(t, 7, n1.CurrentConnections)
	require.Equal(t, now, n1.LastMetricsUpdate)

	n2, _ := tbl.Get(2)
	require.False(t, n2.Healthy)
}

func TestHealthCheckerStaleExpiry(t *testing.T) {
	tbl := NewTable()
	n := newNode(1, "eu")
	n.LastMetricsUpdate = time.Now().Add(-10 * time.Minute)
	require.True(t, tbl.Register(n))

	stale := tbl.MarkStale(time.Now(), 5*time.Minute)
	require.Equal(t, []int{1}, stale)
	got, _ := tbl.Get(1)
	require.False(t, got.Healthy)
}
