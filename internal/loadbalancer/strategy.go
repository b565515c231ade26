package loadbalancer

import (
	"math"
	"sync/atomic"
	"time"
)

// Strategy names a node-selection policy. The set is closed; Balancer
// falls back to its configured secondary when the primary yields nothing.
type Strategy string

const (
	RoundRobin        Strategy = "round_robin"
	LeastConnections  Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Geographic        Strategy = "geographic"
	LeastResponseTime Strategy = "least_response_time"
	ResourceBased     Strategy = "resource_based"
	Intelligent       Strategy = "intelligent"
)

// ClientInfo is what a strategy may consider about the client being routed.
type ClientInfo struct {
	ID        string
	IP        string
	Latitude  float64
	Longitude float64
	Region    string
	LastSeen  time.Time
}

// selector implements one Strategy over a candidate slice. Candidates are
// value copies taken under the table's read lock; selectors never touch
// shared state except their own cursors.
type selector interface {
	pick(candidates []Node, client ClientInfo) (Node, bool)
}

type roundRobinSel struct{ cursor atomic.Uint64 }

func (s *roundRobinSel) pick(c []Node, _ ClientInfo) (Node, bool) {
	if len(c) == 0 {
		return Node{}, false
	}
	return c[int(s.cursor.Add(1)-1)%len(c)], true
}

type leastConnectionsSel struct{}

func (leastConnectionsSel) pick(c []Node, _ ClientInfo) (Node, bool) {
	return argmin(c, func(n Node) float64 { return float64(n.CurrentConnections) })
}

// weightedRoundRobinSel walks a cumulative-weight wheel: each pick
// advances a cursor through total weight, so a node with weight 3 is
// chosen three times as often as one with weight 1.
type weightedRoundRobinSel struct{ cursor atomic.Uint64 }

func (s *weightedRoundRobinSel) pick(c []Node, _ ClientInfo) (Node, bool) {
	if len(c) == 0 {
		return Node{}, false
	}
	total := 0
	for _, n := range c {
		total += max(n.Weight, 1)
	}
	slot := int(s.cursor.Add(1)-1) % total
	for _, n := range c {
		slot -= max(n.Weight, 1)
		if slot < 0 {
			return n, true
		}
	}
	return c[len(c)-1], true
}

type geographicSel struct{}

func (geographicSel) pick(c []Node, client ClientInfo) (Node, bool) {
	return argmin(c, func(n Node) float64 {
		return haversineKm(client.Latitude, client.Longitude, n.Latitude, n.Longitude)
	})
}

type leastResponseTimeSel struct{}

func (leastResponseTimeSel) pick(c []Node, _ ClientInfo) (Node, bool) {
	return argmin(c, func(n Node) float64 { return float64(n.Latency) })
}

type resourceBasedSel struct{}

func (resourceBasedSel) pick(c []Node, _ ClientInfo) (Node, bool) {
	return argmin(c, func(n Node) float64 { return n.LoadScore() })
}

// intelligentSel blends load, latency, and geography into one score.
// The weights are tunable via Balancer config; zero values fall back to
// a 40/30/30 load/latency/geography split.
type intelligentSel struct {
	loadWeight, latencyWeight, geoWeight float64
}

func (s intelligentSel) pick(c []Node, client ClientInfo) (Node, bool) {
	lw, tw, gw := s.loadWeight, s.latencyWeight, s.geoWeight
	if lw+tw+gw == 0 {
		lw, tw, gw = 0.4, 0.3, 0.3
	}
	return argmin(c, func(n Node) float64 {
		load := n.LoadScore()
		latency := float64(n.Latency) / float64(500*time.Millisecond)
		geo := haversineKm(client.Latitude, client.Longitude, n.Latitude, n.Longitude) / 20000
		return lw*load + tw*latency + gw*geo
	})
}

func argmin(c []Node, score func(Node) float64) (Node, bool) {
	if len(c) == 0 {
		return Node{}, false
	}
	best := c[0]
	bestScore := score(best)
	for _, n := range c[1:] {
		if s := score(n); s < bestScore {
			best, bestScore = n, s
		}
	}
	return best, true
}

const earthRadiusKm = 6371.0

// haversineKm is the great-circle distance between two lat/long pairs.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func newSelector(s Strategy, cfg BalancerConfig) selector {
	switch s {
	case LeastConnections:
		return leastConnectionsSel{}
	case WeightedRoundRobin:
		return &weightedRoundRobinSel{}
	case Geographic:
		return geographicSel{}
	case LeastResponseTime:
		return leastResponseTimeSel{}
	case ResourceBased:
		return resourceBasedSel{}
	case Intelligent:
		return intelligentSel{
			loadWeight:    cfg.IntelligentLoadWeight,
			latencyWeight: cfg.IntelligentLatencyWeight,
			geoWeight:     cfg.IntelligentGeoWeight,
		}
	default:
		return &roundRobinSel{}
	}
}
