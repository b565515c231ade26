// Command edgebalancer runs the global routing tier: it keeps the node
// table, probes node health, advises the orchestrator on scaling, and
// answers route requests from edge clients over a small HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ironrealm/mmoserver/internal/loadbalancer"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	host := flag.String("host", "0.0.0.0", "bind address")
	port := flag.Int("port", 8400, "listen port")
	strategy := flag.String("strategy", string(loadbalancer.LeastConnections), "routing strategy")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	table := loadbalancer.NewTable()
	cfg := loadbalancer.DefaultBalancerConfig()
	cfg.Strategy = loadbalancer.Strategy(*strategy)
	balancer := loadbalancer.NewBalancer(table, nil, cfg)

	advisor := loadbalancer.NewAdvisor(table, loadbalancer.DefaultAdvisorConfig(), func(ev loadbalancer.ScalingEvent) {
		if ev.Action != loadbalancer.ScaleMaintain {
			slog.Info("scaling event", "region", ev.Region, "action", ev.Action.String(), "load", ev.AverageLoad)
		}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /nodes", func(w http.ResponseWriter, r *http.Request) {
		var n loadbalancer.Node
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.Healthy = true
		n.LastMetricsUpdate = time.Now()
		if n.ID == 0 {
			id, ok := table.RegisterFirstFree(&n)
			if !ok {
				http.Error(w, "no free node id", http.StatusConflict)
				return
			}
			n.ID = id
		} else if !table.Register(&n) {
			http.Error(w, "node id taken", http.StatusConflict)
			return
		}
		writeJSON(w, map[string]int{"id": n.ID})
	})

	mux.HandleFunc("PUT /nodes/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			http.Error(w, "bad node id", http.StatusBadRequest)
			return
		}
		var m struct {
			Connections int           `json:"connections"`
			Users       int           `json:"users"`
			CPU         float64       `json:"cpu"`
			Memory      float64       `json:"memory"`
			LatencyMS   int64         `json:"latency_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !table.UpdateMetrics(id, m.Connections, m.Users, m.CPU, m.Memory,
			time.Duration(m.LatencyMS)*time.Millisecond, time.Now()) {
			http.Error(w, "unknown node", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /route", func(w http.ResponseWriter, r *http.Request) {
		clientID := r.URL.Query().Get("client")
		if clientID == "" {
			http.Error(w, "client query parameter required", http.StatusBadRequest)
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		route, err := balancer.RouteClient(r.Context(), clientID, ip, r.URL.Query().Get("region"))
		switch {
		case errors.Is(err, loadbalancer.ErrNoHealthyServer),
			errors.Is(err, loadbalancer.ErrRegionUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, route)
	})

	addr := fmt.Sprintf("%s:%d", *host, *port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return staleSweep(ctx, table) })
	g.Go(func() error { return advisor.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("edge balancer listening", "addr", addr, "strategy", *strategy)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// staleSweep retires nodes whose pushed metrics have gone stale. Nodes
// report via PUT /nodes/{id}/metrics; ones that stop reporting within
// the staleness window are marked unhealthy until they report again.
func staleSweep(ctx context.Context, table *loadbalancer.Table) error {
	cfg := loadbalancer.DefaultHealthCheckerConfig()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, id := range table.MarkStale(now, cfg.StaleAfter) {
				slog.Warn("node stopped reporting, marked unhealthy", "node", id)
			}
		}
	}
}
