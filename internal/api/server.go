package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/health"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/pool"
)

// Server is the REST API and metrics server: a read/operational surface
// over the same cluster/pool state the admin console manipulates with
// its SQL-shaped command grammar (SHOW/BAN/UNBAN/drain), for operators
// who'd rather curl an endpoint than open a wire-protocol connection.
type Server struct {
	cluster     *cluster.Cluster
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(cl *cluster.Cluster, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		cluster:     cl,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/shards", s.listShards).Methods("GET")
	r.HandleFunc("/shards/{id}", s.getShard).Methods("GET")
	r.HandleFunc("/shards/{id}/stats", s.shardStats).Methods("GET")
	r.HandleFunc("/shards/{id}/drain", s.drainShard).Methods("POST")
	r.HandleFunc("/shards/{id}/ban", s.banPool).Methods("POST")
	r.HandleFunc("/shards/{id}/unban", s.unbanPool).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	// Admin dashboard (must be registered last — catch-all for "/" and "/dashboard")
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%d", s.listenCfg.APIBind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      requestLogger(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// requestLogger tags every request with a fresh correlation ID so a
// single operator action can be traced across the REST call and
// whatever admin-console or pool log lines it triggers downstream.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s request_id=%s duration=%s", r.Method, r.URL.Path, reqID, time.Since(start))
	})
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Shard handlers ---

type poolSummary struct {
	Role  string     `json:"role"`
	Stats pool.Stats `json:"stats"`
}

type shardResponse struct {
	Index  int                 `json:"index"`
	Pools  []poolSummary       `json:"pools"`
	Health *health.ShardHealth `json:"health,omitempty"`
}

func (s *Server) resolveShard(w http.ResponseWriter, r *http.Request) (*cluster.Shard, bool) {
	idStr := mux.Vars(r)["id"]
	idx, err := strconv.Atoi(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "shard id must be an integer index")
		return nil, false
	}
	shard, err := s.cluster.Shard(idx)
	if err != nil {
		writeError(w, http.StatusNotFound, "shard not found")
		return nil, false
	}
	return shard, true
}

func (s *Server) shardResponse(shard *cluster.Shard) shardResponse {
	pools := shard.AllPools()
	summaries := make([]poolSummary, len(pools))
	for i, p := range pools {
		role := "replica"
		if p == shard.Primary() {
			role = "primary"
		}
		summaries[i] = poolSummary{Role: role, Stats: p.Stats()}
	}
	resp := shardResponse{Index: shard.Index, Pools: summaries}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(shard.Index)
		resp.Health = &h
	}
	return resp
}

func (s *Server) listShards(w http.ResponseWriter, r *http.Request) {
	var result []shardResponse
	for _, shard := range s.cluster.AllShards() {
		result = append(result, s.shardResponse(shard))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getShard(w http.ResponseWriter, r *http.Request) {
	shard, ok := s.resolveShard(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.shardResponse(shard))
}

func (s *Server) shardStats(w http.ResponseWriter, r *http.Request) {
	shard, ok := s.resolveShard(w, r)
	if !ok {
		return
	}
	pools := shard.AllPools()
	stats := make([]pool.Stats, len(pools))
	for i, p := range pools {
		stats[i] = p.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) drainShard(w http.ResponseWriter, r *http.Request) {
	shard, ok := s.resolveShard(w, r)
	if !ok {
		return
	}
	for _, p := range shard.AllPools() {
		p.Drain(10 * time.Second)
	}
	log.Printf("[api] shard %d drained", shard.Index)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "drained", "shard": shard.Index})
}

type banRequest struct {
	Addr            string `json:"addr"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

func (s *Server) banPool(w http.ResponseWriter, r *http.Request) {
	shard, ok := s.resolveShard(w, r)
	if !ok {
		return
	}
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	target := findPool(shard, req.Addr)
	if target == nil {
		writeError(w, http.StatusNotFound, "no pool with that address on this shard")
		return
	}
	duration := time.Hour
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}
	target.Ban(pool.ManualBan, duration)
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned", "addr": req.Addr})
}

func (s *Server) unbanPool(w http.ResponseWriter, r *http.Request) {
	shard, ok := s.resolveShard(w, r)
	if !ok {
		return
	}
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	target := findPool(shard, req.Addr)
	if target == nil {
		writeError(w, http.StatusNotFound, "no pool with that address on this shard")
		return
	}
	target.Unban(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned", "addr": req.Addr})
}

func findPool(shard *cluster.Shard, addr string) *pool.Pool {
	for _, p := range shard.AllPools() {
		if p.Addr() == addr {
			return p
		}
	}
	return nil
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status": boolToStatus(allHealthy),
		"shards": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	shards := s.cluster.AllShards()
	if len(shards) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, shard := range shards {
		if s.healthCheck.IsHealthy(shard.Index) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & config handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_shards":     s.cluster.NumShards(),
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"admin_port":    s.listenCfg.AdminPort,
			"api_port":      s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"postgres_port": s.listenCfg.PostgresPort,
			"admin_port":    s.listenCfg.AdminPort,
			"api_port":      s.listenCfg.APIPort,
		},
		"num_shards": s.cluster.NumShards(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
