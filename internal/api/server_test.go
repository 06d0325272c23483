package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/health"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
)

func newTestServer() (*Server, *mux.Router) {
	poolCfg := pool.Config{Min: 0, Max: 5, CheckoutTimeout: time.Second, IdleTimeout: time.Minute, MaxLifetime: time.Hour}
	creds := backend.Credentials{User: "u", Password: "p", Database: "d"}
	dialOpts := backend.DialOptions{DialTimeout: time.Second}
	bal := lb.New(lb.Random, lb.ExcludePrimary, time.Second)

	p := pool.New("127.0.0.1:1", creds, dialOpts, poolCfg, nil, nil)
	shard := cluster.NewShard(0, p, nil, bal)
	cl := cluster.New(router.ShardingSchema{Shards: 1}, []*cluster.Shard{shard})

	hc := health.NewChecker(cl, nil, time.Minute, 3, time.Second)
	s := NewServer(cl, hc, nil, config.ListenConfig{APIBind: "127.0.0.1", APIPort: 8080})

	mr := mux.NewRouter()
	mr.HandleFunc("/shards", s.listShards).Methods("GET")
	mr.HandleFunc("/shards/{id}", s.getShard).Methods("GET")
	mr.HandleFunc("/shards/{id}/stats", s.shardStats).Methods("GET")
	mr.HandleFunc("/shards/{id}/drain", s.drainShard).Methods("POST")
	mr.HandleFunc("/shards/{id}/ban", s.banPool).Methods("POST")
	mr.HandleFunc("/shards/{id}/unban", s.unbanPool).Methods("POST")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/config", s.configHandler).Methods("GET")

	return s, mr
}

func doRequest(mr *mux.Router, method, path string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)
	return rr
}

func TestListShards(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/shards", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result []shardResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(result))
	}
	if result[0].Index != 0 {
		t.Errorf("expected shard index 0, got %d", result[0].Index)
	}
	if len(result[0].Pools) != 1 || result[0].Pools[0].Role != "primary" {
		t.Errorf("expected one primary pool, got %+v", result[0].Pools)
	}
}

func TestGetShardNotFound(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/shards/5", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestGetShardBadID(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/shards/not-a-number", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestShardStats(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/shards/0/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats []pool.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 pool stat, got %d", len(stats))
	}
}

func TestBanAndUnbanPool(t *testing.T) {
	_, mr := newTestServer()

	body, _ := json.Marshal(banRequest{Addr: "127.0.0.1:1", DurationSeconds: 30})
	rr := doRequest(mr, "POST", "/shards/0/ban", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 banning, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(mr, "POST", "/shards/0/unban", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 unbanning, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestBanUnknownAddr(t *testing.T) {
	_, mr := newTestServer()

	body, _ := json.Marshal(banRequest{Addr: "nowhere:1"})
	rr := doRequest(mr, "POST", "/shards/0/ban", body)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestHealthAndReadyHandlers(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 (unknown shard treated as healthy), got %d", rr.Code)
	}

	rr = doRequest(mr, "GET", "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestStatusAndConfigHandlers(t *testing.T) {
	_, mr := newTestServer()

	rr := doRequest(mr, "GET", "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if int(status["num_shards"].(float64)) != 1 {
		t.Errorf("expected num_shards 1, got %v", status["num_shards"])
	}

	rr = doRequest(mr, "GET", "/config", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
