// Package proxy accepts PostgreSQL wire-protocol client connections and
// drives each one through internal/engine (or internal/admin, for
// connections naming the admin database), the frontend half of the
// sharding proxy. Backend connection management, routing, and
// multi-shard merging all live upstream in internal/engine/internal/
// cluster; this package's job is the client-facing handshake, session
// bookkeeping, and the accept loop.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/shardgate/shardgate/internal/admin"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/config"
	"github.com/shardgate/shardgate/internal/engine"
	"github.com/shardgate/shardgate/internal/health"
	"github.com/shardgate/shardgate/internal/metrics"
	"github.com/shardgate/shardgate/internal/statsregistry"
)

// Server is the frontend PostgreSQL listener.
type Server struct {
	cluster     *cluster.Cluster
	engine      *engine.Engine
	admin       *admin.Handler
	healthCheck *health.Checker
	metrics     *metrics.Collector
	clients     *statsregistry.Registry
	servers     *statsregistry.Registry
	tlsConfig   *tls.Config
	adminDBName string

	pgListener    net.Listener
	adminListener net.Listener
	pgPort        int
	adminPort     int

	sessions sync.Map // uint32 backend PID -> *sessionHandle

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// sessionHandle is what a CancelRequest looks up: the synthetic secret
// the client was handed, and the live session whose pinned connections
// it should interrupt.
type sessionHandle struct {
	secret  uint32
	session *engine.Session
}

// NewServer creates a frontend server wired to eng for query traffic and
// adm for admin-database connections.
func NewServer(cl *cluster.Cluster, eng *engine.Engine, adm *admin.Handler, hc *health.Checker, m *metrics.Collector, clients, servers *statsregistry.Registry, lc config.ListenConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cluster:     cl,
		engine:      eng,
		admin:       adm,
		healthCheck: hc,
		metrics:     m,
		clients:     clients,
		servers:     servers,
		adminDBName: lc.AdminDBName,
		pgPort:      lc.PostgresPort,
		adminPort:   lc.AdminPort,
		ctx:         ctx,
		cancel:      cancel,
	}

	if lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			slog.Warn("failed to load TLS cert/key, TLS disabled", "err", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			slog.Info("TLS enabled", "cert", lc.TLSCert)
		}
	}

	return s
}

// Listen starts accepting PostgreSQL connections. A second listener is
// opened for the admin port only when it differs from the main port —
// by default they're the same socket, and admin connections are
// distinguished by database name instead (see ListenConfig.AdminDBName).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.pgPort))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.pgPort, err)
	}
	s.pgListener = ln
	slog.Info("postgres proxy listening", "addr", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	if s.adminPort != 0 && s.adminPort != s.pgPort {
		aln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.adminPort))
		if err != nil {
			return fmt.Errorf("listening on admin port %d: %w", s.adminPort, err)
		}
		s.adminListener = aln
		slog.Info("admin console listening", "addr", aln.Addr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(aln)
		}()
	}

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop gracefully shuts down the server, closing listeners and waiting
// for in-flight connection handlers to return.
func (s *Server) Stop() {
	s.cancel()

	if s.pgListener != nil {
		s.pgListener.Close()
	}
	if s.adminListener != nil {
		s.adminListener.Close()
	}

	s.wg.Wait()
	slog.Info("proxy server stopped")
}
