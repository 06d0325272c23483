package proxy

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shardgate/shardgate/internal/engine"
	"github.com/shardgate/shardgate/internal/statsregistry"
	"github.com/shardgate/shardgate/internal/wire"
)

const maxSSLNegotiationAttempts = 3

// serverParams are the ParameterStatus values sent to every client after
// the synthetic AuthenticationOk — enough for libpq and most drivers to
// stop asking questions, without mirroring a single real backend's exact
// settings (the client may be sharded across several).
var serverParams = map[string]string{
	"server_version":              "16.0 (shardgate)",
	"client_encoding":             "UTF8",
	"server_encoding":             "UTF8",
	"standard_conforming_strings": "on",
	"integer_datetimes":           "on",
	"DateStyle":                   "ISO, MDY",
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	startup, conn, err := s.negotiateStartup(conn)
	if err != nil {
		slog.Debug("startup negotiation failed", "err", err)
		return
	}

	if startup.IsCancelRequest {
		s.handleCancelRequest(startup.BackendPID, startup.BackendSecret)
		return
	}

	s.serveSession(conn, startup.Params)
}

// negotiateStartup reads the client's opening frame, handling any number
// of SSLRequest/GSSENCRequest probes (each answered with a single byte,
// upgrading the connection to TLS if accepted) before the real startup
// message arrives. TLS handshake details and client certificate
// verification are the caller-supplied tls.Config's concern, not this
// package's.
func (s *Server) negotiateStartup(conn net.Conn) (wire.StartupMessage, net.Conn, error) {
	for attempt := 0; attempt <= maxSSLNegotiationAttempts; attempt++ {
		msg, err := wire.ReadStartupMessage(conn)
		if err != nil {
			return wire.StartupMessage{}, conn, err
		}

		if msg.IsGSSENCRequest() {
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return wire.StartupMessage{}, conn, err
			}
			continue
		}

		if msg.IsSSLRequest() {
			if s.tlsConfig != nil {
				if _, err := conn.Write([]byte{'S'}); err != nil {
					return wire.StartupMessage{}, conn, err
				}
				tlsConn := tls.Server(conn, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return wire.StartupMessage{}, conn, fmt.Errorf("TLS handshake: %w", err)
				}
				conn = tlsConn
			} else {
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return wire.StartupMessage{}, conn, err
				}
			}
			continue
		}

		return msg, conn, nil
	}

	return wire.StartupMessage{}, conn, fmt.Errorf("too many SSL/GSSENC negotiation attempts")
}

// serveSession completes the handshake with a synthetic AuthenticationOk
// (client authentication — SASL/SCRAM/password verification — is out of
// scope for this proxy; it trusts whatever authenticated the client at
// the network boundary) and then loops on simple Query and Terminate
// messages until the client disconnects.
func (s *Server) serveSession(conn net.Conn, params map[string]string) {
	pid, secret, err := newBackendKey()
	if err != nil {
		slog.Error("generating backend key", "err", err)
		return
	}

	if err := sendAuthOK(conn, pid, secret); err != nil {
		slog.Debug("sending synthetic auth-ok", "err", err)
		return
	}

	isAdmin := s.adminDBName != "" && params["database"] == s.adminDBName

	entry := &statsregistry.Entry{
		Kind:      statsregistry.KindClient,
		PID:       pid,
		SecretKey: secret,
		User:      params["user"],
		Database:  params["database"],
		Addr:      conn.RemoteAddr().String(),
	}
	if s.clients != nil {
		s.clients.Register(entry)
		defer s.clients.Remove(pid)
	}

	sess := engine.NewSession(params)
	if !isAdmin {
		s.sessions.Store(pid, &sessionHandle{secret: secret, session: sess})
		defer s.sessions.Delete(pid)
		defer sess.ReleaseAll()
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}

		switch msg.Tag {
		case wire.Terminate:
			return

		case wire.Query:
			sql := trimNulTerminator(msg.Body)
			entry.IncrQueries()

			start := time.Now()
			var execErr error
			if isAdmin {
				execErr = s.runAdmin(conn, sql)
			} else {
				execErr = s.engine.HandleQuery(s.ctx, sess, sql, conn)
			}
			if s.metrics != nil {
				s.metrics.QueryDuration("client", "postgres", time.Since(start))
			}
			if execErr != nil {
				slog.Debug("query handling failed, closing connection", "err", execErr)
				return
			}

		default:
			// Extended query protocol (Parse/Bind/Describe/Execute/Sync) and
			// COPY subprotocol messages arriving outside a CmdCopy flow are not
			// handled by this frontend loop; the engine only drives the simple
			// query protocol today.
			if err := wire.WriteMessage(conn, wire.BuildErrorResponse(
				"ERROR", "0A000", "unsupported frontend message outside the simple query protocol")); err != nil {
				return
			}
		}
	}
}

// runAdmin executes one admin statement and writes its results plus the
// trailing ReadyForQuery — the engine does the same for ordinary
// queries, but admin.Handler.Execute only returns the result rows and
// leaves status-byte bookkeeping to its caller, since it has no Session.
func (s *Server) runAdmin(conn net.Conn, sql string) error {
	msgs := s.admin.Execute(s.ctx, sql)
	if err := wire.WriteMany(conn, msgs); err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.BuildReadyForQuery(wire.TxIdle))
}

// handleCancelRequest looks up the session the client's synthetic backend
// key names and issues a sideband CancelRequest to every backend
// connection it currently holds pinned. The secret must match, same as a
// real backend verifies against its own BackendKeyData.
func (s *Server) handleCancelRequest(pid, secret uint32) {
	v, ok := s.sessions.Load(pid)
	if !ok {
		return
	}
	handle := v.(*sessionHandle)
	if handle.secret != secret {
		return
	}

	for _, shardIdx := range handle.session.PinnedShards() {
		g, ok := handle.session.Pinned(shardIdx)
		if !ok {
			continue
		}
		shard, err := s.cluster.Shard(shardIdx)
		if err != nil {
			continue
		}
		conn := g.Conn()
		for _, p := range shard.AllPools() {
			if p.Addr() != conn.Addr() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := p.Cancel(ctx, conn.BackendPID, conn.BackendKey); err != nil {
				slog.Debug("cancel request to backend failed", "shard", shardIdx, "err", err)
			}
			cancel()
		}
	}
}

func sendAuthOK(conn net.Conn, pid, secret uint32) error {
	ok := make([]byte, 4)
	binary.BigEndian.PutUint32(ok, 0)
	if err := wire.WriteMessage(conn, wire.Message{Tag: wire.Authentication, Body: ok}); err != nil {
		return err
	}

	for k, v := range serverParams {
		body := append([]byte(k), 0)
		body = append(body, v...)
		body = append(body, 0)
		if err := wire.WriteMessage(conn, wire.Message{Tag: wire.ParameterStatus, Body: body}); err != nil {
			return err
		}
	}

	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], pid)
	binary.BigEndian.PutUint32(bkd[4:], secret)
	if err := wire.WriteMessage(conn, wire.Message{Tag: wire.BackendKeyData, Body: bkd}); err != nil {
		return err
	}

	return wire.WriteMessage(conn, wire.BuildReadyForQuery(wire.TxIdle))
}

func newBackendKey() (pid, secret uint32, err error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, err
	}
	pid = binary.BigEndian.Uint32(buf[:4])
	secret = binary.BigEndian.Uint32(buf[4:])
	return pid, secret, nil
}

func trimNulTerminator(body []byte) string {
	if n := len(body); n > 0 && body[n-1] == 0 {
		body = body[:n-1]
	}
	return string(body)
}
