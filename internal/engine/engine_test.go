package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/lb"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// startMockBackend listens on 127.0.0.1:0 and, for every accepted
// connection, completes a trivial AuthenticationOk handshake and then
// answers any simple Query with CommandComplete+ReadyForQuery — mirrors
// internal/pool's own test backend, since the engine only needs the wire
// shape, not real query semantics, to exercise its routing/merge paths.
func startMockBackend(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveMockBackend(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveMockBackend(conn net.Conn) {
	defer conn.Close()

	lenBuf := make([]byte, 4)
	if _, err := conn.Read(lenBuf); err != nil {
		return
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf))
	body := make([]byte, msgLen-4)
	conn.Read(body)

	writeMockMsg(conn, 'R', uint32BE(0))
	writeMockMsg(conn, 'S', kvPair("server_version", "16.0"))
	bkd := make([]byte, 8)
	binary.BigEndian.PutUint32(bkd[:4], 4242)
	binary.BigEndian.PutUint32(bkd[4:], 1234)
	writeMockMsg(conn, 'K', bkd)
	writeMockMsg(conn, 'Z', []byte{'I'})

	typeBuf := make([]byte, 1)
	for {
		if _, err := conn.Read(typeBuf); err != nil {
			return
		}
		if typeBuf[0] != 'Q' {
			return
		}
		if _, err := conn.Read(lenBuf); err != nil {
			return
		}
		qLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
		q := make([]byte, qLen)
		conn.Read(q)

		writeMockMsg(conn, 'C', append([]byte("SELECT 1"), 0))
		writeMockMsg(conn, 'Z', []byte{'I'})
	}
}

func writeMockMsg(conn net.Conn, tag byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	conn.Write(buf)
}

func uint32BE(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func kvPair(k, v string) []byte {
	out := append([]byte(k), 0)
	out = append(out, v...)
	out = append(out, 0)
	return out
}

func testPoolConfig() pool.Config {
	return pool.Config{
		Min:             0,
		Max:             2,
		CheckoutTimeout: time.Second,
		BanTimeout:      time.Second,
		RollbackTimeout: time.Second,
		IdleTimeout:     time.Minute,
		MaxLifetime:     time.Hour,
		DiscardAll:      true,
	}
}

// testEngine builds an Engine over numShards single-pool shards, each
// backed by its own mock backend listener.
func testEngine(t *testing.T, numShards int, schema router.ShardingSchema, rcfg router.Config, ecfg Config) (*Engine, func()) {
	t.Helper()
	var stops []func()
	shards := make([]*cluster.Shard, numShards)
	for i := 0; i < numShards; i++ {
		addr, stop := startMockBackend(t)
		stops = append(stops, stop)
		p := pool.New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, testPoolConfig(), nil, nil)
		stops = append(stops, p.Close)
		balancer := lb.New(lb.Random, lb.ExcludePrimary, time.Second)
		shards[i] = cluster.NewShard(i, p, nil, balancer)
	}
	cl := cluster.New(schema, shards)
	rt := router.New(schema, rcfg)
	eng := New(cl, rt, ecfg)
	cleanup := func() {
		for _, s := range stops {
			s()
		}
	}
	return eng, cleanup
}

// readAll decodes every wire message buffered in buf.
func readAll(t *testing.T, buf *bytes.Buffer) []wire.Message {
	t.Helper()
	var out []wire.Message
	for buf.Len() > 0 {
		msg, err := wire.ReadMessage(buf)
		if err != nil {
			t.Fatalf("reading message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func lastTag(msgs []wire.Message) byte {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Tag
}

func readyStatus(t *testing.T, msgs []wire.Message) byte {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Tag == wire.ReadyForQuery {
			if len(msgs[i].Body) != 1 {
				t.Fatalf("malformed ReadyForQuery body: %v", msgs[i].Body)
			}
			return msgs[i].Body[0]
		}
	}
	t.Fatal("no ReadyForQuery message found")
	return 0
}

func TestBeginCommitLifecycle(t *testing.T) {
	eng, stop := testEngine(t, 1, router.ShardingSchema{Shards: 1}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	if err := eng.HandleQuery(ctx, sess, "BEGIN", client); err != nil {
		t.Fatalf("BEGIN failed: %v", err)
	}
	msgs := readAll(t, client)
	if readyStatus(t, msgs) != wire.TxBlock {
		t.Fatalf("expected TxBlock status after BEGIN, got %q", readyStatus(t, msgs))
	}
	if sess.State != StateInTransaction {
		t.Fatalf("expected session in transaction, got %v", sess.State)
	}

	if err := eng.HandleQuery(ctx, sess, "SELECT 1", client); err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	msgs = readAll(t, client)
	if len(sess.PinnedShards()) != 1 {
		t.Fatalf("expected shard 0 pinned after first statement in transaction, got %v", sess.PinnedShards())
	}
	if readyStatus(t, msgs) != wire.TxBlock {
		t.Fatalf("expected TxBlock status after SELECT, got %q", readyStatus(t, msgs))
	}

	if err := eng.HandleQuery(ctx, sess, "COMMIT", client); err != nil {
		t.Fatalf("COMMIT failed: %v", err)
	}
	msgs = readAll(t, client)
	if readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("expected TxIdle status after COMMIT, got %q", readyStatus(t, msgs))
	}
	if sess.State != StateIdle {
		t.Fatalf("expected idle session after COMMIT, got %v", sess.State)
	}
	if len(sess.PinnedShards()) != 0 {
		t.Fatalf("expected no pins after COMMIT, got %v", sess.PinnedShards())
	}
}

func TestRollbackReleasesTransactionState(t *testing.T) {
	eng, stop := testEngine(t, 1, router.ShardingSchema{Shards: 1}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	eng.HandleQuery(ctx, sess, "BEGIN", client)
	readAll(t, client)
	eng.HandleQuery(ctx, sess, "SELECT 1", client)
	readAll(t, client)

	if err := eng.HandleQuery(ctx, sess, "ROLLBACK", client); err != nil {
		t.Fatalf("ROLLBACK failed: %v", err)
	}
	msgs := readAll(t, client)
	if readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("expected TxIdle status after ROLLBACK, got %q", readyStatus(t, msgs))
	}
	if sess.State != StateIdle || len(sess.PinnedShards()) != 0 {
		t.Fatalf("expected idle, unpinned session after ROLLBACK, got state=%v pins=%v", sess.State, sess.PinnedShards())
	}
}

func TestSetSearchPathUpdatesSession(t *testing.T) {
	eng, stop := testEngine(t, 1, router.ShardingSchema{Shards: 1}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	if err := eng.HandleQuery(ctx, sess, "SET search_path = 'tenant_a'", client); err != nil {
		t.Fatalf("SET failed: %v", err)
	}
	if sess.SearchPath != "tenant_a" {
		t.Fatalf("expected search_path updated to tenant_a, got %q", sess.SearchPath)
	}
	msgs := readAll(t, client)
	if lastTag(msgs) != wire.ReadyForQuery {
		t.Fatalf("expected ReadyForQuery last, got %q", lastTag(msgs))
	}
}

func TestShowSearchPathIsLocal(t *testing.T) {
	eng, stop := testEngine(t, 1, router.ShardingSchema{Shards: 1}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	sess.SearchPath = "tenant_b"
	client := &bytes.Buffer{}

	if err := eng.HandleQuery(ctx, sess, "SHOW search_path", client); err != nil {
		t.Fatalf("SHOW failed: %v", err)
	}
	msgs := readAll(t, client)
	if msgs[0].Tag != wire.RowDescription {
		t.Fatalf("expected RowDescription first, got %q", msgs[0].Tag)
	}
	found := false
	for _, m := range msgs {
		if m.Tag == wire.DataRow {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a DataRow with the current search_path")
	}
}

func TestListenPinsShardForSubsequentNotify(t *testing.T) {
	eng, stop := testEngine(t, 2, router.ShardingSchema{Shards: 2}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	if err := eng.HandleQuery(ctx, sess, "LISTEN foo", client); err != nil {
		t.Fatalf("LISTEN failed: %v", err)
	}
	readAll(t, client)
	if !sess.hasListenPin || sess.listenPin != 0 {
		t.Fatalf("expected session pinned to shard 0 after LISTEN, got pin=%d has=%v", sess.listenPin, sess.hasListenPin)
	}

	if err := eng.HandleQuery(ctx, sess, "NOTIFY foo", client); err != nil {
		t.Fatalf("NOTIFY failed: %v", err)
	}
	msgs := readAll(t, client)
	if lastTag(msgs) != wire.ReadyForQuery {
		t.Fatalf("expected ReadyForQuery last, got %q", lastTag(msgs))
	}
	if len(sess.PinnedShards()) != 1 {
		t.Fatalf("expected exactly one pinned shard, got %v", sess.PinnedShards())
	}
}

func TestTwoPhaseCommitAcrossShards(t *testing.T) {
	eng, stop := testEngine(t, 2, router.ShardingSchema{Shards: 2}, router.Config{}, Config{TwoPhaseCommit: true})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	eng.HandleQuery(ctx, sess, "BEGIN", client)
	readAll(t, client)

	// An unsharded table broadcasts to every shard, pinning both.
	if err := eng.HandleQuery(ctx, sess, "SELECT 1 FROM accounts", client); err != nil {
		t.Fatalf("broadcast SELECT failed: %v", err)
	}
	readAll(t, client)
	if len(sess.PinnedShards()) != 2 {
		t.Fatalf("expected both shards pinned, got %v", sess.PinnedShards())
	}

	if err := eng.HandleQuery(ctx, sess, "COMMIT", client); err != nil {
		t.Fatalf("two-phase COMMIT failed: %v", err)
	}
	msgs := readAll(t, client)
	if readyStatus(t, msgs) != wire.TxIdle {
		t.Fatalf("expected TxIdle after two-phase COMMIT, got %q", readyStatus(t, msgs))
	}
}

func TestDeallocateOutsideTransactionIsLocal(t *testing.T) {
	eng, stop := testEngine(t, 1, router.ShardingSchema{Shards: 1}, router.Config{}, Config{})
	defer stop()
	ctx := context.Background()
	sess := NewSession(nil)
	client := &bytes.Buffer{}

	if err := eng.HandleQuery(ctx, sess, "DEALLOCATE foo", client); err != nil {
		t.Fatalf("DEALLOCATE failed: %v", err)
	}
	msgs := readAll(t, client)
	if lastTag(msgs) != wire.ReadyForQuery {
		t.Fatalf("expected ReadyForQuery last, got %q", lastTag(msgs))
	}
	if len(sess.PinnedShards()) != 0 {
		t.Fatalf("expected no backend touched, got pins %v", sess.PinnedShards())
	}
}
