package pool

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/shardgate/shardgate/internal/backend"
)

// startMockBackend listens on 127.0.0.1:0 and, for every accepted
// connection, completes a trivial AuthenticationOk handshake and then
// answers any simple Query with CommandComplete+ReadyForQuery, exercising
// the pool against an in-process fake backend rather than a live
// PostgreSQL server.
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

func testConfig() Config {
	return Config{
		Min:             0,
		Max:             2,
		CheckoutTimeout: 200 * time.Millisecond,
		BanTimeout:      time.Second,
		RollbackTimeout: time.Second,
		IdleTimeout:     time.Minute,
		MaxLifetime:     time.Hour,
		DiscardAll:      true,
	}
}

func TestPoolGetAndRelease(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	p := New(addr, backend.Credentials{User: "u", Password: "", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, testConfig(), nil, nil)
	defer p.Close()

	g, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if g.Conn() == nil {
		t.Fatal("expected non-nil connection")
	}

	stats := p.Stats()
	if stats.Active != 1 || stats.Total != 1 {
		t.Fatalf("expected active=1 total=1, got %+v", stats)
	}

	g.Release()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Idle == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats = p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("expected connection to return to idle, got %+v", stats)
	}
}

func TestPoolCheckoutTimeoutWhenExhausted(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	cfg := testConfig()
	cfg.Max = 1
	p := New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, cfg, nil, nil)
	defer p.Close()

	g1, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	defer g1.Release()

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected checkout timeout when pool exhausted")
	}
}

func TestPoolBanCAS(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	p := New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, testConfig(), nil, nil)
	defer p.Close()

	if !p.Ban(AutoBan, time.Minute) {
		t.Fatal("expected first Ban call to win CAS")
	}
	if p.Ban(AutoBan, time.Minute) {
		t.Fatal("expected second Ban call to lose CAS")
	}
	if !p.Banned() {
		t.Fatal("expected pool to report banned")
	}

	if _, err := p.Get(context.Background()); err == nil {
		t.Fatal("expected Get to fail on a banned pool")
	}

	if !p.Unban(true) {
		t.Fatal("expected manual unban to succeed")
	}
	if p.Banned() {
		t.Fatal("expected pool to be unbanned")
	}
}

func TestPoolManualBanSurvivesNonManualUnban(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	p := New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, testConfig(), nil, nil)
	defer p.Close()

	p.Ban(ManualBan, time.Minute)
	if p.Unban(false) {
		t.Fatal("non-manual unban must not clear a ManualBan")
	}
	if !p.Banned() {
		t.Fatal("expected pool to remain banned")
	}
}

func TestPoolUnbanIfExpired(t *testing.T) {
	addr, stop := startMockBackend(t)
	defer stop()

	p := New(addr, backend.Credentials{User: "u", Database: "d"}, backend.DialOptions{DialTimeout: time.Second}, testConfig(), nil, nil)
	defer p.Close()

	p.Ban(AutoBan, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if !p.UnbanIfExpired(time.Now()) {
		t.Fatal("expected expired auto-ban to clear")
	}
	if p.Banned() {
		t.Fatal("expected pool to be unbanned after expiry sweep")
	}
}
