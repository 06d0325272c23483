// Package backend implements a single authenticated backend server
// connection: wire-level send/receive, prepared-statement bookkeeping,
// and transaction/copy state tracking.
package backend

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shardgate/shardgate/internal/wire"
)

// TxState is the backend connection's transaction state.
type TxState int

const (
	TxIdle TxState = iota
	TxInTransaction
	TxError
	TxCopyMode
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInTransaction:
		return "in_transaction"
	case TxError:
		return "tx_error"
	case TxCopyMode:
		return "copy_mode"
	default:
		return "unknown"
	}
}

// Connection is one authenticated socket to a PostgreSQL backend. It is
// owned exclusively by whichever Guard currently holds it (see
// internal/pool.Guard); nothing about Connection itself is safe for
// concurrent use from two goroutines at once.
type Connection struct {
	conn net.Conn
	fr   *wire.FrameReader
	addr string

	Params     map[string]string
	BackendPID uint32
	BackendKey uint32

	Prepared *StatementCache

	TxStateVal    TxState
	InSync        bool
	Dirty         bool
	SchemaChanged bool

	lastSentTag     byte
	lastReceivedTag byte

	createdAt time.Time
	lastUsed  time.Time
}

// New wraps an already-connected, not-yet-authenticated net.Conn.
func New(conn net.Conn, addr string) *Connection {
	now := time.Now()
	return &Connection{
		conn:      conn,
		fr:        wire.NewFrameReader(conn),
		addr:      addr,
		Params:    make(map[string]string),
		Prepared:  NewStatementCache(256),
		TxStateVal: TxIdle,
		InSync:    true,
		createdAt: now,
		lastUsed:  now,
	}
}

// Addr returns the backend's dial address (host:port).
func (c *Connection) Addr() string { return c.addr }

// Conn returns the underlying net.Conn, for callers (pool health probes,
// CancelRequest dialers) that need raw socket access.
func (c *Connection) Conn() net.Conn { return c.conn }

// CreatedAt and LastUsed support pool idle/lifetime reaping.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }
func (c *Connection) LastUsed() time.Time  { return c.lastUsed }
func (c *Connection) touch()               { c.lastUsed = time.Now() }

// Send forwards a single frontend message to the backend, updating
// last-sent bookkeeping and the in-sync flag (a Sync message always
// leaves the backend "will eventually become in sync").
func (c *Connection) Send(msg wire.Message) error {
	c.lastSentTag = msg.Tag
	c.touch()
	if msg.Tag != wire.Sync {
		c.InSync = false
	}
	return wire.WriteMessage(c.conn, msg)
}

// SendMany forwards a batch of frontend messages.
func (c *Connection) SendMany(msgs []wire.Message) error {
	for _, m := range msgs {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

// Read reads the next backend message, updating transaction/copy/param
// state as a side effect.
func (c *Connection) Read() (wire.Message, error) {
	msg, err := c.fr.ReadMessage()
	if err != nil {
		return msg, err
	}
	c.touch()
	c.lastReceivedTag = msg.Tag
	c.observe(msg)
	return msg, nil
}

// observe updates connection state from an incoming backend message.
func (c *Connection) observe(msg wire.Message) {
	switch msg.Tag {
	case wire.ReadyForQuery:
		if len(msg.Body) > 0 {
			switch msg.Body[0] {
			case wire.TxIdle:
				c.TxStateVal = TxIdle
			case wire.TxBlock:
				c.TxStateVal = TxInTransaction
			case wire.TxError:
				c.TxStateVal = TxError
			}
		}
		c.InSync = true

	case wire.ErrorResponse:
		if c.TxStateVal == TxInTransaction {
			c.TxStateVal = TxError
		}

	case wire.CopyInResponse, wire.CopyOutResponse, wire.CopyBothResponse:
		c.TxStateVal = TxCopyMode

	case wire.ParameterStatus:
		key, val := parseKV(msg.Body)
		if key == "" {
			return
		}
		if old, ok := c.Params[key]; ok && old != val && isSchemaParam(key) {
			c.SchemaChanged = true
		}
		c.Params[key] = val

	case wire.BackendKeyData:
		if len(msg.Body) >= 8 {
			c.BackendPID = beU32(msg.Body[0:4])
			c.BackendKey = beU32(msg.Body[4:8])
		}
	}
}

func isSchemaParam(key string) bool {
	switch key {
	case "search_path", "default_transaction_isolation", "application_name", "DateStyle", "TimeZone":
		return true
	default:
		return false
	}
}

// Execute issues a simple-query Query('Q') message and drains all
// responses up to and including ReadyForQuery, returning them in order.
// It is used for internally-issued SQL (ROLLBACK, DISCARD ALL, health
// probes) rather than for client-driven traffic, which flows through
// Send/Read directly so the caller can interleave with other shards.
func (c *Connection) Execute(sql string) ([]wire.Message, error) {
	payload := append([]byte(sql), 0)
	if err := c.Send(wire.Message{Tag: wire.Query, Body: payload}); err != nil {
		return nil, fmt.Errorf("sending query %q: %w", sql, err)
	}

	var out []wire.Message
	for {
		msg, err := c.Read()
		if err != nil {
			return out, fmt.Errorf("reading response to %q: %w", sql, err)
		}
		out = append(out, msg)
		if msg.Tag == wire.ReadyForQuery {
			return out, nil
		}
	}
}

// Rollback issues ROLLBACK and drains to ReadyForQuery.
func (c *Connection) Rollback() error {
	_, err := c.Execute("ROLLBACK")
	return err
}

// CloseMany issues a Close('C') message for each named prepared statement,
// follows them with a single Sync, and drains the CloseComplete responses
// through the resulting ReadyForQuery.
func (c *Connection) CloseMany(names []string) error {
	for _, name := range names {
		body := append([]byte{'S'}, append([]byte(name), 0)...)
		if err := c.Send(wire.Message{Tag: wire.Close, Body: body}); err != nil {
			return fmt.Errorf("sending close for %q: %w", name, err)
		}
		c.Prepared.Remove(name)
	}
	if err := c.Send(wire.Message{Tag: wire.Sync}); err != nil {
		return err
	}
	for range names {
		if _, err := c.Read(); err != nil {
			return err
		}
	}
	// Drain the ReadyForQuery from Sync.
	for {
		msg, err := c.Read()
		if err != nil {
			return err
		}
		if msg.Tag == wire.ReadyForQuery {
			return nil
		}
	}
}

// SyncPreparedStatements reconciles this connection's cached statement
// names against globalNames, CLOSE-ing anything stale.
func (c *Connection) SyncPreparedStatements(globalNames map[string]bool) error {
	var stale []string
	for name := range c.Prepared.Snapshot() {
		if !globalNames[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return c.CloseMany(stale)
}

// Drain reads and discards messages until a terminal message (ReadyForQuery)
// is observed — used to resynchronize after an error or abandoned CopyMode.
func (c *Connection) Drain() error {
	for {
		msg, err := c.Read()
		if err != nil {
			return err
		}
		if msg.Tag == wire.ReadyForQuery {
			return nil
		}
	}
}

// LinkClient adopts the startup parameters a client negotiated (used when
// synthesizing a transaction-mode session's initial ParameterStatus burst).
func (c *Connection) LinkClient(params map[string]string) {
	for k, v := range params {
		c.Params[k] = v
	}
}

// Close closes the underlying socket unconditionally.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// LogState emits the connection's current protocol state at debug level.
func (c *Connection) LogState(logger *slog.Logger) {
	logger.Debug("backend connection state", "addr", c.addr, "tx", c.TxStateVal.String(),
		"in_sync", c.InSync, "dirty", c.Dirty, "schema_changed", c.SchemaChanged)
}

func parseKV(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
