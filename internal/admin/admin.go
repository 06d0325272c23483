// Package admin implements the whitespace-split SQL-shaped admin command
// grammar (SHOW .../RESET QUERY_CACHE/RELOAD/PAUSE/RESUME/BAN/UNBAN/
// PROBE/SHUTDOWN) served over internal/wire on the admin database name —
// a second, wire-protocol-native front end onto the same pool/router
// operations the REST API exposes.
package admin

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/merger"
	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/statsregistry"
	"github.com/shardgate/shardgate/internal/wire"
)

// Handler dispatches parsed admin commands against a live Cluster and
// its stats registries. PAUSE and RESUME only toggle the flag Paused
// reports; nothing outside this package reads it, so a paused proxy
// keeps serving client queries.
type Handler struct {
	Cluster  *cluster.Cluster
	Clients  *statsregistry.Registry
	Servers  *statsregistry.Registry
	Reload   func() error
	Shutdown func()

	paused bool
}

// NewHandler creates a Handler for cl, tracking connections in the given
// registries.
func NewHandler(cl *cluster.Cluster, clients, servers *statsregistry.Registry) *Handler {
	return &Handler{Cluster: cl, Clients: clients, Servers: servers}
}

// Execute parses and runs one admin statement, returning the wire
// messages (RowDescription/DataRow*/CommandComplete, or ErrorResponse)
// to send back — the caller still owns writing ReadyForQuery.
func (h *Handler) Execute(ctx context.Context, sql string) []wire.Message {
	cmd, err := parse(sql)
	if err != nil {
		return []wire.Message{errResponse(err)}
	}
	return h.run(ctx, cmd)
}

// command is a parsed admin statement: name plus whitespace-split
// arguments, lowercased, with any trailing semicolon stripped.
type command struct {
	name string
	args []string
}

func parse(sql string) (command, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) == 0 {
		return command{}, perror.New(perror.CodeSyntaxError, "empty admin command")
	}
	return command{name: fields[0], args: fields[1:]}, nil
}

func (h *Handler) run(ctx context.Context, cmd command) []wire.Message {
	switch cmd.name {
	case "show":
		return h.show(ctx, cmd.args)
	case "reset":
		if len(cmd.args) == 1 && cmd.args[0] == "query_cache" {
			return resultOK("RESET")
		}
		return []wire.Message{errSyntax(cmd)}
	case "reload":
		if h.Reload != nil {
			if err := h.Reload(); err != nil {
				return []wire.Message{errResponse(err)}
			}
		}
		return resultOK("RELOAD")
	case "pause":
		h.paused = true
		return resultOK("PAUSE")
	case "resume":
		h.paused = false
		return resultOK("RESUME")
	case "ban", "unban":
		return h.ban(cmd)
	case "probe":
		return h.probe(ctx, cmd.args)
	case "shutdown":
		if h.Shutdown != nil {
			go h.Shutdown()
		}
		return resultOK("SHUTDOWN")
	default:
		return []wire.Message{errSyntax(cmd)}
	}
}

// Paused reports whether PAUSE has been issued without a matching
// RESUME.
func (h *Handler) Paused() bool { return h.paused }

func (h *Handler) show(ctx context.Context, args []string) []wire.Message {
	if len(args) == 0 {
		return []wire.Message{errResponse(perror.New(perror.CodeSyntaxError, "SHOW requires an argument"))}
	}
	switch args[0] {
	case "clients":
		return h.showRegistry(h.Clients)
	case "servers", "pools":
		return h.showPools()
	case "version":
		return resultRows([]string{"version"}, [][]string{{"shardgate 1.0"}})
	default:
		return []wire.Message{errResponse(perror.New(perror.CodeSyntaxError, "unknown admin show command: "+args[0]))}
	}
}

func (h *Handler) showRegistry(reg *statsregistry.Registry) []wire.Message {
	cols := []string{"pid", "user", "database", "addr", "shard", "connected_at", "queries"}
	var rows [][]string
	if reg != nil {
		for _, s := range reg.Snapshot(statsregistry.KindClient) {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(s.PID), 10), s.User, s.Database, s.Addr,
				strconv.Itoa(s.Shard), s.ConnectedAt.Format(time.RFC3339), strconv.FormatInt(s.Queries, 10),
			})
		}
	}
	return resultRows(cols, rows)
}

func (h *Handler) showPools() []wire.Message {
	cols := []string{"shard", "addr", "active", "idle", "total", "waiting", "banned"}
	var rows [][]string
	for _, shard := range h.Cluster.AllShards() {
		for _, p := range shard.AllPools() {
			st := p.Stats()
			rows = append(rows, []string{
				strconv.Itoa(shard.Index), st.Addr, strconv.Itoa(st.Active), strconv.Itoa(st.Idle),
				strconv.Itoa(st.Total), strconv.Itoa(st.Waiting), strconv.FormatBool(p.Banned()),
			})
		}
	}
	return resultRows(cols, rows)
}

// ban parses "BAN <shard> <addr> [seconds]" / "UNBAN <shard> <addr>" and
// acts on the matching pool. Minimal argument grammar — real deployments
// would want name-based addressing, but this proxy exposes pools only by
// shard index and address.
func (h *Handler) ban(cmd command) []wire.Message {
	if len(cmd.args) < 2 {
		return []wire.Message{errSyntax(cmd)}
	}
	shardIdx, err := strconv.Atoi(cmd.args[0])
	if err != nil {
		return []wire.Message{errSyntax(cmd)}
	}
	addr := cmd.args[1]
	shard, err := h.Cluster.Shard(shardIdx)
	if err != nil {
		return []wire.Message{errResponse(err)}
	}
	var target *pool.Pool
	for _, p := range shard.AllPools() {
		if p.Addr() == addr {
			target = p
			break
		}
	}
	if target == nil {
		return []wire.Message{errResponse(perror.New(perror.CodeSyntaxError, "no such pool: "+addr))}
	}

	if cmd.name == "unban" {
		target.Unban(true)
		return resultOK("UNBAN")
	}
	duration := time.Hour
	if len(cmd.args) > 2 {
		if secs, err := strconv.Atoi(cmd.args[2]); err == nil {
			duration = time.Duration(secs) * time.Second
		}
	}
	target.Ban(pool.ManualBan, duration)
	return resultOK("BAN")
}

// probe acquires and immediately releases a connection from every pool
// in the cluster, surfacing dead backends as a non-empty DataRow set
// rather than a single pass/fail.
func (h *Handler) probe(ctx context.Context, args []string) []wire.Message {
	cols := []string{"shard", "addr", "ok", "error"}
	var rows [][]string
	for _, shard := range h.Cluster.AllShards() {
		for _, p := range shard.AllPools() {
			g, err := p.Get(ctx)
			if err != nil {
				rows = append(rows, []string{strconv.Itoa(shard.Index), p.Addr(), "false", err.Error()})
				continue
			}
			g.Release()
			rows = append(rows, []string{strconv.Itoa(shard.Index), p.Addr(), "true", ""})
		}
	}
	return resultRows(cols, rows)
}

func resultOK(tag string) []wire.Message {
	return []wire.Message{merger.BuildCommandCompleteTag(tag)}
}

func resultRows(columns []string, rows [][]string) []wire.Message {
	fields := make([]merger.FieldDesc, len(columns))
	for i, c := range columns {
		fields[i] = merger.FieldDesc{Name: c, TypeOID: 25, TypeSize: -1, FormatCode: 0}
	}
	msgs := make([]wire.Message, 0, len(rows)+2)
	msgs = append(msgs, merger.BuildRowDescription(fields))
	for _, row := range rows {
		values := make([][]byte, len(row))
		for i, v := range row {
			values[i] = []byte(v)
		}
		msgs = append(msgs, merger.BuildDataRow(values))
	}
	msgs = append(msgs, merger.BuildCommandComplete("SELECT", int64(len(rows))))
	return msgs
}

func errSyntax(cmd command) wire.Message {
	return errResponse(perror.New(perror.CodeSyntaxError, "unknown admin command: "+cmd.name))
}

func errResponse(err error) wire.Message {
	if perr, ok := err.(*perror.Error); ok {
		return wire.BuildErrorResponse(string(perr.Severity), perr.Code, perr.Message)
	}
	return wire.BuildErrorResponse(string(perror.SeverityError), perror.CodeInternalError, err.Error())
}
