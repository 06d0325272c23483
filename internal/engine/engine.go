package engine

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/merger"
	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/pool"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// Config holds the engine's behavior knobs that aren't per-query routing
// decisions (those live in router.Config).
type Config struct {
	// TwoPhaseCommit, when true, commits a transaction that touched more
	// than one shard with PREPARE TRANSACTION / COMMIT PREPARED instead
	// of a plain COMMIT on each shard, so a backend crash between shards
	// can't leave some shards committed and others not.
	TwoPhaseCommit bool
}

// Mirror is the hook the engine calls with every statement it forwards,
// for the mirroring subsystem to sample and replay asynchronously. A nil
// Mirror disables mirroring.
type Mirror interface {
	Observe(sql string)
}

// Engine drives one client connection's queries against a Cluster using a
// Router's decisions, merging multi-shard responses with merger.Merger.
type Engine struct {
	Cluster *cluster.Cluster
	Router  *router.Router
	Config  Config
	Mirror  Mirror
}

// New creates an Engine.
func New(cl *cluster.Cluster, rt *router.Router, cfg Config) *Engine {
	return &Engine{Cluster: cl, Router: rt, Config: cfg}
}

// HandleQuery routes and executes one simple-query-protocol statement,
// writing its results to client. Errors returned are connection-fatal
// (I/O failures); statement-level errors are written to client as a wire
// ErrorResponse and this returns nil.
func (e *Engine) HandleQuery(ctx context.Context, sess *Session, sql string, client io.ReadWriter) error {
	if e.Mirror != nil {
		e.Mirror.Observe(sql)
	}

	cmd, err := e.Router.Route(sql, sess.RouterSession())
	if err != nil {
		return e.writeError(client, sess, err)
	}

	switch cmd.Kind {
	case router.CmdStartTransaction:
		return e.handleBegin(sess, client)
	case router.CmdCommitTransaction:
		return e.handleCommit(ctx, sess, client)
	case router.CmdRollbackTransaction:
		return e.handleRollback(ctx, sess, client)
	case router.CmdSet:
		return e.handleSet(ctx, sess, cmd, client)
	case router.CmdInternalField:
		return e.handleInternalField(cmd, client)
	case router.CmdListen:
		return e.handleListen(ctx, sess, cmd, client)
	case router.CmdNotify, router.CmdUnlisten:
		return e.forwardPinnedOrBroadcast(ctx, sess, cmd, client)
	case router.CmdDeallocate, router.CmdDiscard:
		return e.handleDeallocateOrDiscard(ctx, sess, cmd, client)
	case router.CmdShardKeyRewrite:
		return e.handleShardKeyRewrite(ctx, sess, cmd, client)
	case router.CmdCopy:
		return e.handleCopy(ctx, sess, cmd, client)
	case router.CmdQuery:
		return e.handleQueryCommand(ctx, sess, cmd, client)
	default:
		return e.writeError(client, sess, fmt.Errorf("engine: unhandled command kind %d", cmd.Kind))
	}
}

// handleQueryCommand executes a CmdQuery verdict: Direct/Multi/All.
func (e *Engine) handleQueryCommand(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	if cmd.Route.Kind == router.RouteMulti && cmd.SplitInsertCandidate {
		if split, ok, err := e.trySplitInsert(cmd); err != nil {
			return e.writeError(client, sess, err)
		} else if ok {
			return e.executeSplit(ctx, sess, split, client)
		}
	}

	shards := e.targetShards(cmd.Route)
	mergerCfg := merger.Config{
		Omni:     e.isOmni(cmd),
		AvgPlans: cmd.AvgPlans,
		AggPlans: cmd.AggPlans,
		OrderBy:  cmd.OrderBy,
	}
	return e.execute(ctx, sess, shards, map[int]string{}, cmd.RawSQL, mergerCfg, client)
}

// isOmni reports whether a broadcast route targets an omnisharded table
// (only the first shard's rows should be forwarded to the client).
func (e *Engine) isOmni(cmd *router.Command) bool {
	if cmd.Route.Kind != router.RouteAll || cmd.TableName == "" {
		return false
	}
	return e.Router.Schema.Omnisharded[cmd.TableName]
}

func (e *Engine) targetShards(route router.Route) []int {
	if route.Kind == router.RouteAll {
		out := make([]int, e.Cluster.NumShards())
		for i := range out {
			out[i] = i
		}
		return out
	}
	return route.Shards
}

// execute acquires (or reuses pinned) connections for shards, sends
// perShardSQL[shard] (falling back to sql when absent), merges the
// responses, and writes the merged stream to client.
func (e *Engine) execute(ctx context.Context, sess *Session, shards []int, perShardSQL map[int]string, sql string, mergerCfg merger.Config, client io.ReadWriter) error {
	conns := make(map[int]*backend.Connection, len(shards))
	acquired := make(map[int]*pool.Guard)
	defer func() {
		for shard, g := range acquired {
			if sess.State == StateInTransaction || sess.State == StateTransactionError {
				sess.Pin(shard, g)
				continue
			}
			g.Release()
		}
	}()

	// Connections for shards the session doesn't already hold pinned are
	// acquired concurrently: a statement touching several shards shouldn't
	// pay for their checkout/dial latency serially.
	toAcquire := make([]int, 0, len(shards))
	for _, shard := range shards {
		if g, ok := sess.Pinned(shard); ok {
			conns[shard] = g.Conn()
			continue
		}
		toAcquire = append(toAcquire, shard)
	}

	guards := make([]*pool.Guard, len(toAcquire))
	group, gctx := errgroup.WithContext(ctx)
	for i, shard := range toAcquire {
		i, shard := i, shard
		group.Go(func() error {
			shardObj, err := e.Cluster.Shard(shard)
			if err != nil {
				return err
			}
			g, err := shardObj.Acquire(gctx, false)
			if err != nil {
				return err
			}
			guards[i] = g
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, g := range guards {
			if g != nil {
				g.Release()
			}
		}
		return e.writeError(client, sess, err)
	}

	for i, shard := range toAcquire {
		g := guards[i]
		acquired[shard] = g
		conns[shard] = g.Conn()

		if sess.pendingBegin {
			if err := execNoError(g.Conn(), "BEGIN"); err != nil {
				return e.writeError(client, sess, err)
			}
		}
	}
	sess.pendingBegin = false

	m := merger.New(len(shards), mergerCfg)
	for _, shard := range shards {
		text := sql
		if t, ok := perShardSQL[shard]; ok {
			text = t
		}
		conn := conns[shard]
		if err := conn.Send(wire.Message{Tag: wire.Query, Body: append([]byte(text), 0)}); err != nil {
			sess.AbortAll()
			return fmt.Errorf("sending query to shard %d: %w", shard, err)
		}
	}

	for !m.Done() {
		for _, shard := range shards {
			conn := conns[shard]
			msg, err := conn.Read()
			if err != nil {
				sess.AbortAll()
				return fmt.Errorf("reading response from shard %d: %w", shard, err)
			}
			out, err := m.Feed(shard, msg)
			if err != nil {
				return e.writeError(client, sess, err)
			}
			for _, o := range out {
				if err := wire.WriteMessage(client, o); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) writeError(client io.ReadWriter, sess *Session, err error) error {
	perr, ok := err.(*perror.Error)
	if !ok {
		perr = perror.Wrap(perror.CodeInternalError, "internal error", err)
	}
	if sess.State == StateInTransaction {
		sess.State = StateTransactionError
	}
	if werr := wire.WriteMessage(client, wire.BuildErrorResponse(string(perr.Severity), perr.Code, perr.Message)); werr != nil {
		return werr
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

func (e *Engine) statusFor(sess *Session) byte {
	switch sess.State {
	case StateInTransaction:
		return wire.TxBlock
	case StateTransactionError:
		return wire.TxError
	default:
		return wire.TxIdle
	}
}
