package engine

import (
	"context"
	"io"

	"github.com/shardgate/shardgate/internal/merger"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// handleBegin acknowledges a BEGIN without touching any backend — the
// transaction is opened lazily on the first statement that actually picks
// a shard (see execute's pendingBegin handling).
func (e *Engine) handleBegin(sess *Session, client io.ReadWriter) error {
	sess.State = StateInTransaction
	sess.pendingBegin = true
	if err := wire.WriteMessage(client, wire.BuildCommandComplete("BEGIN")); err != nil {
		return err
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

// handleCommit commits every shard the transaction touched. With no
// pinned shards the transaction never acquired a backend and commits
// trivially. Config.TwoPhaseCommit upgrades a multi-shard commit to
// PREPARE TRANSACTION / COMMIT PREPARED.
func (e *Engine) handleCommit(ctx context.Context, sess *Session, client io.ReadWriter) error {
	shards := sess.PinnedShards()
	var err error
	if e.Config.TwoPhaseCommit && len(shards) > 1 {
		err = e.commitTwoPhase(sess, shards)
	} else {
		err = e.commitOnePhase(sess, shards)
	}
	sess.ReleaseAll()
	sess.State = StateIdle
	sess.pendingBegin = false
	if err != nil {
		return e.writeError(client, sess, err)
	}
	if werr := wire.WriteMessage(client, wire.BuildCommandComplete("COMMIT")); werr != nil {
		return werr
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

func (e *Engine) commitOnePhase(sess *Session, shards []int) error {
	for _, shard := range shards {
		g, _ := sess.Pinned(shard)
		if err := execNoError(g.Conn(), "COMMIT"); err != nil {
			return err
		}
	}
	return nil
}

// handleRollback rolls back every shard the transaction touched.
func (e *Engine) handleRollback(ctx context.Context, sess *Session, client io.ReadWriter) error {
	for _, shard := range sess.PinnedShards() {
		g, _ := sess.Pinned(shard)
		g.Conn().Rollback()
	}
	sess.ReleaseAll()
	sess.State = StateIdle
	sess.pendingBegin = false
	if werr := wire.WriteMessage(client, wire.BuildCommandComplete("ROLLBACK")); werr != nil {
		return werr
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

// handleSet updates session-visible state (search_path affects later
// routing decisions) and, if the transaction already holds backend
// connections, forwards the SET to keep their actual session state in
// sync.
func (e *Engine) handleSet(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	if sess.State == StateInTransaction {
		if len(sess.PinnedShards()) == 0 {
			// no backend chosen yet: record and defer, same as BEGIN.
		} else {
			for _, shard := range sess.PinnedShards() {
				g, _ := sess.Pinned(shard)
				if err := execNoError(g.Conn(), cmd.RawSQL); err != nil {
					return e.writeError(client, sess, err)
				}
			}
		}
	}
	if cmd.SetName == "search_path" {
		sess.SearchPath = cmd.SetValue
	}
	if err := wire.WriteMessage(client, wire.BuildCommandComplete("SET")); err != nil {
		return err
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

// handleInternalField answers a query the router resolved entirely from
// session state (SHOW search_path) without touching any backend.
func (e *Engine) handleInternalField(cmd *router.Command, client io.ReadWriter) error {
	fields := []merger.FieldDesc{{Name: cmd.InternalName, TypeOID: 25}}
	if err := wire.WriteMessage(client, merger.BuildRowDescription(fields)); err != nil {
		return err
	}
	if err := wire.WriteMessage(client, merger.BuildDataRow([][]byte{[]byte(cmd.InternalValue)})); err != nil {
		return err
	}
	if err := wire.WriteMessage(client, wire.BuildCommandComplete("SHOW")); err != nil {
		return err
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(wire.TxIdle))
}

// handleListen pins the session to shard 0's connection for its
// remaining lifetime — NOTIFY channels are backend-local, so once a
// client is subscribed the connection can't be returned to the pool
// between statements.
func (e *Engine) handleListen(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	if !sess.hasListenPin {
		shardObj, err := e.Cluster.Shard(0)
		if err != nil {
			return e.writeError(client, sess, err)
		}
		g, err := shardObj.Acquire(ctx, false)
		if err != nil {
			return e.writeError(client, sess, err)
		}
		sess.Pin(0, g)
		sess.listenPin = 0
		sess.hasListenPin = true
	}
	return e.execute(ctx, sess, []int{sess.listenPin}, nil, cmd.RawSQL, merger.Config{}, client)
}

// forwardPinnedOrBroadcast sends NOTIFY/UNLISTEN to the session's LISTEN
// pin if one exists, otherwise broadcasts it (best effort: the listening
// channel, if any, lives on a shard this client never pinned).
func (e *Engine) forwardPinnedOrBroadcast(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	if sess.hasListenPin {
		return e.execute(ctx, sess, []int{sess.listenPin}, nil, cmd.RawSQL, merger.Config{}, client)
	}
	return e.execute(ctx, sess, e.targetShards(router.Route{Kind: router.RouteAll}), nil, cmd.RawSQL, merger.Config{}, client)
}

// handleDeallocateOrDiscard forwards to whatever shards the transaction
// currently holds; outside a transaction there is no persistent backend
// to clean up, so it's acknowledged locally.
func (e *Engine) handleDeallocateOrDiscard(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	shards := sess.PinnedShards()
	if len(shards) == 0 {
		tag := "DISCARD"
		if cmd.Kind == router.CmdDeallocate {
			tag = "DEALLOCATE"
		}
		if err := wire.WriteMessage(client, wire.BuildCommandComplete(tag)); err != nil {
			return err
		}
		return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
	}
	return e.execute(ctx, sess, shards, nil, cmd.RawSQL, merger.Config{}, client)
}
