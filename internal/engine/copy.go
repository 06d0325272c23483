package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/router/rewrite"
	"github.com/shardgate/shardgate/internal/wire"
)

// handleCopy drives a COPY ... FROM STDIN across shards: each row off the
// wire is dispatched to the shard its sharding-column value maps to and
// forwarded there directly, then every shard's copy-in is finished once
// CopyDone (or CopyFail) arrives from the client.
func (e *Engine) handleCopy(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	shards := e.targetShards(cmd.Route)
	conns := make(map[int]*backend.Connection, len(shards))
	for _, shard := range shards {
		conn, err := e.acquireConn(ctx, sess, shard)
		if err != nil {
			return e.writeError(client, sess, err)
		}
		conns[shard] = conn
	}
	for shard, conn := range conns {
		if err := conn.Send(wire.Message{Tag: wire.Query, Body: append([]byte(cmd.RawSQL), 0)}); err != nil {
			sess.AbortAll()
			return fmt.Errorf("starting copy-in on shard %d: %w", shard, err)
		}
	}

	var copyIn wire.Message
	for shard, conn := range conns {
		msg, err := conn.Read()
		if err != nil {
			sess.AbortAll()
			return fmt.Errorf("reading copy-in response from shard %d: %w", shard, err)
		}
		if msg.Tag == wire.ErrorResponse {
			sess.AbortAll()
			fields := wire.ParseErrorFields(msg.Body)
			return e.writeError(client, sess, fmt.Errorf("%s: %s", fields.Code, fields.Message))
		}
		copyIn = msg
	}
	if err := wire.WriteMessage(client, copyIn); err != nil {
		return err
	}

	var dispatcher *rewrite.CopyRowDispatcher
	if tbl, ok := e.Router.Schema.TableFor(cmd.TableName); ok && cmd.CopyStmt != nil {
		dispatcher, _ = rewrite.NewCopyRowDispatcher(cmd.CopyStmt, tbl)
	}

	return e.copyLoop(dispatcher, conns, client, sess)
}

// copyLoop reads CopyData/CopyDone/CopyFail frames from the client. With a
// dispatcher it routes each row to the one shard its sharding-column value
// maps to; without one (no explicit column list, or no sharding column
// present) every row goes to every shard, matching the broadcast semantics
// used for omnisharded-table queries.
func (e *Engine) copyLoop(dispatcher *rewrite.CopyRowDispatcher, conns map[int]*backend.Connection, client io.ReadWriter, sess *Session) error {
	for {
		msg, err := wire.ReadMessage(client)
		if err != nil {
			return fmt.Errorf("reading copy frame from client: %w", err)
		}
		switch msg.Tag {
		case wire.CopyData:
			if err := e.routeCopyData(dispatcher, conns, msg, sess); err != nil {
				return err
			}
		case wire.CopyDone:
			return e.finishCopy(conns, client, sess)
		case wire.CopyFail:
			return e.abortCopy(conns, client, sess)
		default:
			return fmt.Errorf("unexpected message %q in copy mode", msg.Tag)
		}
	}
}

// routeCopyData assumes CopyData frames are newline-aligned (one or more
// whole rows per message, no row split across two messages), which holds
// for every client encountered so far.
func (e *Engine) routeCopyData(dispatcher *rewrite.CopyRowDispatcher, conns map[int]*backend.Connection, msg wire.Message, sess *Session) error {
	if dispatcher == nil {
		for shard, conn := range conns {
			if err := conn.Send(msg); err != nil {
				sess.AbortAll()
				return fmt.Errorf("forwarding copy row to shard %d: %w", shard, err)
			}
		}
		return nil
	}
	for _, row := range strings.Split(strings.TrimSuffix(string(msg.Body), "\n"), "\n") {
		shard, ok := dispatcher.Dispatch(row)
		if !ok {
			continue
		}
		conn, ok := conns[shard]
		if !ok {
			continue
		}
		if err := conn.Send(wire.Message{Tag: wire.CopyData, Body: []byte(row + "\n")}); err != nil {
			sess.AbortAll()
			return fmt.Errorf("forwarding copy row to shard %d: %w", shard, err)
		}
	}
	return nil
}

func (e *Engine) finishCopy(conns map[int]*backend.Connection, client io.ReadWriter, sess *Session) error {
	var total int64
	for shard, conn := range conns {
		if err := conn.Send(wire.Message{Tag: wire.CopyDone, Body: nil}); err != nil {
			sess.AbortAll()
			return fmt.Errorf("finishing copy-in on shard %d: %w", shard, err)
		}
		for {
			msg, err := conn.Read()
			if err != nil {
				sess.AbortAll()
				return fmt.Errorf("reading copy completion from shard %d: %w", shard, err)
			}
			if msg.Tag == wire.CommandComplete {
				_, n, _ := wire.ParseCommandTag(msg.Body)
				total += int64(n)
			}
			if msg.Tag == wire.ReadyForQuery {
				break
			}
		}
	}
	if err := wire.WriteMessage(client, wire.BuildCommandComplete(fmt.Sprintf("COPY %d", total))); err != nil {
		return err
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

func (e *Engine) abortCopy(conns map[int]*backend.Connection, client io.ReadWriter, sess *Session) error {
	for _, conn := range conns {
		conn.Send(wire.Message{Tag: wire.CopyFail, Body: []byte("copy aborted by client")})
	}
	sess.AbortAll()
	return e.writeError(client, sess, fmt.Errorf("copy aborted by client"))
}
