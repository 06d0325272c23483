package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/merger"
	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/router/rewrite"
	"github.com/shardgate/shardgate/internal/wire"
)

// handleShardKeyRewrite runs the SELECT/verify/DELETE/INSERT sequence the
// router built for an UPDATE that moves a row to a different shard. The
// router already confirmed the session is inside a transaction, so both
// shards this touches get pinned for the rest of it and commit/rollback
// together.
func (e *Engine) handleShardKeyRewrite(ctx context.Context, sess *Session, cmd *router.Command, client io.ReadWriter) error {
	plan := cmd.ShardKeyPlan
	if err := rewrite.BuildShardKeyPlan(cmd.RawSQL, plan); err != nil {
		return e.writeError(client, sess, err)
	}

	oldConn, err := e.acquireConn(ctx, sess, plan.OldShard)
	if err != nil {
		return e.writeError(client, sess, err)
	}
	newConn, err := e.acquireConn(ctx, sess, plan.NewShard)
	if err != nil {
		return e.writeError(client, sess, err)
	}

	columns, values, n, err := selectOneRow(oldConn, plan.SelectSQL)
	if err != nil {
		sess.AbortAll()
		return e.writeError(client, sess, err)
	}
	if n == 0 {
		return e.finishRewrite(sess, client, 0)
	}
	if n > 1 {
		return e.writeError(client, sess, perror.ShardKeyUpdateTooManyRows())
	}

	if err := execNoError(oldConn, plan.DeleteSQL); err != nil {
		sess.AbortAll()
		return e.writeError(client, sess, err)
	}

	insertSQL := plan.InsertSQLFor(columns, values)
	if err := execNoError(newConn, insertSQL); err != nil {
		sess.AbortAll()
		return e.writeError(client, sess, err)
	}

	return e.finishRewrite(sess, client, 1)
}

func (e *Engine) finishRewrite(sess *Session, client io.ReadWriter, rowCount int64) error {
	if err := wire.WriteMessage(client, merger.BuildCommandComplete("UPDATE", rowCount)); err != nil {
		return err
	}
	return wire.WriteMessage(client, wire.BuildReadyForQuery(e.statusFor(sess)))
}

// acquireConn returns the session's pinned connection for shard, acquiring
// and pinning one if this is the first statement in the transaction to
// touch it.
func (e *Engine) acquireConn(ctx context.Context, sess *Session, shard int) (*backend.Connection, error) {
	if g, ok := sess.Pinned(shard); ok {
		return g.Conn(), nil
	}
	shardObj, err := e.Cluster.Shard(shard)
	if err != nil {
		return nil, err
	}
	g, err := shardObj.Acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	if sess.pendingBegin {
		if err := execNoError(g.Conn(), "BEGIN"); err != nil {
			g.ForceClose()
			return nil, err
		}
	}
	sess.Pin(shard, g)
	return g.Conn(), nil
}

// selectOneRow runs sql (expected to be a single-statement SELECT) and
// decodes its RowDescription column names and, if any row came back, the
// first row's values as INSERT-ready text (NULL sentineled as the
// literal string "NULL", matching rewrite.quoteLiteral's convention).
func selectOneRow(conn *backend.Connection, sql string) (columns, values []string, rowCount int, err error) {
	msgs, err := conn.Execute(sql)
	if err != nil {
		return nil, nil, 0, err
	}
	for _, msg := range msgs {
		switch msg.Tag {
		case wire.ErrorResponse:
			fields := wire.ParseErrorFields(msg.Body)
			return nil, nil, 0, fmt.Errorf("%s: %s", fields.Code, fields.Message)
		case wire.RowDescription:
			fds, perr := merger.ParseRowDescription(msg.Body)
			if perr != nil {
				return nil, nil, 0, perr
			}
			columns = make([]string, len(fds))
			for i, fd := range fds {
				columns[i] = fd.Name
			}
		case wire.DataRow:
			rowCount++
			if rowCount > 1 {
				continue
			}
			raw, perr := merger.ParseDataRow(msg.Body)
			if perr != nil {
				return nil, nil, 0, perr
			}
			values = make([]string, len(raw))
			for i, v := range raw {
				if v == nil {
					values[i] = "NULL"
				} else {
					values[i] = string(v)
				}
			}
		}
	}
	return columns, values, rowCount, nil
}
