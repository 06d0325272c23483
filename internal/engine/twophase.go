package engine

import (
	"fmt"

	"github.com/shardgate/shardgate/internal/backend"
	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/wire"
)

// commitTwoPhase commits a multi-shard transaction with PREPARE
// TRANSACTION on every shard, then COMMIT PREPARED on every shard that
// prepared successfully. If any PREPARE fails, every shard that already
// prepared is rolled back with ROLLBACK PREPARED instead, so the
// transaction never partially commits.
func (e *Engine) commitTwoPhase(sess *Session, shards []int) error {
	gid := make(map[int]string, len(shards))
	prepared := make([]int, 0, len(shards))

	for _, shard := range shards {
		g, _ := sess.Pinned(shard)
		id := gidFor(shard)
		gid[shard] = id
		if err := execNoError(g.Conn(), fmt.Sprintf("PREPARE TRANSACTION '%s'", id)); err != nil {
			for _, p := range prepared {
				rollbackPrepared(sess, p, gid[p])
			}
			return perror.TwoPCPhaseOneFailed(shard, err)
		}
		prepared = append(prepared, shard)
	}

	for _, shard := range shards {
		g, _ := sess.Pinned(shard)
		if err := commitPreparedIdempotent(g.Conn(), gid[shard]); err != nil {
			return fmt.Errorf("committing prepared transaction on shard %d: %w", shard, err)
		}
	}
	return nil
}

func rollbackPrepared(sess *Session, shard int, id string) {
	g, ok := sess.Pinned(shard)
	if !ok {
		return
	}
	g.Conn().Execute(fmt.Sprintf("ROLLBACK PREPARED '%s'", id))
}

// commitPreparedIdempotent issues COMMIT PREPARED, tolerating "prepared
// transaction does not exist" (SQLSTATE 42704) so a retried commit after
// a crash between shards doesn't surface a spurious error to the client.
func commitPreparedIdempotent(conn *backend.Connection, id string) error {
	msgs, err := conn.Execute(fmt.Sprintf("COMMIT PREPARED '%s'", id))
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Tag != wire.ErrorResponse {
			continue
		}
		fields := wire.ParseErrorFields(msg.Body)
		if perror.IsUndefinedPreparedTransaction(fields.Code) {
			return nil
		}
		return fmt.Errorf("%s: %s", fields.Code, fields.Message)
	}
	return nil
}

// execNoError runs sql and turns a backend-reported ErrorResponse into a
// Go error, since Connection.Execute only fails on I/O errors.
func execNoError(conn *backend.Connection, sql string) error {
	msgs, err := conn.Execute(sql)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Tag == wire.ErrorResponse {
			fields := wire.ParseErrorFields(msg.Body)
			return fmt.Errorf("%s: %s", fields.Code, fields.Message)
		}
	}
	return nil
}

func gidFor(shard int) string {
	return fmt.Sprintf("shardgate_%d", shard)
}
