package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/shardgate/shardgate/internal/merger"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/router/rewrite"
)

// trySplitInsert rewrites a multi-row INSERT spanning shards into one
// INSERT per shard. ok is false (with no error) for any command that
// isn't such an INSERT, so the caller falls through to the ordinary
// broadcast-the-same-text path.
func (e *Engine) trySplitInsert(cmd *router.Command) (map[int]string, bool, error) {
	if !cmd.SplitInsertCandidate || cmd.TableName == "" {
		return nil, false, nil
	}
	tbl, ok := e.Router.Schema.TableFor(cmd.TableName)
	if !ok {
		return nil, false, nil
	}
	perShard, err := rewrite.SplitInsert(cmd.RawSQL, cmd.TableName, tbl)
	if err != nil {
		return nil, false, fmt.Errorf("splitting INSERT across shards: %w", err)
	}
	return perShard, true, nil
}

// executeSplit sends each shard its own INSERT text and merges the row
// counts (CommandComplete is the only response that matters; a split
// INSERT never returns rows).
func (e *Engine) executeSplit(ctx context.Context, sess *Session, perShard map[int]string, client io.ReadWriter) error {
	shards := make([]int, 0, len(perShard))
	for shard := range perShard {
		shards = append(shards, shard)
	}
	return e.execute(ctx, sess, shards, perShard, "", merger.Config{}, client)
}
