// Package rewrite implements the multi-step SQL rewrites the router
// defers until a statement is actually dispatched: splitting a multi-row
// INSERT across shards, turning a sharding-key UPDATE into a
// SELECT/DELETE/INSERT sequence, and dispatching COPY rows per shard.
package rewrite

import (
	"fmt"

	pg "github.com/pganalyze/pg_query_go/v5"

	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/router"
)

// SplitInsert decomposes a multi-row INSERT whose rows map to different
// shards into one INSERT statement per shard, each carrying only its own
// rows. The original AST is parsed once and its ValuesLists sliced per
// shard, then re-deparsed, so column lists, ON CONFLICT clauses, and
// RETURNING all survive unchanged.
func SplitInsert(sql string, tableName string, tbl router.Table) (map[int]string, error) {
	result, err := pg.Parse(sql)
	if err != nil {
		return nil, perror.New(perror.CodeSyntaxError, err.Error())
	}
	if len(result.Stmts) == 0 {
		return nil, perror.New(perror.CodeSyntaxError, "empty statement")
	}
	ins := result.Stmts[0].Stmt.GetInsertStmt()
	if ins == nil {
		return nil, fmt.Errorf("not an INSERT statement")
	}
	sel := ins.GetSelectStmt().GetSelectStmt()
	if sel == nil || len(sel.ValuesLists) == 0 {
		return nil, fmt.Errorf("INSERT has no VALUES list to split")
	}

	colIdx := -1
	for i, c := range ins.Cols {
		rt := c.GetResTarget()
		if rt != nil && rt.Name == tbl.Column {
			colIdx = i
			break
		}
	}
	if colIdx == -1 {
		return nil, fmt.Errorf("sharding column %q not present in INSERT column list", tbl.Column)
	}

	rowsByShard := make(map[int][]*pg.Node)
	for _, rowNode := range sel.ValuesLists {
		row := rowNode.GetList()
		if row == nil || colIdx >= len(row.Items) {
			return nil, fmt.Errorf("malformed VALUES row")
		}
		val, ok := constValue(row.Items[colIdx])
		if !ok {
			return nil, fmt.Errorf("sharding column value in row is not a literal")
		}
		shard, ok := tbl.ShardForValue(val)
		if !ok {
			return nil, fmt.Errorf("could not resolve shard for value %q", val)
		}
		rowsByShard[shard] = append(rowsByShard[shard], rowNode)
	}

	out := make(map[int]string, len(rowsByShard))
	originalRows := sel.ValuesLists
	for shard, rows := range rowsByShard {
		sel.ValuesLists = rows
		text, err := pg.Deparse(result)
		if err != nil {
			sel.ValuesLists = originalRows
			return nil, fmt.Errorf("deparsing per-shard INSERT: %w", err)
		}
		out[shard] = text
	}
	sel.ValuesLists = originalRows
	return out, nil
}

func constValue(n *pg.Node) (string, bool) {
	ac := n.GetAConst()
	if ac == nil || ac.Isnull {
		return "", false
	}
	if iv := ac.GetIval(); iv != nil {
		return fmt.Sprintf("%d", iv.Ival), true
	}
	if fv := ac.GetFval(); fv != nil {
		return fv.Fval, true
	}
	if sv := ac.GetSval(); sv != nil {
		return sv.Sval, true
	}
	if bv := ac.GetBoolval(); bv != nil {
		if bv.Boolval {
			return "t", true
		}
		return "f", true
	}
	return "", false
}
