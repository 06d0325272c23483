package router

import (
	pg "github.com/pganalyze/pg_query_go/v5"
)

// keyCandidate is one (table, column, value) sharding-key observation
// extracted from a statement's predicate or VALUES list.
type keyCandidate struct {
	table  string
	column string
	value  string
	isAll  bool // a value that couldn't be resolved to a literal (e.g. a bound parameter)
}

// extractWhereKeys walks a WHERE clause looking for equality predicates
// and IN lists against sharded columns. tableName scopes column
// references to the statement's single target table — one table per DML
// statement; joins are out of scope.
func extractWhereKeys(where *pg.Node, tableName string, schema ShardingSchema) []keyCandidate {
	if where == nil {
		return nil
	}
	var out []keyCandidate
	walkBoolTree(where, func(n *pg.Node) {
		out = append(out, keysFromExpr(n, tableName, schema)...)
	})
	return out
}

// walkBoolTree visits every leaf comparison node under a WHERE clause,
// descending through AND/OR/NOT — OR branches are collected the same as
// AND, relying on converge to turn branches that disagree into a Multi
// route over every branch's shard.
func walkBoolTree(n *pg.Node, visit func(*pg.Node)) {
	if n == nil {
		return
	}
	if be := n.GetBoolExpr(); be != nil {
		for _, arg := range be.Args {
			walkBoolTree(arg, visit)
		}
		return
	}
	visit(n)
}

func keysFromExpr(n *pg.Node, tableName string, schema ShardingSchema) []keyCandidate {
	ae := n.GetAExpr()
	if ae == nil {
		return nil
	}

	col, ok := columnRefName(ae.Lexpr)
	if !ok {
		col, ok = columnRefName(ae.Rexpr)
		if !ok {
			return nil
		}
		ae.Lexpr, ae.Rexpr = ae.Rexpr, ae.Lexpr
	}

	tbl, found := schema.TableFor(tableName)
	if !found || tbl.Column != col {
		return nil
	}

	switch ae.Kind {
	case pg.A_Expr_Kind_AEXPR_OP:
		if !isEqualityOp(ae.Name) {
			return nil
		}
		val, ok := constValue(ae.Rexpr)
		if !ok {
			return []keyCandidate{{table: tableName, column: col, isAll: true}}
		}
		return []keyCandidate{{table: tableName, column: col, value: val}}

	case pg.A_Expr_Kind_AEXPR_IN:
		list := ae.Rexpr.GetList()
		if list == nil {
			return []keyCandidate{{table: tableName, column: col, isAll: true}}
		}
		var out []keyCandidate
		for _, item := range list.Items {
			val, ok := constValue(item)
			if !ok {
				return []keyCandidate{{table: tableName, column: col, isAll: true}}
			}
			out = append(out, keyCandidate{table: tableName, column: col, value: val})
		}
		return out

	default:
		return nil
	}
}

func isEqualityOp(name []*pg.Node) bool {
	for _, n := range name {
		if s := n.GetString_(); s != nil && s.Sval == "=" {
			return true
		}
	}
	return false
}

func columnRefName(n *pg.Node) (string, bool) {
	cr := n.GetColumnRef()
	if cr == nil || len(cr.Fields) == 0 {
		return "", false
	}
	last := cr.Fields[len(cr.Fields)-1]
	if s := last.GetString_(); s != nil {
		return s.Sval, true
	}
	return "", false
}

// constValue returns a literal value's text form, or false if n is not a
// resolvable constant (e.g. a bound parameter — $1 — which the router
// cannot classify without the Bind message's parameter values).
func constValue(n *pg.Node) (string, bool) {
	ac := n.GetAConst()
	if ac == nil {
		return "", false
	}
	if ac.Isnull {
		return "", false
	}
	if iv := ac.GetIval(); iv != nil {
		return itoa(int64(iv.Ival)), true
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

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// extractInsertKeys extracts one keyCandidate per VALUES row for the
// sharded column's ordinal position, used by split-INSERT planning.
func extractInsertKeys(stmt *pg.InsertStmt, tableName string, schema ShardingSchema) ([]keyCandidate, bool) {
	tbl, found := schema.TableFor(tableName)
	if !found {
		return nil, false
	}

	colIdx := -1
	for i, c := range stmt.Cols {
		rt := c.GetResTarget()
		if rt != nil && rt.Name == tbl.Column {
			colIdx = i
			break
		}
	}
	if colIdx == -1 {
		return nil, false
	}

	sel := stmt.GetSelectStmt().GetSelectStmt()
	if sel == nil || len(sel.ValuesLists) == 0 {
		return nil, false
	}

	var out []keyCandidate
	for _, rowNode := range sel.ValuesLists {
		row := rowNode.GetList()
		if row == nil || colIdx >= len(row.Items) {
			return nil, false
		}
		val, ok := constValue(row.Items[colIdx])
		if !ok {
			out = append(out, keyCandidate{table: tableName, column: tbl.Column, isAll: true})
			continue
		}
		out = append(out, keyCandidate{table: tableName, column: tbl.Column, value: val})
	}
	return out, true
}

// relName returns the bare table name a RangeVar refers to.
func relName(rv *pg.RangeVar) string {
	if rv == nil {
		return ""
	}
	return rv.Relname
}
