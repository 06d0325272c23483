package rewrite

import (
	"fmt"
	"strings"

	pg "github.com/pganalyze/pg_query_go/v5"

	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/router"
)

// BuildShardKeyPlan fills in plan.SelectSQL, plan.DeleteSQL, and
// plan.InsertSQLFor from the original UPDATE statement's table and WHERE
// clause, by re-parsing sql and swapping the top-level UpdateStmt node for
// a SelectStmt (then a DeleteStmt) over the same relation and predicate,
// deparsing each.
func BuildShardKeyPlan(sql string, plan *router.ShardKeyUpdatePlan) error {
	result, err := pg.Parse(sql)
	if err != nil {
		return perror.New(perror.CodeSyntaxError, err.Error())
	}
	if len(result.Stmts) == 0 {
		return fmt.Errorf("empty statement")
	}
	upd := result.Stmts[0].Stmt.GetUpdateStmt()
	if upd == nil {
		return fmt.Errorf("not an UPDATE statement")
	}

	star := &pg.Node{Node: &pg.Node_ResTarget{ResTarget: &pg.ResTarget{
		Val: &pg.Node{Node: &pg.Node_ColumnRef{ColumnRef: &pg.ColumnRef{
			Fields: []*pg.Node{{Node: &pg.Node_AStar{AStar: &pg.A_Star{}}}},
		}}},
	}}}
	fromClause := []*pg.Node{{Node: &pg.Node_RangeVar{RangeVar: upd.Relation}}}

	selStmt := &pg.SelectStmt{
		TargetList:  []*pg.Node{star},
		FromClause:  fromClause,
		WhereClause: upd.WhereClause,
	}
	result.Stmts[0].Stmt = &pg.Node{Node: &pg.Node_SelectStmt{SelectStmt: selStmt}}
	selectSQL, err := pg.Deparse(result)
	if err != nil {
		return fmt.Errorf("deparsing SELECT for shard key rewrite: %w", err)
	}

	delStmt := &pg.DeleteStmt{
		Relation:    upd.Relation,
		WhereClause: upd.WhereClause,
	}
	result.Stmts[0].Stmt = &pg.Node{Node: &pg.Node_DeleteStmt{DeleteStmt: delStmt}}
	deleteSQL, err := pg.Deparse(result)
	if err != nil {
		return fmt.Errorf("deparsing DELETE for shard key rewrite: %w", err)
	}

	plan.SelectSQL = selectSQL
	plan.DeleteSQL = deleteSQL
	plan.InsertSQLFor = func(columns, values []string) string {
		return buildInsertSQL(plan.Table, columns, values)
	}
	return nil
}

// buildInsertSQL builds an INSERT statement from a SELECT *'s column names
// and one row's text-format values (empty string reserved for SQL NULL is
// ambiguous with an empty text value, so callers pass "NULL" literally for
// nulls — see unescapeCopyField for the analogous COPY case).
func buildInsertSQL(table string, columns, values []string) string {
	var cols, vals strings.Builder
	for i, c := range columns {
		if i > 0 {
			cols.WriteString(", ")
			vals.WriteString(", ")
		}
		cols.WriteString(quoteIdent(c))
		vals.WriteString(quoteLiteral(values[i]))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(table), cols.String(), vals.String())
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	if s == "NULL" {
		return "NULL"
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
