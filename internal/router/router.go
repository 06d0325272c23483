package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	pg "github.com/pganalyze/pg_query_go/v5"

	"github.com/shardgate/shardgate/internal/perror"
)

// InsertMode and ShardKeyUpdateMode mirror the rewrite_split_inserts /
// rewrite_shard_key_updates config knobs.
type InsertMode int

const (
	InsertError InsertMode = iota
	InsertRewrite
)

type ShardKeyUpdateMode int

const (
	ShardKeyIgnore ShardKeyUpdateMode = iota
	ShardKeyRewrite
)

// Config holds the router-behavior knobs exposed in the cluster config.
type Config struct {
	CrossShardDisabled bool
	SplitInserts       InsertMode
	ShardKeyUpdates    ShardKeyUpdateMode
}

// Session is the per-client state the router reads: current search_path
// and whether the client is inside an explicit transaction. A sharding-key
// UPDATE becomes an internal SELECT/verify/DELETE/INSERT sequence that
// must run inside a transaction the client already opened, so the whole
// thing rolls back atomically if any step fails.
type Session struct {
	SearchPath    string
	InTransaction bool
}

// Router classifies and routes one client SQL statement at a time.
type Router struct {
	Schema ShardingSchema
	Config Config
}

// New creates a Router over schema with the given behavior config.
func New(schema ShardingSchema, cfg Config) *Router {
	return &Router{Schema: schema, Config: cfg}
}

// Route parses sql and produces the Command describing how to dispatch
// it. Only the first statement of a (possibly multi-statement) simple-
// query string is routed; callers driving the extended-query protocol
// pass one statement per call.
func (r *Router) Route(sql string, sess Session) (*Command, error) {
	if shard, ok := shardPin(sql); ok {
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteDirect, Shards: []int{shard}}, RawSQL: sql}, nil
	}

	result, err := pg.Parse(sql)
	if err != nil {
		return nil, perror.New(perror.CodeSyntaxError, err.Error())
	}
	if len(result.Stmts) == 0 {
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
	}
	node := result.Stmts[0].Stmt

	switch {
	case node.GetTransactionStmt() != nil:
		return r.routeTransaction(node.GetTransactionStmt(), sql), nil
	case node.GetVariableSetStmt() != nil:
		return r.routeSet(node.GetVariableSetStmt(), sql), nil
	case node.GetListenStmt() != nil:
		return &Command{Kind: CmdListen, RawSQL: sql}, nil
	case node.GetNotifyStmt() != nil:
		return &Command{Kind: CmdNotify, RawSQL: sql}, nil
	case node.GetUnlistenStmt() != nil:
		return &Command{Kind: CmdUnlisten, RawSQL: sql}, nil
	case node.GetDeallocateStmt() != nil:
		return &Command{Kind: CmdDeallocate, RawSQL: sql}, nil
	case node.GetDiscardStmt() != nil:
		return &Command{Kind: CmdDiscard, RawSQL: sql}, nil
	case node.GetVariableShowStmt() != nil:
		return r.routeShow(node.GetVariableShowStmt(), sess, sql), nil
	case node.GetSelectStmt() != nil:
		return r.routeSelect(node.GetSelectStmt(), sess, sql)
	case node.GetInsertStmt() != nil:
		return r.routeInsert(node.GetInsertStmt(), sql)
	case node.GetUpdateStmt() != nil:
		return r.routeUpdate(node.GetUpdateStmt(), sess, sql)
	case node.GetDeleteStmt() != nil:
		return r.routeDelete(node.GetDeleteStmt(), sql)
	case node.GetCopyStmt() != nil:
		return r.routeCopy(node.GetCopyStmt(), sql)
	default:
		// DDL and anything else unclassified: every shard carries the
		// same schema, so broadcast.
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
	}
}

func (r *Router) routeTransaction(ts *pg.TransactionStmt, sql string) *Command {
	switch ts.Kind {
	case pg.TransactionStmtKind_TRANS_STMT_BEGIN, pg.TransactionStmtKind_TRANS_STMT_START:
		return &Command{Kind: CmdStartTransaction}
	case pg.TransactionStmtKind_TRANS_STMT_COMMIT:
		return &Command{Kind: CmdCommitTransaction}
	case pg.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		return &Command{Kind: CmdRollbackTransaction}
	default:
		// PREPARE TRANSACTION / COMMIT PREPARED / ROLLBACK PREPARED issued
		// directly by a client (session-mode pooling): the two-phase-commit
		// path is normally driven by the engine's transaction tracker, not
		// typed by hand, so just forward it.
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}
	}
}

func (r *Router) routeSet(vs *pg.VariableSetStmt, sql string) *Command {
	var value string
	if len(vs.Args) > 0 {
		if v, ok := constValue(vs.Args[0]); ok {
			value = v
		}
	}
	return &Command{Kind: CmdSet, SetName: vs.Name, SetValue: value, SetLocal: vs.IsLocal, RawSQL: sql}
}

func (r *Router) routeShow(vshow *pg.VariableShowStmt, sess Session, sql string) *Command {
	if strings.EqualFold(vshow.Name, "search_path") {
		return &Command{Kind: CmdInternalField, InternalName: "search_path", InternalValue: sess.SearchPath}
	}
	return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}
}

func (r *Router) routeSelect(sel *pg.SelectStmt, sess Session, sql string) (*Command, error) {
	tableName := firstFromTable(sel)
	tbl, sharded := r.Schema.TableFor(tableName)

	var route Route
	if sharded {
		cands := extractWhereKeys(sel.WhereClause, tableName, r.Schema)
		decisions, allFlags := decisionsFrom(cands, tbl)
		route = converge(decisions, allFlags)
	} else {
		route = Route{Kind: RouteAll}
	}

	if route.Kind == RouteAll {
		if shard, ok := searchPathShard(sess.SearchPath); ok {
			route = Route{Kind: RouteDirect, Shards: []int{shard}}
		}
	}

	if route.Kind == RouteAll && r.Config.CrossShardDisabled {
		if hasUnmergeableShape(sel) {
			return nil, perror.CrossShardDisabled("query contains a subquery/CTE/window function with no resolvable sharding key")
		}
		if sharded {
			return nil, perror.CrossShardDisabled("no sharding key found for sharded table " + tableName)
		}
	}

	cmd := &Command{Kind: CmdQuery, Route: route, TableName: tableName, RawSQL: sql}
	if plans, rewritten, ok := planAvgRewrite(sel, sql); ok {
		cmd.AvgPlans = plans
		cmd.RawSQL = rewritten
	}
	cmd.AggPlans = planAggregates(sel, cmd.AvgPlans)
	cmd.OrderBy = planOrderBy(sel, cmd.AvgPlans)
	return cmd, nil
}

func (r *Router) routeInsert(ins *pg.InsertStmt, sql string) (*Command, error) {
	tableName := relName(ins.Relation)
	tbl, sharded := r.Schema.TableFor(tableName)
	if !sharded {
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
	}

	cands, ok := extractInsertKeys(ins, tableName, r.Schema)
	if !ok || len(cands) == 0 {
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
	}

	shardSet := make(map[int]bool)
	for _, c := range cands {
		if c.isAll {
			return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
		}
		shard, ok := tbl.ShardForValue(c.value)
		if !ok {
			return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, RawSQL: sql}, nil
		}
		shardSet[shard] = true
	}

	if len(shardSet) == 1 {
		for s := range shardSet {
			return &Command{Kind: CmdQuery, Route: Route{Kind: RouteDirect, Shards: []int{s}}, RawSQL: sql}, nil
		}
	}

	// Multi-row INSERT spanning shards, gated by rewrite_split_inserts.
	if r.Config.SplitInserts == InsertError {
		return nil, perror.SplitInsertDisabled()
	}
	shards := make([]int, 0, len(shardSet))
	for s := range shardSet {
		shards = append(shards, s)
	}
	sort.Ints(shards)
	return &Command{Kind: CmdQuery, Route: Route{Kind: RouteMulti, Shards: shards}, TableName: tableName, SplitInsertCandidate: true, RawSQL: sql}, nil
}

func (r *Router) routeUpdate(upd *pg.UpdateStmt, sess Session, sql string) (*Command, error) {
	tableName := relName(upd.Relation)
	tbl, sharded := r.Schema.TableFor(tableName)
	if !sharded {
		return &Command{Kind: CmdQuery, Route: Route{Kind: RouteAll}, TableName: tableName, RawSQL: sql}, nil
	}

	cands := extractWhereKeys(upd.WhereClause, tableName, r.Schema)
	decisions, allFlags := decisionsFrom(cands, tbl)
	route := converge(decisions, allFlags)

	newVal, setsShardKey := shardKeyAssignment(upd, tbl.Column)
	if !setsShardKey || r.Config.ShardKeyUpdates == ShardKeyIgnore {
		return &Command{Kind: CmdQuery, Route: route, TableName: tableName, RawSQL: sql}, nil
	}

	newShard, ok := tbl.ShardForValue(newVal)
	if !ok || route.Kind != RouteDirect {
		// Can't pin down the row's current single shard, or the new
		// value's shard: forward as-is and let the backend apply it in
		// place (correct only when old and new shard happen to match).
		return &Command{Kind: CmdQuery, Route: route, TableName: tableName, RawSQL: sql}, nil
	}
	oldShard := route.Shards[0]
	if oldShard == newShard {
		return &Command{Kind: CmdQuery, Route: route, TableName: tableName, RawSQL: sql}, nil
	}

	if !sess.InTransaction {
		return nil, perror.TransactionRequired("sharding key update")
	}

	return &Command{
		Kind: CmdShardKeyRewrite,
		ShardKeyPlan: &ShardKeyUpdatePlan{
			Table:    tableName,
			Column:   tbl.Column,
			OldShard: oldShard,
			NewShard: newShard,
		},
		RawSQL: sql,
	}, nil
}

func (r *Router) routeDelete(del *pg.DeleteStmt, sql string) (*Command, error) {
	tableName := relName(del.Relation)
	tbl, _ := r.Schema.TableFor(tableName)
	cands := extractWhereKeys(del.WhereClause, tableName, r.Schema)
	decisions, allFlags := decisionsFrom(cands, tbl)
	route := converge(decisions, allFlags)
	return &Command{Kind: CmdQuery, Route: route, TableName: tableName, RawSQL: sql}, nil
}

func (r *Router) routeCopy(cp *pg.CopyStmt, sql string) (*Command, error) {
	// COPY's per-row shard dispatch happens in internal/router/rewrite once
	// rows start arriving off the wire; this only confirms the statement
	// parses as COPY so the engine knows to switch into copy-in mode.
	tableName := relName(cp.Relation)
	return &Command{Kind: CmdCopy, Route: Route{Kind: RouteAll}, TableName: tableName, CopyStmt: cp, RawSQL: sql}, nil
}

func decisionsFrom(cands []keyCandidate, tbl Table) ([]int, []bool) {
	var decisions []int
	var allFlags []bool
	for _, c := range cands {
		if c.isAll {
			allFlags = append(allFlags, true)
			continue
		}
		shard, ok := tbl.ShardForValue(c.value)
		if !ok {
			allFlags = append(allFlags, true)
			continue
		}
		decisions = append(decisions, shard)
	}
	return decisions, allFlags
}

// shardKeyAssignment reports whether upd's SET list assigns a resolvable
// literal value to column.
func shardKeyAssignment(upd *pg.UpdateStmt, column string) (string, bool) {
	for _, t := range upd.TargetList {
		rt := t.GetResTarget()
		if rt == nil || rt.Name != column {
			continue
		}
		return constValue(rt.Val)
	}
	return "", false
}

// firstFromTable returns the bare name of a SELECT's single FROM-clause
// table, or "" if there's more than one, a join, or a subselect.
func firstFromTable(sel *pg.SelectStmt) string {
	if len(sel.FromClause) != 1 {
		return ""
	}
	rv := sel.FromClause[0].GetRangeVar()
	if rv == nil {
		return ""
	}
	return rv.Relname
}

// hasUnmergeableShape detects the subquery/CTE/window-function shapes
// that can't be safely merged across shards by a simple row-concatenating
// merger.
func hasUnmergeableShape(sel *pg.SelectStmt) bool {
	if sel.WithClause != nil {
		return true
	}
	if len(sel.WindowClause) > 0 {
		return true
	}
	for _, f := range sel.FromClause {
		if f.GetRangeSubselect() != nil || f.GetJoinExpr() != nil {
			return true
		}
	}
	return false
}

var avgFuncRe = regexp.MustCompile(`(?i)\bavg\s*\(\s*([a-zA-Z_][\w.]*)\s*\)`)

// planAvgRewrite detects a SELECT AVG(col) with no paired COUNT(col) and
// appends a COUNT(col) helper projection so the merger can compute a
// correctly-weighted mean across shards instead of averaging per-shard
// averages. Detection walks the parsed TargetList; the SQL-text rewrite
// itself is a targeted regex insertion right after the matched AVG(...)
// call rather than an AST mutation + re-deparse.
func planAvgRewrite(sel *pg.SelectStmt, sql string) ([]AvgRewrite, string, bool) {
	paired := make(map[string]bool)
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		fc := rt.Val.GetFuncCall()
		if fc == nil || len(fc.Args) != 1 || !strings.EqualFold(lastFuncName(fc), "count") {
			continue
		}
		if col, ok := columnRefName(fc.Args[0]); ok {
			paired[col] = true
		}
	}

	var plans []AvgRewrite
	idx := 0
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt != nil {
			fc := rt.Val.GetFuncCall()
			if fc != nil && len(fc.Args) == 1 && strings.EqualFold(lastFuncName(fc), "avg") {
				if col, ok := columnRefName(fc.Args[0]); ok && !paired[col] {
					plans = append(plans, AvgRewrite{
						AvgColumn:    col,
						HelperColumn: fmt.Sprintf("__shardgate_count_%d", idx),
						ResultIndex:  idx,
					})
				}
			}
		}
		idx++
	}
	if len(plans) == 0 {
		return nil, sql, false
	}

	rewritten := sql
	from := 0
	for _, p := range plans {
		end := -1
		for _, m := range avgFuncRe.FindAllStringSubmatchIndex(rewritten[from:], -1) {
			arg := rewritten[from+m[2] : from+m[3]]
			if strings.EqualFold(arg[strings.LastIndex(arg, ".")+1:], p.AvgColumn) {
				end = from + m[1]
				break
			}
		}
		if end < 0 {
			continue
		}
		insertion := fmt.Sprintf(", COUNT(%s) AS %s", p.AvgColumn, p.HelperColumn)
		rewritten = rewritten[:end] + insertion + rewritten[end:]
		from = end + len(insertion)
	}
	return plans, rewritten, true
}

// adjustForAvgShift translates an index into the original TargetList into
// the column's actual position in the row a shard returns, accounting for
// any AVG helper columns planAvgRewrite inserted ahead of it.
func adjustForAvgShift(idx int, avgPlans []AvgRewrite) int {
	shift := 0
	for _, p := range avgPlans {
		if p.ResultIndex < idx {
			shift++
		}
	}
	return idx + shift
}

// planAggregates detects bare COUNT/SUM/MIN/MAX projections — no DISTINCT,
// no WITHIN GROUP, no OVER — that the merger can combine across shards
// without any query rewrite. It bails out entirely on GROUP BY: a grouped
// aggregate returns one row per group, not one row per shard, and
// collapsing those down to a single row would silently drop groups.
func planAggregates(sel *pg.SelectStmt, avgPlans []AvgRewrite) []AggRewrite {
	if len(sel.GroupClause) > 0 {
		return nil
	}

	var plans []AggRewrite
	idx := 0
	for _, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			idx++
			continue
		}
		fc := rt.Val.GetFuncCall()
		if fc == nil || fc.Over != nil || fc.AggDistinct || fc.AggWithinGroup {
			idx++
			continue
		}
		if !fc.AggStar && len(fc.Args) != 1 {
			idx++
			continue
		}
		var kind AggKind
		switch strings.ToLower(lastFuncName(fc)) {
		case "count":
			kind = AggCount
		case "sum":
			kind = AggSum
		case "min":
			kind = AggMin
		case "max":
			kind = AggMax
		default:
			idx++
			continue
		}
		plans = append(plans, AggRewrite{Kind: kind, ResultIndex: adjustForAvgShift(idx, avgPlans)})
		idx++
	}
	return plans
}

// targetListColumnIndex maps each projection's output name — its AS alias,
// or the bare column name for a simple column reference — to its 0-based
// position in the original TargetList, for resolving ORDER BY references.
func targetListColumnIndex(sel *pg.SelectStmt) map[string]int {
	out := make(map[string]int, len(sel.TargetList))
	for idx, t := range sel.TargetList {
		rt := t.GetResTarget()
		if rt == nil {
			continue
		}
		if rt.Name != "" {
			out[rt.Name] = idx
			continue
		}
		if col, ok := columnRefName(rt.Val); ok {
			out[col] = idx
		}
	}
	return out
}

// planOrderBy resolves a SELECT's ORDER BY clause against its projection
// list so the merger can buffer every shard's rows and sort them instead
// of streaming them in arrival order. It bails out (returns nil) on any
// sort key it can't resolve to a projection column — an expression sort
// key, for instance — falling back to arrival-order streaming rather than
// merging incorrectly.
func planOrderBy(sel *pg.SelectStmt, avgPlans []AvgRewrite) []OrderKey {
	if len(sel.SortClause) == 0 {
		return nil
	}
	tlIndex := targetListColumnIndex(sel)

	keys := make([]OrderKey, 0, len(sel.SortClause))
	for _, n := range sel.SortClause {
		sb := n.GetSortBy()
		if sb == nil {
			return nil
		}
		col, ok := columnRefName(sb.Node)
		if !ok {
			return nil
		}
		idx, ok := tlIndex[col]
		if !ok {
			return nil
		}
		keys = append(keys, OrderKey{
			Column: adjustForAvgShift(idx, avgPlans),
			Desc:   sb.SortbyDir == pg.SortByDir_SORTBY_DESC,
		})
	}
	return keys
}

func lastFuncName(fc *pg.FuncCall) string {
	if len(fc.Funcname) == 0 {
		return ""
	}
	s := fc.Funcname[len(fc.Funcname)-1].GetString_()
	if s == nil {
		return ""
	}
	return s.Sval
}
