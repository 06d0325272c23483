package router

import pg "github.com/pganalyze/pg_query_go/v5"

// RouteKind discriminates the shapes a Route can take.
type RouteKind int

const (
	RouteAll RouteKind = iota
	RouteDirect
	RouteMulti
)

// Route is the router's verdict on which shard(s) a DML/Copy statement
// targets.
type Route struct {
	Kind   RouteKind
	Shards []int // sorted, unique; len==1 for Direct, len>=2 for Multi, nil/all for All
}

func (r Route) String() string {
	switch r.Kind {
	case RouteDirect:
		return "direct"
	case RouteMulti:
		return "multi"
	default:
		return "all"
	}
}

// CommandKind discriminates the dispatch shapes a client statement can
// resolve to.
type CommandKind int

const (
	CmdQuery CommandKind = iota
	CmdStartTransaction
	CmdCommitTransaction
	CmdRollbackTransaction
	CmdListen
	CmdNotify
	CmdUnlisten
	CmdSet
	CmdDeallocate
	CmdDiscard
	CmdCopy
	CmdShardKeyRewrite
	CmdInternalField
)

// AvgRewrite records the helper-column plan built for a SELECT AVG(col)
// with no paired COUNT(col).
type AvgRewrite struct {
	AvgColumn    string
	HelperColumn string
	// ResultIndex is the projection column index (0-based) the AVG
	// expression occupies in the original RowDescription, so the merger
	// can find the column to replace without re-parsing the query.
	ResultIndex int
}

// AggKind discriminates the bare aggregate functions the merger can
// combine across shards without any query rewrite.
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggMin
	AggMax
)

// AggRewrite tags one projection column as a bare cross-shard aggregate:
// COUNT/SUM are added together, MIN/MAX compared. Unlike AvgRewrite this
// needs no helper column or SQL rewrite, since every shard already
// returns the value the merger needs to combine.
type AggRewrite struct {
	Kind AggKind
	// ResultIndex is the column's 0-based position in the row a shard
	// actually returns, already adjusted for any AVG helper columns
	// inserted ahead of it.
	ResultIndex int
}

// OrderKey is one ORDER BY column the merger must respect when combining
// rows from multiple shards, expressed as the column's 0-based index in
// the row a shard actually returns (again adjusted for AVG helper
// columns inserted ahead of it).
type OrderKey struct {
	Column int
	Desc   bool
}

// ShardKeyUpdatePlan is the multi-step plan built for an UPDATE that
// assigns a new value to the sharding column: SELECT the row on the old
// shard, verify exactly one match, DELETE it there, then INSERT it on the
// new shard. InsertSQLFor is only callable once the SELECT's
// RowDescription is known, since it needs the column names alongside the
// DataRow values to build the INSERT's column list.
type ShardKeyUpdatePlan struct {
	Table        string
	Column       string
	OldShard     int
	NewShard     int
	SelectSQL    string
	DeleteSQL    string
	InsertSQLFor func(columns, values []string) string
}

// Command is the router's output for one client statement: a dispatch
// tag plus the fields relevant to that tag.
type Command struct {
	Kind CommandKind

	Route Route // CmdQuery / CmdCopy

	// TableName is the statement's target table, set whenever routing
	// resolved one: the engine uses it both for omnisharded-table dedup
	// (isOmni) and, alongside SplitInsertCandidate, for rewrite.SplitInsert.
	TableName string

	// SplitInsertCandidate marks a RouteMulti CmdQuery as a multi-row
	// INSERT spanning shards, the only statement shape trySplitInsert
	// should ever attempt to rewrite.
	SplitInsertCandidate bool

	// CopyStmt is the parsed statement for CmdCopy, carried through so the
	// engine can build a rewrite.CopyRowDispatcher without re-parsing.
	CopyStmt *pg.CopyStmt

	SetName  string // CmdSet
	SetValue string
	SetLocal bool

	AvgPlans []AvgRewrite // CmdQuery, when the SELECT needs AVG rewriting
	AggPlans []AggRewrite // CmdQuery, bare COUNT/SUM/MIN/MAX columns to combine
	OrderBy  []OrderKey   // CmdQuery, ORDER BY columns the merger must honor

	ShardKeyPlan *ShardKeyUpdatePlan // CmdShardKeyRewrite

	InternalName  string // CmdInternalField
	InternalValue string

	// RawSQL is the (possibly rewritten) SQL text to forward, after any
	// AVG helper-column insertion; a shard-pin comment is left in place.
	RawSQL string
}
