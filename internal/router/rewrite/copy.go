package rewrite

import (
	"fmt"
	"strings"

	pg "github.com/pganalyze/pg_query_go/v5"

	"github.com/shardgate/shardgate/internal/router"
)

// CopyRowDispatcher extracts the sharding column from each row of a COPY
// ... FROM STDIN (text format) and decides which shard the row belongs to,
// so the engine can batch rows per shard before forwarding them.
type CopyRowDispatcher struct {
	table       router.Table
	shardColIdx int
}

// NewCopyRowDispatcher builds a dispatcher for cp, locating tbl's sharding
// column by ordinal position in the COPY statement's explicit column list.
// A COPY with no column list can't be routed without the destination
// table's full column order, which the router doesn't have visibility
// into; callers should fall back to broadcasting the COPY in that case.
func NewCopyRowDispatcher(cp *pg.CopyStmt, tbl router.Table) (*CopyRowDispatcher, error) {
	if len(cp.Attlist) == 0 {
		return nil, fmt.Errorf("COPY has no explicit column list; cannot locate sharding column %q", tbl.Column)
	}
	idx := -1
	for i, a := range cp.Attlist {
		if s := a.GetString_(); s != nil && s.Sval == tbl.Column {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, fmt.Errorf("sharding column %q not present in COPY column list", tbl.Column)
	}
	return &CopyRowDispatcher{table: tbl, shardColIdx: idx}, nil
}

// Dispatch parses one COPY text-format row (tab-separated fields, "\N" for
// SQL NULL) and returns the shard its sharding-column value maps to.
func (d *CopyRowDispatcher) Dispatch(row string) (shard int, ok bool) {
	fields := splitCopyRow(row)
	if d.shardColIdx >= len(fields) {
		return 0, false
	}
	val := fields[d.shardColIdx]
	if val == `\N` {
		return 0, false
	}
	return d.table.ShardForValue(unescapeCopyField(val))
}

func splitCopyRow(row string) []string {
	return strings.Split(row, "\t")
}

// unescapeCopyField reverses COPY text format's backslash escaping for a
// single field (\\, \t, \n, \r); other backslash sequences are passed
// through as-is since they don't occur in the values this router cares
// about (numeric and short string sharding keys).
func unescapeCopyField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
