package merger

import (
	"fmt"
	"strconv"

	"github.com/shardgate/shardgate/internal/router"
)

// mergeAggregateRows collapses every shard's row for an ungrouped
// aggregate query into a single row. AVG and bare COUNT/SUM/MIN/MAX
// columns each combine into the same merged row: both read the full,
// unmodified set of per-shard rows and write only the columns they own,
// so running one doesn't shrink the view the other needs.
func mergeAggregateRows(rows [][][]byte, avgPlans []router.AvgRewrite, aggPlans []router.AggRewrite) ([][][]byte, error) {
	if len(rows) == 0 {
		return rows, nil
	}

	merged := make([][]byte, len(rows[0]))
	copy(merged, rows[0])

	if err := mergeAvgInto(merged, rows, avgPlans); err != nil {
		return nil, err
	}
	mergeAggInto(merged, rows, aggPlans)

	return [][][]byte{merged}, nil
}

// mergeAggInto writes the cross-shard combination of each bare aggregate
// column directly into merged: COUNT/SUM add, MIN/MAX compare.
func mergeAggInto(merged [][]byte, rows [][][]byte, plans []router.AggRewrite) {
	for _, p := range plans {
		col := p.ResultIndex
		switch p.Kind {
		case router.AggCount:
			merged[col] = []byte(strconv.FormatInt(sumInts(rows, col), 10))
		case router.AggSum:
			merged[col] = sumColumn(rows, col)
		case router.AggMin, router.AggMax:
			merged[col] = extremeColumn(rows, col, p.Kind == router.AggMax)
		}
	}
}

func sumInts(rows [][][]byte, col int) int64 {
	var total int64
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			// COUNT always returns an integer; a malformed value here means
			// the column index is wrong, not that the data is unparsable.
			continue
		}
		total += n
	}
	return total
}

// sumColumn adds a SUM column's values across shards, staying in integer
// form when every contributing value was itself an integer so SUM over an
// int column doesn't grow a spurious ".0" from float round-tripping.
func sumColumn(rows [][][]byte, col int) []byte {
	var total float64
	allInt := true
	anyNonNull := false
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		anyNonNull = true
		if _, err := strconv.ParseInt(string(v), 10, 64); err != nil {
			allInt = false
		}
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			continue
		}
		total += f
	}
	if !anyNonNull {
		return nil
	}
	if allInt {
		return []byte(strconv.FormatInt(int64(total), 10))
	}
	return []byte(fmt.Sprintf("%g", total))
}

func extremeColumn(rows [][][]byte, col int, max bool) []byte {
	var best []byte
	for _, row := range rows {
		v := row[col]
		if v == nil {
			continue
		}
		if best == nil {
			best = v
			continue
		}
		cmp := compareValues(v, best)
		if (max && cmp > 0) || (!max && cmp < 0) {
			best = v
		}
	}
	return best
}
