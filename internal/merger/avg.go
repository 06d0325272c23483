package merger

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shardgate/shardgate/internal/router"
)

// avgPositions returns, for each plan, the final 0-based column index of
// the AVG expression and its paired helper COUNT column in the rewritten
// projection. The router inserts each helper column immediately after its
// AVG column's original position (router.go's planAvgRewrite), so every
// earlier plan's helper column shifts a later plan's columns right by one.
func avgPositions(plans []router.AvgRewrite) (avgPos, helperPos []int) {
	sorted := make([]router.AvgRewrite, len(plans))
	copy(sorted, plans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ResultIndex < sorted[j].ResultIndex })

	avgPos = make([]int, len(sorted))
	helperPos = make([]int, len(sorted))
	for i, p := range sorted {
		avgPos[i] = p.ResultIndex + i
		helperPos[i] = p.ResultIndex + i + 1
	}
	return avgPos, helperPos
}

// dropHelperColumns removes the synthetic COUNT(col) helper fields the
// router inserted, leaving the RowDescription the client originally asked
// for.
func dropHelperColumns(fields []FieldDesc, plans []router.AvgRewrite) []FieldDesc {
	if len(plans) == 0 {
		return fields
	}
	_, helperPos := avgPositions(plans)
	drop := make(map[int]bool, len(helperPos))
	for _, p := range helperPos {
		drop[p] = true
	}
	out := make([]FieldDesc, 0, len(fields)-len(helperPos))
	for i, f := range fields {
		if !drop[i] {
			out = append(out, f)
		}
	}
	return out
}

// dropHelperValues strips the helper COUNT values from one merged row,
// mirroring dropHelperColumns.
func dropHelperValues(row [][]byte, plans []router.AvgRewrite) [][]byte {
	if len(plans) == 0 {
		return row
	}
	_, helperPos := avgPositions(plans)
	drop := make(map[int]bool, len(helperPos))
	for _, p := range helperPos {
		drop[p] = true
	}
	out := make([][]byte, 0, len(row)-len(helperPos))
	for i, v := range row {
		if !drop[i] {
			out = append(out, v)
		}
	}
	return out
}

// mergeAvgInto writes each AVG column's count-weighted mean across shards
// — sum(avg_i * count_i) / sum(count_i) — directly into merged, the shared
// base row mergeAggregateRows builds from rows[0]. It only ever touches
// the AVG/helper columns it owns, leaving every other column (including
// ones mergeAggInto owns) untouched.
func mergeAvgInto(merged [][]byte, rows [][][]byte, plans []router.AvgRewrite) error {
	if len(rows) == 0 || len(plans) == 0 {
		return nil
	}
	avgPos, helperPos := avgPositions(plans)

	for i := range plans {
		var weightedSum float64
		var totalCount int64
		anyNonNull := false
		for _, row := range rows {
			countBytes := row[helperPos[i]]
			if countBytes == nil {
				continue
			}
			count, err := strconv.ParseInt(string(countBytes), 10, 64)
			if err != nil {
				return fmt.Errorf("merger: malformed helper count column: %w", err)
			}
			if count == 0 {
				continue
			}
			avgBytes := row[avgPos[i]]
			if avgBytes == nil {
				continue
			}
			avg, err := strconv.ParseFloat(string(avgBytes), 64)
			if err != nil {
				return fmt.Errorf("merger: malformed avg column: %w", err)
			}
			weightedSum += avg * float64(count)
			totalCount += count
			anyNonNull = true
		}
		if !anyNonNull {
			merged[avgPos[i]] = nil
			continue
		}
		merged[avgPos[i]] = []byte(strconv.FormatFloat(weightedSum/float64(totalCount), 'f', -1, 64))
	}

	return nil
}
