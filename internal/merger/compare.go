package merger

import (
	"bytes"
	"strconv"
)

// compareValues orders two column values the way Postgres would for ORDER
// BY and MIN/MAX: numerically when both parse as a number, lexically
// otherwise. A plain bytes.Compare on numeric text sorts "10" before "9",
// which is wrong for every numeric column type.
func compareValues(a, b []byte) int {
	af, aerr := strconv.ParseFloat(string(a), 64)
	bf, berr := strconv.ParseFloat(string(b), 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a, b)
}
