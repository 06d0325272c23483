package cluster

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/shardgate/shardgate/internal/wire"
)

var errShortDataRow = errors.New("short DataRow body")

// parseLSNProbe extracts (in_recovery, lsn) from the DataRow produced by
// "SELECT pg_is_in_recovery(), pg_current_wal_lsn()", both returned in
// PostgreSQL's default text format. pg_current_wal_lsn() returns NULL on
// a replica that hasn't replayed anything yet; that row is treated as
// LSN 0, never selected as the reprobe's best candidate unless nothing
// else has recovery=false.
func parseLSNProbe(msgs []wire.Message) (inRecovery bool, lsn uint64, ok bool) {
	for _, m := range msgs {
		if m.Tag != wire.DataRow {
			continue
		}
		fields, ferr := parseTextDataRow(m.Body)
		if ferr != nil || len(fields) != 2 {
			return false, 0, false
		}
		inRecovery = fields[0] == "t"
		if fields[1] == "" {
			return inRecovery, 0, true
		}
		lsn = parsePGLSN(fields[1])
		return inRecovery, lsn, true
	}
	return false, 0, false
}

// parseTextDataRow decodes a DataRow body (Int16 field count, then
// per-field Int32 length + bytes, -1 length meaning SQL NULL) into a
// slice of Go strings ("" for NULL).
func parseTextDataRow(body []byte) ([]string, error) {
	if len(body) < 2 {
		return nil, errShortDataRow
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	out := make([]string, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+4 > len(body) {
			return nil, errShortDataRow
		}
		flen := int32(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
		if flen < 0 {
			out = append(out, "")
			continue
		}
		if off+int(flen) > len(body) {
			return nil, errShortDataRow
		}
		out = append(out, string(body[off:off+int(flen)]))
		off += int(flen)
	}
	return out, nil
}

// parsePGLSN parses a "XXXXXXXX/XXXXXXXX" WAL LSN into a single
// comparable uint64 (high 32 bits from the segment, low 32 from the
// offset), matching PostgreSQL's own internal representation.
func parsePGLSN(s string) uint64 {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			hi, err1 := strconv.ParseUint(s[:i], 16, 32)
			lo, err2 := strconv.ParseUint(s[i+1:], 16, 32)
			if err1 != nil || err2 != nil {
				return 0
			}
			return hi<<32 | lo
		}
	}
	return 0
}

