// Package merger combines the per-shard backend response streams
// produced by a Multi or All route into the single stream the client
// expects, per message kind: RowDescription columns must agree across
// shards, DataRow rows are forwarded (deduplicated for omnisharded
// tables), CommandComplete row counts are summed, ReadyForQuery statuses
// are reduced to one, and ErrorResponse is held until every shard has
// replied.
package merger

import (
	"encoding/binary"

	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/wire"
)

// FieldDesc is one column descriptor from a RowDescription message.
type FieldDesc struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	TypeOID      uint32
	TypeSize     int16
	TypeMod      int32
	FormatCode   int16
}

// ParseRowDescription decodes a RowDescription message body into its
// field descriptors.
func ParseRowDescription(body []byte) ([]FieldDesc, error) {
	if len(body) < 2 {
		return nil, perror.OutOfSync(wire.RowDescription)
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	fields := make([]FieldDesc, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		name, next, ok := readCString(body, off)
		if !ok {
			return nil, perror.OutOfSync(wire.RowDescription)
		}
		off = next
		if off+18 > len(body) {
			return nil, perror.OutOfSync(wire.RowDescription)
		}
		fd := FieldDesc{
			Name:       name,
			TableOID:   binary.BigEndian.Uint32(body[off:]),
			ColumnAttr: int16(binary.BigEndian.Uint16(body[off+4:])),
			TypeOID:    binary.BigEndian.Uint32(body[off+6:]),
			TypeSize:   int16(binary.BigEndian.Uint16(body[off+10:])),
			TypeMod:    int32(binary.BigEndian.Uint32(body[off+12:])),
			FormatCode: int16(binary.BigEndian.Uint16(body[off+16:])),
		}
		off += 18
		fields = append(fields, fd)
	}
	return fields, nil
}

// BuildRowDescription encodes fields back into a RowDescription message.
func BuildRowDescription(fields []FieldDesc) wire.Message {
	buf := make([]byte, 2, 64)
	binary.BigEndian.PutUint16(buf, uint16(len(fields)))
	for _, f := range fields {
		buf = append(buf, f.Name...)
		buf = append(buf, 0)
		var rest [18]byte
		binary.BigEndian.PutUint32(rest[0:], f.TableOID)
		binary.BigEndian.PutUint16(rest[4:], uint16(f.ColumnAttr))
		binary.BigEndian.PutUint32(rest[6:], f.TypeOID)
		binary.BigEndian.PutUint16(rest[10:], uint16(f.TypeSize))
		binary.BigEndian.PutUint32(rest[12:], uint32(f.TypeMod))
		binary.BigEndian.PutUint16(rest[16:], uint16(f.FormatCode))
		buf = append(buf, rest[:]...)
	}
	return wire.Message{Tag: wire.RowDescription, Body: buf}
}

// SameShape reports whether two RowDescriptions describe the same columns
// (name, type, format) — shards are expected to agree exactly.
func SameShape(a, b []FieldDesc) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].TypeOID != b[i].TypeOID || a[i].FormatCode != b[i].FormatCode {
			return false
		}
	}
	return true
}

// ParseDataRow decodes a DataRow message body into its field values (nil
// entry for SQL NULL).
func ParseDataRow(body []byte) ([][]byte, error) {
	if len(body) < 2 {
		return nil, perror.OutOfSync(wire.DataRow)
	}
	n := int(binary.BigEndian.Uint16(body[:2]))
	out := make([][]byte, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+4 > len(body) {
			return nil, perror.OutOfSync(wire.DataRow)
		}
		flen := int32(binary.BigEndian.Uint32(body[off:]))
		off += 4
		if flen < 0 {
			out = append(out, nil)
			continue
		}
		if off+int(flen) > len(body) {
			return nil, perror.OutOfSync(wire.DataRow)
		}
		out = append(out, body[off:off+int(flen)])
		off += int(flen)
	}
	return out, nil
}

// BuildDataRow encodes values back into a DataRow message.
func BuildDataRow(values [][]byte) wire.Message {
	buf := make([]byte, 2, 64)
	binary.BigEndian.PutUint16(buf, uint16(len(values)))
	var lenBuf [4]byte
	for _, v := range values {
		if v == nil {
			binary.BigEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
			buf = append(buf, lenBuf[:]...)
			continue
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, v...)
	}
	return wire.Message{Tag: wire.DataRow, Body: buf}
}

func readCString(body []byte, off int) (string, int, bool) {
	for i := off; i < len(body); i++ {
		if body[i] == 0 {
			return string(body[off:i]), i + 1, true
		}
	}
	return "", 0, false
}
