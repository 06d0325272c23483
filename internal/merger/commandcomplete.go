package merger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shardgate/shardgate/internal/wire"
)

// ParseCommandComplete splits a CommandComplete tag ("INSERT 0 3", "SELECT
// 10", "CREATE TABLE") into its command word and trailing row count, if
// any.
func ParseCommandComplete(body []byte) (command string, rowCount int64, hasCount bool) {
	tag := strings.TrimRight(string(body), "\x00")
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return "", 0, false
	}
	last := fields[len(fields)-1]
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil || len(fields) < 2 {
		return tag, 0, false
	}
	if fields[0] == "INSERT" && len(fields) == 3 {
		// "INSERT 0 3": the middle field is a legacy OID placeholder, not
		// part of the command word.
		return "INSERT", n, true
	}
	return strings.Join(fields[:len(fields)-1], " "), n, true
}

// BuildCommandComplete re-encodes a command word and row count (INSERT's
// tag carries a leading "0" object-id placeholder for compatibility with
// clients that still parse it, per the wire protocol's legacy format).
func BuildCommandComplete(command string, rowCount int64) wire.Message {
	var tag string
	if command == "INSERT" {
		tag = fmt.Sprintf("INSERT 0 %d", rowCount)
	} else {
		tag = fmt.Sprintf("%s %d", command, rowCount)
	}
	return wire.Message{Tag: wire.CommandComplete, Body: append([]byte(tag), 0)}
}

// BuildCommandCompleteTag re-encodes a verbatim tag with no row count
// (e.g. "CREATE TABLE", "BEGIN").
func BuildCommandCompleteTag(tag string) wire.Message {
	return wire.Message{Tag: wire.CommandComplete, Body: append([]byte(tag), 0)}
}
