package router

import (
	"regexp"
	"strconv"
	"strings"
)

// shardPinRe matches the `/* shardgate_shard: N */` override comment a
// client can prepend to force routing to a specific shard.
var shardPinRe = regexp.MustCompile(`/\*\s*shardgate_shard:\s*(\d+)\s*\*/`)

// shardPin extracts a manual Direct(N) override from a shardgate_shard
// comment anywhere in sql, if present.
func shardPin(sql string) (shard int, ok bool) {
	m := shardPinRe.FindStringSubmatch(sql)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// searchPathShard routes Direct(N) if search_path names a schema matching
// "shard_<N>". The first such match in the comma-separated path wins.
var shardSchemaRe = regexp.MustCompile(`^shard_(\d+)$`)

func searchPathShard(searchPath string) (shard int, ok bool) {
	for _, part := range strings.Split(searchPath, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `"`)
		if m := shardSchemaRe.FindStringSubmatch(part); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
