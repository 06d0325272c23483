// Package router implements SQL-aware routing: parsing a client's query
// with pg_query_go, classifying it, extracting sharding-key values
// against the cluster's ShardingSchema, and converging those values into
// a single Route. Built on pg_query_go's CmdType/TransactionStmtKind
// dispatch.
package router

import (
	"crypto/sha1" //nolint:gosec // Sha1 is a supported, spec-named sharding hasher, not used for security
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DataType names the Postgres column type a sharding key is stored as;
// it governs how a textual/bound parameter value is decoded before
// hashing or range/list comparison.
type DataType int

const (
	TypeBigInt DataType = iota
	TypeInt
	TypeUUID
	TypeVarchar
)

// Hasher selects the value-to-hash function for Hash partitioning.
type Hasher int

const (
	HasherPostgres Hasher = iota
	HasherSha1
)

// PartitionKind selects how a hashed/typed value maps to a shard index.
type PartitionKind int

const (
	PartitionHash PartitionKind = iota
	PartitionList
	PartitionRange
	PartitionCentroids
)

// RangeBound is one [Low, High) shard assignment for Range partitioning.
type RangeBound struct {
	Low, High int64
	Shard     int
}

// Centroid is one reference point for Centroids partitioning (vector
// sharding): the value nearest a centroid (by the configured number of
// probes) is assigned that centroid's shard.
type Centroid struct {
	Shard  int
	Vector []float64
}

// Partition describes how values map to shard indices for one sharded
// column.
type Partition struct {
	Kind     PartitionKind
	Shards   int            // Hash
	ListMap  map[string]int // List: value -> shard
	Ranges   []RangeBound   // Range
	Probes   int            // Centroids
	Centroids []Centroid    // Centroids
}

// Table describes one sharded table's key column and partition strategy.
type Table struct {
	Database  string
	Schema    string
	Name      string
	Column    string
	DataType  DataType
	Hasher    Hasher
	Partition Partition
}

// ShardingSchema is the router's view of cluster topology: which tables
// are sharded (and how), and which tables are replicated identically to
// every shard ("omnisharded").
type ShardingSchema struct {
	Shards int
	Tables []Table
	// Omnisharded lists table names present identically on every shard;
	// the merger forwards only the first shard's rows for these.
	Omnisharded map[string]bool
}

// TableFor looks up the sharding Table whose Name equals name exactly;
// schema-qualified names are not resolved.
func (s ShardingSchema) TableFor(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// ShardForValue applies t's partition strategy to value and returns the
// target shard index, or false if the value can't be classified (e.g. a
// List partition with no matching entry).
func (t Table) ShardForValue(value string) (int, bool) {
	switch t.Partition.Kind {
	case PartitionHash:
		h := t.hash(value)
		if t.Partition.Shards <= 0 {
			return 0, false
		}
		return int(h % uint64(t.Partition.Shards)), true

	case PartitionList:
		shard, ok := t.Partition.ListMap[value]
		return shard, ok

	case PartitionRange:
		n, err := parseInt64(value)
		if err != nil {
			return 0, false
		}
		for _, rb := range t.Partition.Ranges {
			if n >= rb.Low && n < rb.High {
				return rb.Shard, true
			}
		}
		return 0, false

	case PartitionCentroids:
		return t.nearestCentroid(value)

	default:
		return 0, false
	}
}

// hash maps a sharding value to a stable 64-bit hash. For HasherPostgres,
// bigint/int are hashed as their 8-byte big-endian form and varchar/uuid
// as their raw bytes, with xxhash as the mixer; the resulting buckets do
// not match the ones PostgreSQL's own hash partitioning would choose.
func (t Table) hash(value string) uint64 {
	switch t.Hasher {
	case HasherSha1:
		sum := sha1.Sum([]byte(value)) //nolint:gosec
		return binary.BigEndian.Uint64(sum[:8])
	default: // HasherPostgres
		switch t.DataType {
		case TypeBigInt, TypeInt:
			n, err := parseInt64(value)
			if err != nil {
				return xxhash.Sum64String(value)
			}
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(n))
			return xxhash.Sum64(buf[:])
		default:
			return xxhash.Sum64String(value)
		}
	}
}

func (t Table) nearestCentroid(value string) (int, bool) {
	vec, err := parseVector(value)
	if err != nil || len(t.Partition.Centroids) == 0 {
		return 0, false
	}
	best := -1
	bestDist := 0.0
	for i, c := range t.Partition.Centroids {
		d := sqDist(vec, c.Vector)
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}
	if best == -1 {
		return 0, false
	}
	return t.Partition.Centroids[best].Shard, true
}

func sqDist(a, b []float64) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func parseInt64(s string) (int64, error) {
	var n int64
	var neg bool
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	if i == len(s) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("not an integer: %q", s)
		}
		n = n*10 + int64(s[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// parseVector parses a Postgres-vector-literal-style "[1,2,3]" string.
func parseVector(s string) ([]float64, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("not a vector literal: %q", s)
	}
	inner := s[1 : len(s)-1]
	var out []float64
	start := 0
	for i := 0; i <= len(inner); i++ {
		if i == len(inner) || inner[i] == ',' {
			if i > start {
				var f float64
				if _, err := fmt.Sscanf(inner[start:i], "%g", &f); err != nil {
					return nil, err
				}
				out = append(out, f)
			}
			start = i + 1
		}
	}
	return out, nil
}

// converge turns a set of per-key shard decisions into a single Route.
func converge(decisions []int, isAll []bool) Route {
	for _, all := range isAll {
		if all {
			return Route{Kind: RouteAll}
		}
	}
	if len(decisions) == 0 {
		return Route{Kind: RouteAll}
	}

	seen := make(map[int]bool, len(decisions))
	unique := make([]int, 0, len(decisions))
	for _, d := range decisions {
		if !seen[d] {
			seen[d] = true
			unique = append(unique, d)
		}
	}
	sort.Ints(unique)

	if len(unique) == 1 {
		return Route{Kind: RouteDirect, Shards: unique}
	}
	return Route{Kind: RouteMulti, Shards: unique}
}
