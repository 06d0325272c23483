package rewrite

import (
	"strings"
	"testing"

	"github.com/shardgate/shardgate/internal/router"
)

func testTable() router.Table {
	return router.Table{
		Name:     "sharded",
		Column:   "id",
		DataType: router.TypeBigInt,
		Partition: router.Partition{
			Kind:    router.PartitionList,
			ListMap: map[string]int{"1": 0, "11": 1},
		},
	}
}

func TestSplitInsertGroupsRowsByShard(t *testing.T) {
	sql := "INSERT INTO sharded (id, value) VALUES (1, 'one'), (11, 'eleven')"
	out, err := SplitInsert(sql, "sharded", testTable())
	if err != nil {
		t.Fatalf("SplitInsert: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 shards, got %d: %v", len(out), out)
	}
	if !strings.Contains(out[0], "'one'") || strings.Contains(out[0], "'eleven'") {
		t.Errorf("shard 0 SQL should contain only 'one': %s", out[0])
	}
	if !strings.Contains(out[1], "'eleven'") || strings.Contains(out[1], "'one'") {
		t.Errorf("shard 1 SQL should contain only 'eleven': %s", out[1])
	}
}

func TestSplitInsertErrorsWithoutShardColumn(t *testing.T) {
	sql := "INSERT INTO sharded (value) VALUES ('one')"
	_, err := SplitInsert(sql, "sharded", testTable())
	if err == nil {
		t.Fatal("expected error when sharding column is absent from the column list")
	}
}
