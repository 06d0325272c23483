package rewrite

import (
	"strings"
	"testing"

	"github.com/shardgate/shardgate/internal/router"
)

func TestBuildShardKeyPlanProducesSelectAndDelete(t *testing.T) {
	plan := &router.ShardKeyUpdatePlan{Table: "sharded_list", Column: "id"}
	err := BuildShardKeyPlan("UPDATE sharded_list SET id = 11 WHERE id = 1", plan)
	if err != nil {
		t.Fatalf("BuildShardKeyPlan: %v", err)
	}
	if !strings.Contains(plan.SelectSQL, "sharded_list") || !strings.Contains(plan.SelectSQL, "1") {
		t.Errorf("unexpected SelectSQL: %s", plan.SelectSQL)
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(plan.DeleteSQL)), "DELETE") {
		t.Errorf("unexpected DeleteSQL: %s", plan.DeleteSQL)
	}
	if plan.InsertSQLFor == nil {
		t.Fatal("InsertSQLFor should be set")
	}
	insert := plan.InsertSQLFor([]string{"id", "value"}, []string{"11", "old"})
	if !strings.Contains(insert, `"sharded_list"`) || !strings.Contains(insert, "'old'") {
		t.Errorf("unexpected generated INSERT: %s", insert)
	}
}

func TestBuildShardKeyPlanRejectsNonUpdate(t *testing.T) {
	plan := &router.ShardKeyUpdatePlan{}
	if err := BuildShardKeyPlan("SELECT 1", plan); err == nil {
		t.Fatal("expected error for non-UPDATE statement")
	}
}
