package merger

import (
	"testing"

	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

func rowDesc(names ...string) wire.Message {
	fields := make([]FieldDesc, len(names))
	for i, n := range names {
		fields[i] = FieldDesc{Name: n, TypeOID: 25}
	}
	return BuildRowDescription(fields)
}

func dataRow(values ...string) wire.Message {
	vs := make([][]byte, len(values))
	for i, v := range values {
		vs[i] = []byte(v)
	}
	return BuildDataRow(vs)
}

func cmdComplete(tag string) wire.Message {
	return wire.Message{Tag: wire.CommandComplete, Body: append([]byte(tag), 0)}
}

func rfq(status byte) wire.Message {
	return wire.Message{Tag: wire.ReadyForQuery, Body: []byte{status}}
}

func feedAll(t *testing.T, m *Merger, shard int, msgs ...wire.Message) []wire.Message {
	t.Helper()
	var out []wire.Message
	for _, msg := range msgs {
		got, err := m.Feed(shard, msg)
		if err != nil {
			t.Fatalf("Feed shard %d %c: %v", shard, msg.Tag, err)
		}
		out = append(out, got...)
	}
	return out
}

func TestBroadcastSelectForwardsRowsFromEveryShard(t *testing.T) {
	m := New(2, Config{})

	var out []wire.Message
	out = append(out, feedAll(t, m, 0, rowDesc("id", "name"), dataRow("1", "a"))...)
	out = append(out, feedAll(t, m, 1, rowDesc("id", "name"), dataRow("2", "b"))...)
	out = append(out, feedAll(t, m, 0, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...)
	out = append(out, feedAll(t, m, 1, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...)

	if !m.Done() {
		t.Fatal("expected merger to be done")
	}

	var dataRows int
	var finalTag string
	for _, msg := range out {
		switch msg.Tag {
		case wire.DataRow:
			dataRows++
		case wire.CommandComplete:
			cmd, n, ok := ParseCommandComplete(msg.Body)
			if !ok || cmd != "SELECT" || n != 2 {
				t.Fatalf("unexpected CommandComplete %q %d %v", cmd, n, ok)
			}
			finalTag = cmd
		}
	}
	if dataRows != 2 {
		t.Fatalf("expected 2 rows, got %d", dataRows)
	}
	if finalTag != "SELECT" {
		t.Fatalf("expected SELECT tag, got %q", finalTag)
	}
}

func TestOmniQueryOnlyForwardsFirstShardRows(t *testing.T) {
	m := New(2, Config{Omni: true})

	var out []wire.Message
	out = append(out, feedAll(t, m, 0, rowDesc("id"), dataRow("1"), dataRow("2"))...)
	out = append(out, feedAll(t, m, 1, rowDesc("id"), dataRow("1"), dataRow("2"))...)
	out = append(out, feedAll(t, m, 0, cmdComplete("SELECT 2"), rfq(wire.TxIdle))...)
	out = append(out, feedAll(t, m, 1, cmdComplete("SELECT 2"), rfq(wire.TxIdle))...)

	var dataRows int
	for _, msg := range out {
		if msg.Tag == wire.DataRow {
			dataRows++
		}
	}
	if dataRows != 2 {
		t.Fatalf("expected 2 rows from the single contributing shard, got %d", dataRows)
	}
}

func TestInsertRowCountsSumAcrossShards(t *testing.T) {
	m := New(3, Config{})

	var out []wire.Message
	for shard := 0; shard < 3; shard++ {
		out = append(out, feedAll(t, m, shard, cmdComplete("INSERT 0 1"), rfq(wire.TxIdle))...)
	}

	var total int64
	var found bool
	for _, msg := range out {
		if msg.Tag == wire.CommandComplete {
			cmd, n, ok := ParseCommandComplete(msg.Body)
			if cmd != "INSERT" || !ok {
				t.Fatalf("unexpected tag %q %v", cmd, ok)
			}
			total = n
			found = true
		}
	}
	if !found || total != 3 {
		t.Fatalf("expected summed INSERT count 3, got %d (found=%v)", total, found)
	}
}

func TestReadyForQueryStatusPrefersOpenTransaction(t *testing.T) {
	m := New(2, Config{})
	feedAll(t, m, 0, cmdComplete("BEGIN"))
	out1 := feedAll(t, m, 0, rfq(wire.TxBlock))
	if len(out1) != 0 {
		t.Fatalf("expected no output before all shards report, got %v", out1)
	}
	out2 := feedAll(t, m, 1, rfq(wire.TxIdle))

	status := lastReadyForQueryStatus(t, out2)
	if status != wire.TxBlock {
		t.Fatalf("expected merged status T, got %c", status)
	}
}

func TestReadyForQueryStatusSurfacesErrorFromAnyShard(t *testing.T) {
	m := New(2, Config{})
	feedAll(t, m, 0, rfq(wire.TxIdle))
	out := feedAll(t, m, 1, wire.Message{Tag: wire.ErrorResponse, Body: wire.BuildErrorResponse("ERROR", "42601", "boom").Body}, rfq(wire.TxError))

	var sawError bool
	for _, msg := range out {
		if msg.Tag == wire.ErrorResponse {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected ErrorResponse to be forwarded")
	}
	if status := lastReadyForQueryStatus(t, out); status != wire.TxError {
		t.Fatalf("expected merged status E, got %c", status)
	}
}

func TestAvgAcrossShardsComputesWeightedMean(t *testing.T) {
	plans := []router.AvgRewrite{{AvgColumn: "score", HelperColumn: "__shardgate_count_0", ResultIndex: 0}}
	m := New(2, Config{AvgPlans: plans})

	// Shard 0: avg=10 over 2 rows. Shard 1: avg=20 over 1 row.
	// Weighted mean = (10*2 + 20*1) / 3 = 13.333...
	feedAll(t, m, 0, rowDesc("score", "__shardgate_count_0"), dataRow("10", "2"))
	feedAll(t, m, 1, rowDesc("score", "__shardgate_count_0"), dataRow("20", "1"))
	out := append(
		feedAll(t, m, 0, cmdComplete("SELECT 1"), rfq(wire.TxIdle)),
		feedAll(t, m, 1, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...,
	)

	var sawHelperColumn bool
	var rows int
	for _, msg := range out {
		switch msg.Tag {
		case wire.RowDescription:
			fields, err := ParseRowDescription(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			if len(fields) != 1 || fields[0].Name != "score" {
				t.Fatalf("expected helper column dropped, got %+v", fields)
			}
		case wire.DataRow:
			rows++
			values, err := ParseDataRow(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			if len(values) != 1 {
				sawHelperColumn = true
			}
			got := string(values[0])
			if got != "13.333333333333334" {
				t.Fatalf("unexpected weighted mean %q", got)
			}
		}
	}
	if rows != 1 {
		t.Fatalf("expected AVG rewrite to collapse to one row, got %d", rows)
	}
	if sawHelperColumn {
		t.Fatal("helper column leaked into merged row")
	}
}

func TestBareCountAcrossShardsCollapsesToOneRow(t *testing.T) {
	plans := []router.AggRewrite{{Kind: router.AggCount, ResultIndex: 0}}
	m := New(2, Config{AggPlans: plans})

	feedAll(t, m, 0, rowDesc("count"), dataRow("3"))
	feedAll(t, m, 1, rowDesc("count"), dataRow("5"))
	out := append(
		feedAll(t, m, 0, cmdComplete("SELECT 1"), rfq(wire.TxIdle)),
		feedAll(t, m, 1, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...,
	)

	var rows int
	var tag string
	var tagCount int64
	for _, msg := range out {
		switch msg.Tag {
		case wire.DataRow:
			rows++
			values, err := ParseDataRow(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			if string(values[0]) != "8" {
				t.Fatalf("expected combined count 8, got %q", values[0])
			}
		case wire.CommandComplete:
			cmd, n, ok := ParseCommandComplete(msg.Body)
			if !ok {
				t.Fatal("expected CommandComplete tag to parse")
			}
			tag, tagCount = cmd, n
		}
	}
	if rows != 1 {
		t.Fatalf("expected exactly one merged row, got %d", rows)
	}
	if tag != "SELECT" || tagCount != 1 {
		t.Fatalf("expected SELECT 1 tag reflecting the merged row count, got %q %d", tag, tagCount)
	}
}

func TestMaxAcrossShardsPicksLargestNumerically(t *testing.T) {
	plans := []router.AggRewrite{{Kind: router.AggMax, ResultIndex: 0}}
	m := New(2, Config{AggPlans: plans})

	feedAll(t, m, 0, rowDesc("max"), dataRow("9"))
	feedAll(t, m, 1, rowDesc("max"), dataRow("10"))
	out := append(
		feedAll(t, m, 0, cmdComplete("SELECT 1"), rfq(wire.TxIdle)),
		feedAll(t, m, 1, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...,
	)

	var got string
	for _, msg := range out {
		if msg.Tag == wire.DataRow {
			values, err := ParseDataRow(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			got = string(values[0])
		}
	}
	if got != "10" {
		t.Fatalf("expected numeric max 10, not lexical, got %q", got)
	}
}

func TestOrderBySortsNumericallyNotLexically(t *testing.T) {
	m := New(1, Config{OrderBy: []router.OrderKey{{Column: 0}}})

	feedAll(t, m, 0, rowDesc("id"), dataRow("9"), dataRow("10"), dataRow("2"))
	out := feedAll(t, m, 0, cmdComplete("SELECT 3"), rfq(wire.TxIdle))

	var got []string
	for _, msg := range out {
		if msg.Tag == wire.DataRow {
			values, err := ParseDataRow(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, string(values[0]))
		}
	}
	want := []string{"2", "9", "10"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOrderByMergesAcrossShardsInSortOrder(t *testing.T) {
	m := New(2, Config{OrderBy: []router.OrderKey{{Column: 0}}})

	feedAll(t, m, 0, rowDesc("id"), dataRow("3"), dataRow("1"))
	feedAll(t, m, 1, rowDesc("id"), dataRow("2"))
	out := append(
		feedAll(t, m, 0, cmdComplete("SELECT 2"), rfq(wire.TxIdle)),
		feedAll(t, m, 1, cmdComplete("SELECT 1"), rfq(wire.TxIdle))...,
	)

	var got []string
	for _, msg := range out {
		if msg.Tag == wire.DataRow {
			values, err := ParseDataRow(msg.Body)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, string(values[0]))
		}
	}
	want := []string{"1", "2", "3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestInconsistentRowDescriptionAcrossShardsErrors(t *testing.T) {
	m := New(2, Config{})
	feedAll(t, m, 0, rowDesc("id", "name"))
	_, err := m.Feed(1, rowDesc("id"))
	if err == nil {
		t.Fatal("expected an error for mismatched shapes")
	}
}

func lastReadyForQueryStatus(t *testing.T, msgs []wire.Message) byte {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Tag == wire.ReadyForQuery {
			return msgs[i].Body[0]
		}
	}
	t.Fatal("no ReadyForQuery in output")
	return 0
}
