package merger

import (
	"sort"

	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/router"
	"github.com/shardgate/shardgate/internal/wire"
)

// Config describes how one query's responses should be combined.
type Config struct {
	// Omni marks a query against a table replicated identically on every
	// shard: only the first shard to respond contributes rows.
	Omni bool
	// AvgPlans holds the helper-column plans the router attached when it
	// rewrote a SELECT AVG(col) into SELECT AVG(col), COUNT(col).
	AvgPlans []router.AvgRewrite
	// AggPlans marks projection columns as bare COUNT/SUM/MIN/MAX
	// aggregates: the per-shard rows collapse into one row, combining each
	// such column across shards instead of forwarding one row per shard.
	AggPlans []router.AggRewrite
	// OrderBy, when non-empty and no AvgPlans/AggPlans require a collapse
	// to a single row, makes the merger buffer every shard's rows and emit
	// them in this sort order instead of arrival order. This trades a true
	// per-shard-cursor streaming k-way merge for a simpler buffer-then-sort
	// pass: correct, but it doesn't start emitting rows until every shard's
	// result set is fully buffered.
	OrderBy []router.OrderKey
}

// Merger combines per-shard backend message streams for one query into
// the single stream the client expects. Feed is called once per message
// per shard, in whatever order they arrive; the returned messages should
// be written to the client immediately. Done reports whether the query is
// fully merged (a final ReadyForQuery has been produced).
type Merger struct {
	cfg       Config
	numShards int

	rowDesc     []FieldDesc
	haveRowDesc bool

	buffering   bool // AvgPlans, AggPlans or OrderBy set: rows must be buffered, not streamed
	primaryShard int // set to the first shard to emit anything; -1 until then
	rowsByShard map[int][][][]byte

	cmdCommand  string
	cmdTotal    int64
	cmdHasCount bool
	cmdSeen     int

	rfqStatuses []byte
	rfqSeen     int

	firstErrMsg *[]byte

	done bool
}

// New creates a Merger for a query fanned out to numShards backends.
func New(numShards int, cfg Config) *Merger {
	return &Merger{
		cfg:          cfg,
		numShards:    numShards,
		buffering:    len(cfg.AvgPlans) > 0 || len(cfg.AggPlans) > 0 || len(cfg.OrderBy) > 0,
		primaryShard: -1,
		rowsByShard:  make(map[int][][][]byte),
	}
}

// Done reports whether the merged ReadyForQuery has already been emitted.
func (m *Merger) Done() bool { return m.done }

// Feed processes one message received from shardIdx and returns the
// messages (possibly none) that should be forwarded to the client now.
func (m *Merger) Feed(shardIdx int, msg wire.Message) ([]wire.Message, error) {
	if m.primaryShard == -1 {
		m.primaryShard = shardIdx
	}

	switch msg.Tag {
	case wire.RowDescription:
		return m.feedRowDescription(shardIdx, msg)
	case wire.DataRow:
		return m.feedDataRow(shardIdx, msg)
	case wire.CommandComplete:
		return m.feedCommandComplete(msg)
	case wire.ErrorResponse:
		if m.firstErrMsg == nil {
			body := append([]byte(nil), msg.Body...)
			m.firstErrMsg = &body
		}
		return nil, nil
	case wire.ReadyForQuery:
		return m.feedReadyForQuery(msg)
	default:
		// CopyInResponse/CopyOutResponse and anything else: shards are
		// expected to agree, forward the first occurrence only.
		if shardIdx == m.primaryShard {
			return []wire.Message{msg}, nil
		}
		return nil, nil
	}
}

func (m *Merger) feedRowDescription(shardIdx int, msg wire.Message) ([]wire.Message, error) {
	fields, err := ParseRowDescription(msg.Body)
	if err != nil {
		return nil, err
	}
	if !m.haveRowDesc {
		m.rowDesc = fields
		m.haveRowDesc = true
		if m.buffering {
			return nil, nil
		}
		return []wire.Message{BuildRowDescription(dropHelperColumns(fields, m.cfg.AvgPlans))}, nil
	}
	if !SameShape(fields, m.rowDesc) {
		return nil, perror.InconsistentRowDescription()
	}
	return nil, nil
}

func (m *Merger) feedDataRow(shardIdx int, msg wire.Message) ([]wire.Message, error) {
	values, err := ParseDataRow(msg.Body)
	if err != nil {
		return nil, err
	}

	if m.buffering {
		m.rowsByShard[shardIdx] = append(m.rowsByShard[shardIdx], values)
		return nil, nil
	}

	if m.cfg.Omni && shardIdx != m.primaryShard {
		return nil, nil
	}
	return []wire.Message{BuildDataRow(values)}, nil
}

func (m *Merger) feedCommandComplete(msg wire.Message) ([]wire.Message, error) {
	cmd, count, hasCount := ParseCommandComplete(msg.Body)
	m.cmdCommand = cmd
	m.cmdHasCount = hasCount
	if hasCount && !(m.cfg.Omni) {
		m.cmdTotal += count
	} else if hasCount {
		// Omni writes: every shard applies the identical statement, so
		// only the first shard's count is meaningful.
		if m.cmdSeen == 0 {
			m.cmdTotal = count
		}
	}
	m.cmdSeen++
	return nil, nil
}

func (m *Merger) feedReadyForQuery(msg wire.Message) ([]wire.Message, error) {
	if len(msg.Body) < 1 {
		return nil, perror.OutOfSync(wire.ReadyForQuery)
	}
	m.rfqStatuses = append(m.rfqStatuses, msg.Body[0])
	m.rfqSeen++
	if m.rfqSeen < m.numShards {
		return nil, nil
	}

	var out []wire.Message

	if m.firstErrMsg != nil {
		out = append(out, wire.Message{Tag: wire.ErrorResponse, Body: *m.firstErrMsg})
	} else if m.buffering {
		rows, err := m.mergeBufferedRows()
		if err != nil {
			return nil, err
		}
		out = append(out, BuildRowDescription(dropHelperColumns(m.rowDesc, m.cfg.AvgPlans)))
		out = append(out, rows...)
	}

	if m.cmdHasCount {
		out = append(out, BuildCommandComplete(m.cmdCommand, m.cmdTotal))
	} else if m.cmdSeen > 0 {
		out = append(out, BuildCommandCompleteTag(m.cmdCommand))
	}

	out = append(out, wire.Message{Tag: wire.ReadyForQuery, Body: []byte{mergeStatus(m.firstErrMsg != nil, m.rfqStatuses)}})
	m.done = true
	return out, nil
}

func mergeStatus(errPresent bool, statuses []byte) byte {
	if errPresent {
		return wire.TxError
	}
	hasBlock := false
	hasErr := false
	for _, s := range statuses {
		switch s {
		case wire.TxBlock:
			hasBlock = true
		case wire.TxError:
			hasErr = true
		}
	}
	if hasBlock {
		return wire.TxBlock
	}
	if hasErr {
		return wire.TxError
	}
	return wire.TxIdle
}

// mergeBufferedRows applies AVG/aggregate post-processing and/or ORDER BY
// sorting to the rows buffered from every shard, then encodes them as
// DataRow messages with helper columns dropped. An AVG or bare-aggregate
// plan collapses every shard's row down to exactly one merged row, so ORDER
// BY only ever sorts when neither is present — a single merged row needs no
// sorting.
func (m *Merger) mergeBufferedRows() ([]wire.Message, error) {
	var allRows [][][]byte
	shardIdxs := make([]int, 0, len(m.rowsByShard))
	for s := range m.rowsByShard {
		shardIdxs = append(shardIdxs, s)
	}
	sort.Ints(shardIdxs)
	for _, s := range shardIdxs {
		allRows = append(allRows, m.rowsByShard[s]...)
	}

	if len(m.cfg.AvgPlans) > 0 || len(m.cfg.AggPlans) > 0 {
		merged, err := mergeAggregateRows(allRows, m.cfg.AvgPlans, m.cfg.AggPlans)
		if err != nil {
			return nil, err
		}
		allRows = merged
		// The buffered rows collapsed from numShards rows down to this
		// many; the CommandComplete tag must report the merged count, not
		// feedCommandComplete's naive per-shard sum.
		m.cmdTotal = int64(len(allRows))
	} else if len(m.cfg.OrderBy) > 0 {
		sortRows(allRows, m.cfg.OrderBy)
	}

	out := make([]wire.Message, 0, len(allRows))
	for _, row := range allRows {
		out = append(out, BuildDataRow(dropHelperValues(row, m.cfg.AvgPlans)))
	}
	return out, nil
}

func sortRows(rows [][][]byte, keys []router.OrderKey) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			cmp := compareValues(rows[i][k.Column], rows[j][k.Column])
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

