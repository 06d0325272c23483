// Package mirror asynchronously replays a sampled fraction of client
// statements against a second cluster, for testing a new topology or
// shard layout against live traffic without risking the primary path.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shardgate/shardgate/internal/cluster"
	"github.com/shardgate/shardgate/internal/perror"
	"github.com/shardgate/shardgate/internal/wire"
)

// Config holds the mirror's sampling and queueing tunables.
type Config struct {
	// Exposure is the fraction of observed statements, in [0,1], that get
	// queued for replay. 0 disables mirroring without needing a nil
	// Handler at the call site.
	Exposure float64
	// QueueDepth bounds the replay queue; a full queue drops the
	// statement rather than blocking the client's hot path.
	QueueDepth int
}

// ErrorType classifies a replay failure for the dropped/error counters.
type ErrorType int

const (
	ErrorOther ErrorType = iota
	ErrorTimeout
	ErrorConnection
	ErrorProtocol
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTimeout:
		return "timeout"
	case ErrorConnection:
		return "connection"
	case ErrorProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Counts is a point-in-time snapshot of a Handler's stats.
type Counts struct {
	Total    int64
	Mirrored int64
	Dropped  int64
	Errors   map[ErrorType]int64
}

// Handler samples client statements and replays them against a
// destination Cluster on a background goroutine. The zero value is not
// usable; construct with New.
type Handler struct {
	dest     *cluster.Cluster
	exposure float64
	queue    chan string

	rngMu sync.Mutex
	rng   *rand.Rand

	total    int64
	mirrored int64
	dropped  int64
	errMu    sync.Mutex
	errors   map[ErrorType]int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Handler replaying sampled statements against dest, and
// starts its background replay goroutine.
func New(dest *cluster.Cluster, cfg Config) *Handler {
	h := &Handler{
		dest:     dest,
		exposure: cfg.Exposure,
		queue:    make(chan string, cfg.QueueDepth),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		errors:   make(map[ErrorType]int64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Observe implements engine.Mirror: it samples sql by exposure and, if
// selected, enqueues it for replay. A full queue drops the statement
// instead of blocking the caller.
func (h *Handler) Observe(sql string) {
	h.total++
	if h.exposure <= 0 {
		return
	}
	if h.exposure < 1 {
		h.rngMu.Lock()
		roll := h.rng.Float64()
		h.rngMu.Unlock()
		if roll >= h.exposure {
			return
		}
	}
	select {
	case h.queue <- sql:
	default:
		h.dropped++
	}
}

// Stop ends the replay goroutine and waits for it to drain its current
// statement.
func (h *Handler) Stop() {
	close(h.stopCh)
	<-h.doneCh
}

// Stats returns a snapshot of the handler's counters.
func (h *Handler) Stats() Counts {
	h.errMu.Lock()
	errs := make(map[ErrorType]int64, len(h.errors))
	for k, v := range h.errors {
		errs[k] = v
	}
	h.errMu.Unlock()
	return Counts{Total: h.total, Mirrored: h.mirrored, Dropped: h.dropped, Errors: errs}
}

func (h *Handler) run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.stopCh:
			return
		case sql := <-h.queue:
			h.replay(sql)
		}
	}
}

// replay broadcasts sql to every shard in the destination cluster,
// best-effort: mirrored traffic isn't transactional with the client's
// own request, so each shard's outcome is independent.
func (h *Handler) replay(sql string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	indices := make([]int, h.dest.NumShards())
	for i := range indices {
		indices[i] = i
	}
	guards, err := h.dest.AcquireAll(ctx, indices, false)
	if err != nil {
		h.recordError(err)
		return
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

	for _, g := range guards {
		msgs, err := g.Conn().Execute(sql)
		if err != nil {
			h.recordError(err)
			return
		}
		for _, msg := range msgs {
			if msg.Tag == wire.ErrorResponse {
				fields := wire.ParseErrorFields(msg.Body)
				h.recordError(fmt.Errorf("%s: %s", fields.Code, fields.Message))
				return
			}
		}
	}
	h.mirrored++
}

func (h *Handler) recordError(err error) {
	h.errMu.Lock()
	h.errors[categorize(err)]++
	h.errMu.Unlock()
}

// categorize maps a replay failure to the Timeout/Connection/Protocol/
// Other taxonomy.
func categorize(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var perr *perror.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case perror.CodeConnectionException:
			return ErrorTimeout
		case perror.CodeConnectionFailure:
			return ErrorConnection
		case perror.CodeProtocolViolation:
			return ErrorProtocol
		}
	}
	return ErrorOther
}
