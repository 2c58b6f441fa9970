// Package replica implements the replica coordinator: it turns one
// logical I/O into N ordered sibling submissions against N
// namespace-worker contexts and enforces "at most one concurrent logical
// I/O per coordinator until all N siblings complete." Grounded on the
// teacher's internal/queue.Runner per-tag state machine
// (InFlightFetch/Owned/InFlightCommit), generalized from one ublk tag's
// fetch/commit cycle to N siblings' fan-out/fan-in.
package replica

import (
	"errors"
	"fmt"
	"time"

	"github.com/nvmeof-bench/replperf/internal/latency"
	"github.com/nvmeof-bench/replperf/internal/logging"
	"github.com/nvmeof-bench/replperf/internal/nsctx"
	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
)

func nowNanos() int64 { return time.Now().UnixNano() }

// Clock abstracts time.Now().UnixNano() so tests can inject a fake clock.
type Clock func() int64

// Coordinator fans logical I/Os into N siblings and tracks fan-in.
type Coordinator struct {
	Pool *taskpool.Pool
	Now  Clock
	Log  *logging.Logger

	ReplicaFactor int
	SendMainLast  bool
	RWMixPercent  int
	// ContinueOnError is the -Q "every Nth" error-log throttle: 0 means
	// errors are fatal (no continue-on-error retry); N>0 means a fatal
	// completion is retried via QueuedTasks instead, and only every Nth
	// error is logged.
	ContinueOnError int
	NumberIOs       uint64
	QueueDepth      int
	Pattern         byte

	errorCount uint64

	// WrapAt bounds sequential-offset wraparound: min(size_in_ios) over
	// every namespace touched by any worker in the run.
	WrapAt uint64

	// Contexts is this coordinator's worker's namespace-worker contexts
	// in insertion order; Contexts[0] is always the primary's home.
	Contexts []*nsctx.Context

	nextIOID uint64

	// Gate receives (via Enqueue) primaries from EmitInitial and primaries
	// that completed their Nth sibling and should be resubmitted, instead
	// of the coordinator submitting them inline. Nil means "submit
	// immediately, no gate."
	Gate Gate

	// Latency, when set, receives per-sibling task_queue (create→submit)
	// and task_complete (submit→complete) stage durations as each
	// sibling completes. The req_send/req_complete/wr_send/wr_complete
	// stages are captured inside a transport's own submit/check-io
	// internals, not here; a transport that wants to populate them is
	// handed the same *latency.Aggregator directly.
	Latency *latency.Aggregator
}

// Gate is satisfied by internal/ratelimit.Gate; kept as a narrow
// interface here so package replica never imports package ratelimit.
type Gate interface {
	Enqueue(primary *taskpool.Primary)
}

// New creates a Coordinator over ctxs (the owning worker's namespace
// contexts, Contexts[0] treated as primary-home).
func New(pool *taskpool.Pool, contexts []*nsctx.Context, log *logging.Logger) *Coordinator {
	return &Coordinator{
		Pool:          pool,
		Now:           defaultClock,
		Log:           log,
		ReplicaFactor: 1,
		Contexts:      contexts,
		nextIOID:      1,
	}
}

func defaultClock() int64 { return nowNanos() }

// EmitInitial fills the in-flight budget: depth logical I/Os, each fanned
// into min(ReplicaFactor, len(Contexts)) siblings (at least one).
func (c *Coordinator) EmitInitial(depth int) error {
	for i := 0; i < depth; i++ {
		primary, err := c.allocateLogicalIO()
		if err != nil {
			return fmt.Errorf("replica: emit initial: %w", err)
		}

		if c.Gate != nil {
			c.Gate.Enqueue(primary)
		} else if err := c.SubmitReplicated(primary); err != nil {
			return fmt.Errorf("replica: emit initial submit: %w", err)
		}
	}
	return nil
}

// allocateLogicalIO builds one primary + (N-1) copies across Contexts,
// honoring SendMainLast ordering.
func (c *Coordinator) allocateLogicalIO() (*taskpool.Primary, error) {
	if len(c.Contexts) == 0 {
		return nil, fmt.Errorf("replica: no namespace-worker contexts")
	}

	ioID := c.nextIOID
	c.nextIOID++
	if c.nextIOID == 0 {
		c.nextIOID = 1
	}

	primaryCtx := c.Contexts[0]
	primary, err := c.Pool.AllocatePrimary(primaryCtx.Tr, ioID, primaryCtx.NSID, c.Pattern)
	if err != nil {
		return nil, err
	}
	primary.NSWorkerCtxID = 0

	n := c.ReplicaFactor
	if n < 1 {
		n = 1
	}
	for i := 1; i < n && i < len(c.Contexts); i++ {
		c.Pool.CloneInto(primary, c.Contexts[i].NSID)
	}

	if c.SendMainLast {
		c.Pool.MoveToLast(primary, &primary.Sibling)
	}

	return primary, nil
}

// SubmitReplicated computes the shared (offset, is_read) tuple once from
// the primary's namespace policy and submits every sibling in list order.
func (c *Coordinator) SubmitReplicated(primary *taskpool.Primary) error {
	primaryCtx := c.Contexts[0]

	primary.OffsetInIOs = primaryCtx.NextOffset(c.WrapAt)
	primary.IsRead = primaryCtx.NextReadDecision(c.RWMixPercent)

	params := transport.SubmitParams{OffsetInIOs: primary.OffsetInIOs, IsRead: primary.IsRead}
	now := c.Now()

	for _, sib := range primary.Siblings {
		sib.CreateTimeNs = now

		ctx := c.contextFor(sib)
		if ctx == nil {
			continue
		}

		sib.SubmitTimeNs = c.Now()
		err := ctx.SubmitIO(sib, params, c.onTransportComplete)
		if err == nil {
			continue
		}

		if err == transport.ErrQueueFull && c.ContinueOnError > 0 {
			ctx.QueuedTasks = append(ctx.QueuedTasks, sib)
			continue
		}

		// Fatal for this sibling's context: mark the context failed and,
		// when the failed sibling is the primary, release the group's
		// payload. Other siblings of this
		// logical I/O may still be in flight or may already have
		// completed; they are left alone per §7's propagation rule.
		ctx.Status = err
		if sib.IsPrimary {
			c.Pool.ReleaseGroup(primary)
		}
		return err
	}

	for _, sib := range primary.Siblings {
		ctx := c.contextFor(sib)
		if ctx != nil {
			ctx.MarkDrainingIfBudgetMet(c.NumberIOs)
		}
	}

	return nil
}

// contextFor maps sib back to its namespace-worker context. Contexts[0]
// always hosts the primary; copies are matched by NSID.
func (c *Coordinator) contextFor(sib *taskpool.Sibling) *nsctx.Context {
	if sib.IsPrimary {
		return c.Contexts[0]
	}
	for _, ctx := range c.Contexts {
		if ctx.NSID == sib.NSID {
			return ctx
		}
	}
	return nil
}

// onTransportComplete is the transport.CompletionFunc every SubmitIO call
// registers; it delegates to OnSiblingComplete.
func (c *Coordinator) onTransportComplete(sib *taskpool.Sibling, err error) {
	c.OnSiblingComplete(sib, err)
}

// OnSiblingComplete is §4.4's on_sibling_complete. It updates the
// sibling's context bookkeeping, and once the primary's Nth sibling has
// completed, either releases the logical I/O (if any touched context is
// draining) or reissues it with a new io_id.
func (c *Coordinator) OnSiblingComplete(sib *taskpool.Sibling, err error) {
	primary := sib.Primary
	ctx := c.contextByNSID(sib.NSID)

	sib.CompleteTimeNs = c.Now()
	latencyNs := sib.CompleteTimeNs - sib.SubmitTimeNs

	// is_read lives on the primary, shared across every sibling of this
	// logical I/O; sib itself carries no read/write flag.
	if err == nil && ctx != nil && ctx.Spec.PIEnabled && primary.IsRead {
		if verr := ctx.Tr.VerifyIO(sib, ctx.Spec); verr != nil {
			err = verr
		}
	}

	retrying := false
	if err != nil {
		c.errorCount++
		if c.Log != nil && (c.ContinueOnError <= 1 || c.errorCount%uint64(c.ContinueOnError) == 0) {
			c.Log.WithIOID(sib.IOID, "complete").WithError(err).Error("sibling completion failed")
		}

		switch {
		case errors.Is(err, transport.ErrDeviceRemoved):
			// Permanent: the namespace is gone. Drain gracefully, no
			// retry, no worker-fatal status.
			if ctx != nil {
				ctx.IsDraining = true
			}
		case c.ContinueOnError > 0:
			// Fatal(other) with continue_on_error set: retry this
			// sibling as if it were transient, without advancing the
			// primary's fan-in count — it has not actually completed.
			retrying = true
		default:
			// Fatal(other), continue_on_error unset: terminate this
			// context after drain.
			if ctx != nil {
				ctx.Status = err
				ctx.IsDraining = true
			}
		}
	}

	if retrying {
		// Not yet terminal: don't touch io_completed until the retried
		// submission actually finishes, or a resubmit-then-complete
		// cycle would count this sibling twice. current_queue_depth
		// does drop back here, since the transport already delivered
		// this completion and is no longer holding the I/O outstanding;
		// DrainQueuedTasks' resubmission re-increments it once the
		// retry is actually in flight again.
		if ctx != nil {
			if ctx.CurrentQueueDepth > 0 {
				ctx.CurrentQueueDepth--
			}
			ctx.QueuedTasks = append(ctx.QueuedTasks, sib)
		}
		return
	}

	if ctx != nil {
		ctx.RecordCompletion(latencyNs, err != nil)
		if c.Latency != nil {
			c.Latency.Record(sib.NSID, latency.StageTaskQueue, sib.SubmitTimeNs-sib.CreateTimeNs)
			c.Latency.Record(sib.NSID, latency.StageTaskComplete, latencyNs)
		}
	}

	primary.RepCompletedNum++
	if primary.RepCompletedNum < len(primary.Siblings) {
		return
	}

	primary.RepCompletedNum = 0
	newIOID := primary.IOID + uint64(c.QueueDepth)
	if newIOID == 0 {
		newIOID = 1
	}

	for _, s := range primary.Siblings {
		sctx := c.contextByNSID(s.NSID)
		if sctx != nil && sctx.IsDraining {
			c.Pool.ReleaseGroup(primary)
			return
		}
	}

	c.Pool.Reset(primary, newIOID)

	if c.Gate != nil {
		c.Gate.Enqueue(primary)
		return
	}
	c.SubmitReplicated(primary)
}

func (c *Coordinator) contextByNSID(nsID int) *nsctx.Context {
	for _, ctx := range c.Contexts {
		if ctx.NSID == nsID {
			return ctx
		}
	}
	return nil
}

// DrainQueuedTasks retries every sibling parked in each context's
// QueuedTasks FIFO (the continue_on_error path). Called once per worker
// main-loop iteration, before polling for completions.
func (c *Coordinator) DrainQueuedTasks() {
	for _, ctx := range c.Contexts {
		if ctx.IsDraining || len(ctx.QueuedTasks) == 0 {
			continue
		}
		pending := ctx.QueuedTasks
		ctx.QueuedTasks = nil

		for _, sib := range pending {
			primary := sib.Primary
			params := transport.SubmitParams{OffsetInIOs: primary.OffsetInIOs, IsRead: primary.IsRead}
			sib.SubmitTimeNs = c.Now()
			if err := ctx.SubmitIO(sib, params, c.onTransportComplete); err != nil {
				if err == transport.ErrQueueFull {
					ctx.QueuedTasks = append(ctx.QueuedTasks, sib)
				} else {
					ctx.Status = err
					ctx.IsDraining = true
				}
			}
		}
	}
}
