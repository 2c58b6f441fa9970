// Package nsctx holds per-(worker, namespace) mutable state: the handle a
// worker threads through the transport vtable, the round-robin queue-pair
// cursor, the sequential-offset cursor, the draining flag, and the FIFO of
// siblings a transient ENOMEM bounced back. Grounded on the teacher's
// internal/queue.Runner, which holds the analogous per-queue mutable state
// (tag states, ring handle) and busy-polls for the data plane to come up
// before serving requests — generalized here from one ublk queue's FETCH
// handshake to a namespace's queue-pair connect retry.
package nsctx

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/nvmeof-bench/replperf/internal/constants"
	"github.com/nvmeof-bench/replperf/internal/histogram"
	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
	"github.com/nvmeof-bench/replperf/internal/zipfdist"
)

// AccessMode selects how a namespace's offsets are generated.
type AccessMode int

const (
	AccessSequential AccessMode = iota
	AccessRandom
	AccessZipf
)

// Stats holds the submit/complete counters and latency accumulators one
// context maintains for its namespace.
type Stats struct {
	IOSubmitted  uint64
	IOCompleted  uint64
	IOErrors     uint64
	MinLatencyNs int64
	MaxLatencyNs int64
	TotalLatency int64
}

// Context is one (worker, namespace) pair's live state.
type Context struct {
	NSID   int
	Spec   transport.NamespaceSpec
	Tr     transport.Transport
	Hist   histogram.Histogram

	handle             transport.Handle
	numActiveQPairs    int
	lastQPair          int
	CurrentQueueDepth  int
	OffsetInIOs        uint64
	IsDraining         bool
	Status             error
	QueuedTasks        []*taskpool.Sibling

	RNGSeed uint64
	Stats   Stats

	Mode    AccessMode
	RNG     *rand.Rand
	ZipfGen *zipfdist.Generator
}

// New creates a Context bound to spec, not yet initialized.
func New(nsID int, spec transport.NamespaceSpec, tr transport.Transport, hist histogram.Histogram, seed uint64) *Context {
	return &Context{
		NSID:    nsID,
		Spec:    spec,
		Tr:      tr,
		Hist:    hist,
		RNGSeed: seed,
		RNG:     rand.New(rand.NewSource(int64(seed))),
	}
}

// WithZipf switches the context to Zipf-distributed offset generation.
func (c *Context) WithZipf(theta float64) *Context {
	c.Mode = AccessZipf
	c.ZipfGen = zipfdist.New(int64(c.RNGSeed), theta, 1, c.Spec.SizeInIOs)
	return c
}

// WithRandom switches the context to uniform random offset generation.
func (c *Context) WithRandom() *Context {
	c.Mode = AccessRandom
	return c
}

// NextOffset returns the next offset in I/O units per this context's
// access mode. wrapAt bounds sequential wraparound (min size_in_ios
// across every namespace in the run, per §8's invariant); it is ignored
// outside AccessSequential.
func (c *Context) NextOffset(wrapAt uint64) uint64 {
	switch c.Mode {
	case AccessZipf:
		return c.ZipfGen.Next()
	case AccessRandom:
		if c.Spec.SizeInIOs == 0 {
			return 0
		}
		return uint64(c.RNG.Int63n(int64(c.Spec.SizeInIOs)))
	default:
		off := c.OffsetInIOs
		c.OffsetInIOs++
		if wrapAt > 0 && c.OffsetInIOs >= wrapAt {
			c.OffsetInIOs = 0
		}
		return off
	}
}

// NextReadDecision implements §4.4's read/write decision using this
// context's RNG: always-read at 100, always-write at 0, else a coin flip
// weighted by rwPercentage.
func (c *Context) NextReadDecision(rwPercentage int) bool {
	if rwPercentage >= 100 {
		return true
	}
	if rwPercentage <= 0 {
		return false
	}
	return c.RNG.Intn(100) < rwPercentage
}

// Init opens numActive+numUnused queue pairs against the namespace and
// busy-polls until every queue pair reports connected or ctx's deadline
// (bounded additionally by constants.ConnectTimeout) elapses.
func (c *Context) Init(ctx context.Context, numActive, numUnused int) error {
	c.QueuedTasks = nil

	deadline := time.Now().Add(constants.ConnectTimeout)

	var h transport.Handle
	var err error
	for {
		h, err = c.Tr.Init(c.Spec, numActive, numUnused)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("nsctx: init ns=%d: %w", c.NSID, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("nsctx: init ns=%d cancelled: %w", c.NSID, ctx.Err())
		case <-time.After(constants.ConnectPollInterval):
		}
	}

	c.handle = h
	c.numActiveQPairs = h.NumActiveQueuePairs()
	if c.numActiveQPairs <= 0 {
		c.numActiveQPairs = numActive
	}
	c.lastQPair = -1
	return nil
}

// Cleanup drains QueuedTasks (each queued sibling is counted complete
// without resubmission, since IsDraining is already true by the time
// Cleanup runs) then tears down the transport handle.
func (c *Context) Cleanup(onDrainComplete func(*taskpool.Sibling)) error {
	for _, sib := range c.QueuedTasks {
		if onDrainComplete != nil {
			onDrainComplete(sib)
		}
	}
	c.QueuedTasks = nil

	if c.handle == nil {
		return nil
	}
	return c.Tr.Cleanup(c.handle)
}

// NextQueuePair advances the round-robin cursor across active queue pairs
// and returns the index to submit on.
func (c *Context) NextQueuePair() int {
	if c.numActiveQPairs <= 0 {
		return 0
	}
	c.lastQPair = (c.lastQPair + 1) % c.numActiveQPairs
	return c.lastQPair
}

// SubmitIO submits sib through the transport on the next round-robin queue
// pair, updating submission counters on success.
func (c *Context) SubmitIO(sib *taskpool.Sibling, params transport.SubmitParams, onComplete transport.CompletionFunc) error {
	if c.IsDraining {
		return fmt.Errorf("nsctx: ns=%d is draining", c.NSID)
	}

	qp := c.NextQueuePair()
	if err := c.Tr.SubmitIO(c.handle, qp, sib, params, onComplete); err != nil {
		return err
	}
	c.CurrentQueueDepth++
	c.Stats.IOSubmitted++
	return nil
}

// CheckIO polls the transport for completions against this context.
func (c *Context) CheckIO() (int, error) {
	n, err := c.Tr.CheckIO(c.handle)
	if err != nil {
		c.Status = err
		c.IsDraining = true
	}
	return n, err
}

// RecordCompletion updates queue depth and latency accumulators for one
// reaped sibling completion.
func (c *Context) RecordCompletion(latencyNs int64, failed bool) {
	if c.CurrentQueueDepth > 0 {
		c.CurrentQueueDepth--
	}
	c.Stats.IOCompleted++
	if failed {
		c.Stats.IOErrors++
		return
	}

	if c.Stats.MinLatencyNs == 0 || latencyNs < c.Stats.MinLatencyNs {
		c.Stats.MinLatencyNs = latencyNs
	}
	if latencyNs > c.Stats.MaxLatencyNs {
		c.Stats.MaxLatencyNs = latencyNs
	}
	c.Stats.TotalLatency += latencyNs

	if c.Hist != nil {
		c.Hist.RecordValue(latencyNs)
	}
}

// MarkDrainingIfBudgetMet marks the context draining once it has
// submitted numberIOs logical I/Os, the §6 -d/--number-ios exit criterion.
func (c *Context) MarkDrainingIfBudgetMet(numberIOs uint64) {
	if numberIOs > 0 && c.Stats.IOSubmitted >= numberIOs {
		c.IsDraining = true
	}
}
