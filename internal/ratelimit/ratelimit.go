// Package ratelimit implements the open-loop submission gate: instead of
// resubmitting a completed logical I/O immediately (closed-loop, bound by
// the in-flight budget alone), it paces submissions to a target rate and
// lets the pending FIFO grow when the engine falls behind. Grounded on
// the teacher's internal/uring.Barrier-adjacent pacing idea generalized
// from a fence primitive to a periodic release gate; the FIFO-of-overflow
// structure mirrors internal/queue.Runner's per-tag backlog handling.
package ratelimit

import (
	"time"

	"github.com/nvmeof-bench/replperf/internal/taskpool"
)

// SubmitFunc is called once per released primary. It is a callback rather
// than an import of package replica, so package ratelimit never depends
// on package replica (replica depends on ratelimit's Gate interface
// instead).
type SubmitFunc func(primary *taskpool.Primary) error

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Gate paces submissions to io_num_per_second, releasing batch_size
// primaries per tick and queuing any primary that arrives between ticks.
type Gate struct {
	Submit SubmitFunc
	Now    Clock

	period    time.Duration
	batchSize int

	pending    []*taskpool.Primary
	nextReleaseAt time.Time
}

// New creates a Gate that releases batchSize primaries every
// (1/ratePerSec)*batchSize seconds, i.e. a net rate of ratePerSec
// primaries/sec regardless of batchSize. ratePerSec <= 0 disables pacing:
// Enqueue submits immediately, matching the closed-loop baseline.
func New(ratePerSec int, batchSize int) *Gate {
	g := &Gate{Now: time.Now, batchSize: batchSize}
	if g.batchSize < 1 {
		g.batchSize = 1
	}
	if ratePerSec > 0 {
		g.period = time.Second / time.Duration(ratePerSec) * time.Duration(g.batchSize)
	}
	return g
}

// Enabled reports whether this gate paces submissions at all.
func (g *Gate) Enabled() bool { return g.period > 0 }

// Enqueue adds primary to the pending FIFO (or submits it immediately if
// pacing is disabled).
func (g *Gate) Enqueue(primary *taskpool.Primary) {
	if !g.Enabled() {
		g.Submit(primary)
		return
	}
	g.pending = append(g.pending, primary)
}

// Tick releases up to batchSize pending primaries once the current release
// slot has been reached. Slots start at the first Tick with a backlog and
// are spaced one period apart from each other (not from the time of the
// previous release), so a gate that falls behind releases on consecutive
// Ticks until it catches up. Call this once per worker main-loop
// iteration when the gate is enabled.
func (g *Gate) Tick() error {
	if !g.Enabled() || len(g.pending) == 0 {
		return nil
	}

	now := g.Now()
	if g.nextReleaseAt.IsZero() {
		g.nextReleaseAt = now
	}
	if now.Before(g.nextReleaseAt) {
		return nil
	}

	n := g.batchSize
	if n > len(g.pending) {
		n = len(g.pending)
	}

	for i := 0; i < n; i++ {
		if err := g.Submit(g.pending[i]); err != nil {
			g.pending = g.pending[i:]
			return err
		}
	}
	g.pending = g.pending[n:]
	g.nextReleaseAt = g.nextReleaseAt.Add(g.period)

	return nil
}

// Backlog reports how many primaries are waiting for their release tick.
func (g *Gate) Backlog() int { return len(g.pending) }
