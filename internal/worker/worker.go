// Package worker drives one core's work from startup through drain:
// initialize namespace contexts, wait on the start barrier, fill the
// in-flight budget, poll to completion, then tear everything down.
// Grounded on the teacher's internal/queue.Runner.ioLoop, generalized
// from one ublk queue's FETCH/COMMIT poll loop to N namespace-worker
// contexts' submit/check/drain cycle, and on cmd/ublk-mem/main.go for
// the periodic-print-to-the-same-terminal-line idiom.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nvmeof-bench/replperf/internal/logging"
	"github.com/nvmeof-bench/replperf/internal/nsctx"
	"github.com/nvmeof-bench/replperf/internal/ratelimit"
	"github.com/nvmeof-bench/replperf/internal/replica"
	"github.com/nvmeof-bench/replperf/internal/taskpool"
)

func loadFlag(flag *int32) int32 { return atomic.LoadInt32(flag) }

// Worker is a pinned execution unit holding an insertion-ordered list of
// namespace-worker contexts.
type Worker struct {
	CoreID     int
	IsMain     bool
	Contexts   []*nsctx.Context
	Coord      *replica.Coordinator
	Gate       *ratelimit.Gate
	Log        *logging.Logger
	QueueDepth int

	// NumQPairs and NumUnusedQPairs are passed to every context's Init:
	// active queue pairs eligible for submission, and additional idle
	// ones opened only to reproduce controller-side resource exhaustion.
	NumQPairs       int
	NumUnusedQPairs int

	WarmupTime time.Duration
	RunTime    time.Duration

	// PrintInterval controls how often the main worker emits an IOPS/MiB/s
	// line; zero disables printing.
	PrintInterval time.Duration
	IOSizeBytes   int

	ExitFlag *int32 // shared atomic flag; non-zero requests early exit

	lastCompletedTotal uint64
	lastPrintAt        time.Time
	busy, idle         time.Duration
	lastPollAt         time.Time
}

// Run executes the full lifecycle: init contexts, barrier, emit_initial,
// main loop until drain/deadline, forced drain, cleanup. It pins the
// calling goroutine's OS thread to CoreID for the duration, matching the
// teacher's per-queue thread-affinity requirement.
func (w *Worker) Run(ctx context.Context, barrier *StartBarrier) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := pinToCore(w.CoreID); err != nil && w.Log != nil {
		w.Log.WithWorker(w.CoreID).Warnf("core pinning failed: %v", err)
	}

	if err := w.initContexts(ctx); err != nil {
		if barrier != nil {
			barrier.Wait()
		}
		return fmt.Errorf("worker %d: init: %w", w.CoreID, err)
	}

	if barrier != nil {
		barrier.Wait()
	}
	Sfence()

	start := time.Now()
	deadline := start.Add(firstDeadline(w.WarmupTime, w.RunTime))
	warmedUp := w.WarmupTime == 0

	if err := w.Coord.EmitInitial(w.QueueDepth); err != nil {
		return fmt.Errorf("worker %d: emit initial: %w", w.CoreID, err)
	}

	w.lastPollAt = time.Now()
	w.lastPrintAt = w.lastPollAt

	for {
		if w.exitRequested() || w.allDraining() {
			break
		}
		if time.Now().After(deadline) {
			if !warmedUp {
				warmedUp = true
				deadline = time.Now().Add(w.RunTime)
				start = time.Now()
				w.resetStats()
				continue
			}
			break
		}

		w.runIteration()

		if w.IsMain && w.PrintInterval > 0 {
			w.maybePrint()
		}
	}

	elapsed := time.Since(start)
	w.drain(ctx)

	if w.IsMain && w.Log != nil {
		w.Log.Infof("worker %d run complete, elapsed=%s", w.CoreID, elapsed)
	}
	return nil
}

func firstDeadline(warmup, run time.Duration) time.Duration {
	if warmup > 0 {
		return warmup
	}
	return run
}

func (w *Worker) initContexts(ctx context.Context) error {
	numActive := w.NumQPairs
	if numActive <= 0 {
		numActive = 1
	}
	for _, nc := range w.Contexts {
		if err := nc.Init(ctx, numActive, w.NumUnusedQPairs); err != nil {
			return err
		}
	}
	return nil
}

// runIteration is §4.5's main-loop body, once per context.
func (w *Worker) runIteration() {
	if w.Gate != nil && w.Gate.Enabled() {
		w.Gate.Tick()
	}

	w.Coord.DrainQueuedTasks()

	now := time.Now()
	totalN := 0
	for _, nc := range w.Contexts {
		n, err := nc.CheckIO()
		if err != nil {
			continue
		}
		totalN += n
	}

	if totalN > 0 {
		w.busy += now.Sub(w.lastPollAt)
	} else {
		w.idle += now.Sub(w.lastPollAt)
	}
	w.lastPollAt = now
}

func (w *Worker) exitRequested() bool {
	if w.ExitFlag == nil {
		return false
	}
	return loadFlag(w.ExitFlag) != 0
}

func (w *Worker) allDraining() bool {
	for _, nc := range w.Contexts {
		if !nc.IsDraining {
			return false
		}
	}
	return len(w.Contexts) > 0
}

func (w *Worker) resetStats() {
	for _, nc := range w.Contexts {
		nc.Stats = nsctx.Stats{}
	}
	w.busy, w.idle = 0, 0
}

// drain forces every context into draining, polls until every queue
// depth reaches zero (round-robin fairness across contexts per
// iteration), then tears down each transport handle.
func (w *Worker) drain(ctx context.Context) {
	for _, nc := range w.Contexts {
		nc.IsDraining = true
	}

	for {
		allIdle := true
		for _, nc := range w.Contexts {
			if nc.CurrentQueueDepth > 0 {
				allIdle = false
				nc.CheckIO()
			}
		}
		if allIdle {
			break
		}
		select {
		case <-ctx.Done():
			allIdle = true
		case <-time.After(time.Millisecond):
		}
		if allIdle {
			break
		}
	}

	for _, nc := range w.Contexts {
		// Route every sibling still parked in QueuedTasks through
		// task_complete so its primary's fan-in advances and
		// ReleaseGroup frees the DMA payload; IsDraining is already true
		// by the time Cleanup runs, so OnSiblingComplete never resubmits.
		if err := nc.Cleanup(func(sib *taskpool.Sibling) {
			w.Coord.OnSiblingComplete(sib, nil)
		}); err != nil && w.Log != nil {
			w.Log.WithWorker(w.CoreID).WithError(err).Error("context cleanup failed")
		}
	}
}

func (w *Worker) maybePrint() {
	now := time.Now()
	if now.Sub(w.lastPrintAt) < w.PrintInterval {
		return
	}

	var completed uint64
	for _, nc := range w.Contexts {
		completed += nc.Stats.IOCompleted
	}

	elapsed := now.Sub(w.lastPrintAt).Seconds()
	delta := completed - w.lastCompletedTotal
	iops := float64(delta) / elapsed
	mibPerSec := iops * float64(w.IOSizeBytes) / (1024 * 1024)

	busyPct := 0.0
	if total := w.busy + w.idle; total > 0 {
		busyPct = 100 * w.busy.Seconds() / total.Seconds()
	}

	fmt.Printf("\r%.0f IOPS, %.2f MiB/s, %.1f%% busy", iops, mibPerSec, busyPct)
	os.Stdout.Sync()

	w.lastCompletedTotal = completed
	w.lastPrintAt = now
	w.busy, w.idle = 0, 0
}

func pinToCore(coreID int) error {
	if coreID < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	return unix.SchedSetaffinity(0, &set)
}
