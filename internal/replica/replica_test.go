package replica

import (
	"context"
	"fmt"
	"testing"

	"github.com/nvmeof-bench/replperf/internal/nsctx"
	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
)

type fakeHandle struct{ numActive int }

func (h *fakeHandle) NumActiveQueuePairs() int { return h.numActive }

// fakeTransport records submissions and completes them synchronously when
// the test calls complete() directly, letting tests drive the fan-in state
// machine deterministically without a real poll loop.
type fakeTransport struct {
	submitted []*taskpool.Sibling
	failNext  error

	verifyCalls int
	verifyErr   error
}

func (f *fakeTransport) SetupPayload(s *taskpool.Sibling, buf []byte, pattern byte, sizeBytes, unitSize int) error {
	payload := buf[:sizeBytes]
	for i := range payload {
		payload[i] = pattern
	}
	s.Iovecs = taskpool.IovecChunks(payload, unitSize)
	return nil
}

func (f *fakeTransport) Init(spec transport.NamespaceSpec, numActive, numUnused int) (transport.Handle, error) {
	return &fakeHandle{numActive: 1}, nil
}

func (f *fakeTransport) Cleanup(h transport.Handle) error { return nil }

func (f *fakeTransport) SubmitIO(h transport.Handle, qpair int, sib *taskpool.Sibling, params transport.SubmitParams, onComplete transport.CompletionFunc) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.submitted = append(f.submitted, sib)
	return nil
}

func (f *fakeTransport) CheckIO(h transport.Handle) (int, error) { return 0, nil }

func (f *fakeTransport) VerifyIO(sib *taskpool.Sibling, spec transport.NamespaceSpec) error {
	f.verifyCalls++
	return f.verifyErr
}

var _ transport.Transport = (*fakeTransport)(nil)

func newTestContexts(t *testing.T, n int) []*nsctx.Context {
	t.Helper()
	ctxs := make([]*nsctx.Context, n)
	for i := 0; i < n; i++ {
		tr := &fakeTransport{}
		c := nsctx.New(i, transport.NamespaceSpec{SizeInIOs: 1000}, tr, nil, uint64(i+1))
		if err := c.Init(context.Background(), 1, 0); err != nil {
			t.Fatalf("context %d init: %v", i, err)
		}
		ctxs[i] = c
	}
	return ctxs
}

func TestEmitInitialFansOutToEveryContext(t *testing.T) {
	ctxs := newTestContexts(t, 3)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ReplicaFactor = 3

	if err := coord.EmitInitial(2); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	for i, ctx := range ctxs {
		tr := ctx.Tr.(*fakeTransport)
		if len(tr.submitted) != 2 {
			t.Errorf("context %d: submitted %d siblings, want 2", i, len(tr.submitted))
		}
	}
}

func TestOnSiblingCompleteReissuesAfterAllSiblingsDone(t *testing.T) {
	ctxs := newTestContexts(t, 2)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ReplicaFactor = 2
	coord.QueueDepth = 4

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	primaryTr := ctxs[0].Tr.(*fakeTransport)
	copyTr := ctxs[1].Tr.(*fakeTransport)
	if len(primaryTr.submitted) != 1 || len(copyTr.submitted) != 1 {
		t.Fatalf("expected one submission per context, got primary=%d copy=%d", len(primaryTr.submitted), len(copyTr.submitted))
	}

	primarySib := primaryTr.submitted[0]
	copySib := copyTr.submitted[0]
	firstIOID := primarySib.IOID

	coord.OnSiblingComplete(primarySib, nil)
	if len(primaryTr.submitted) != 1 {
		t.Fatalf("reissue must wait for all siblings; primary resubmitted early")
	}

	coord.OnSiblingComplete(copySib, nil)

	if len(primaryTr.submitted) != 2 {
		t.Errorf("expected reissue to resubmit the primary, got %d total submissions", len(primaryTr.submitted))
	}
	if len(copyTr.submitted) != 2 {
		t.Errorf("expected reissue to resubmit the copy, got %d total submissions", len(copyTr.submitted))
	}

	reissued := primaryTr.submitted[1]
	if reissued.IOID != firstIOID+uint64(coord.QueueDepth) {
		t.Errorf("reissued io_id = %d, want %d", reissued.IOID, firstIOID+uint64(coord.QueueDepth))
	}
}

func TestOnSiblingCompleteReleasesWhenDraining(t *testing.T) {
	ctxs := newTestContexts(t, 2)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ReplicaFactor = 2

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	primaryTr := ctxs[0].Tr.(*fakeTransport)
	copyTr := ctxs[1].Tr.(*fakeTransport)
	primarySib := primaryTr.submitted[0]
	copySib := copyTr.submitted[0]

	ctxs[0].IsDraining = true

	coord.OnSiblingComplete(primarySib, nil)
	coord.OnSiblingComplete(copySib, nil)

	if len(primaryTr.submitted) != 1 {
		t.Errorf("draining context must not be reissued, got %d submissions", len(primaryTr.submitted))
	}
}

func TestSubmitReplicatedQueuesOnTransientFailureWithContinueOnError(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ContinueOnError = 1

	primary, err := coord.allocateLogicalIO()
	if err != nil {
		t.Fatalf("allocateLogicalIO() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	tr.failNext = transport.ErrQueueFull

	if err := coord.SubmitReplicated(primary); err != nil {
		t.Fatalf("SubmitReplicated() error = %v, want nil (queued for retry)", err)
	}

	if len(ctxs[0].QueuedTasks) != 1 {
		t.Errorf("QueuedTasks length = %d, want 1", len(ctxs[0].QueuedTasks))
	}
}

func TestOnSiblingCompleteDrainsGracefullyOnDeviceRemoved(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	sib := tr.submitted[0]

	coord.OnSiblingComplete(sib, fmt.Errorf("nvme: %w", transport.ErrDeviceRemoved))

	if !ctxs[0].IsDraining {
		t.Error("expected context to be draining after device-removed completion")
	}
	if ctxs[0].Status != nil {
		t.Errorf("expected no worker-fatal Status on graceful drain, got %v", ctxs[0].Status)
	}
}

func TestOnSiblingCompleteTerminatesOnFatalWithoutContinueOnError(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	sib := tr.submitted[0]

	fatal := fmt.Errorf("nvme: unrecoverable")
	coord.OnSiblingComplete(sib, fatal)

	if !ctxs[0].IsDraining {
		t.Error("expected context to be draining after fatal completion")
	}
	if ctxs[0].Status != fatal {
		t.Errorf("expected ctx.Status = %v, got %v", fatal, ctxs[0].Status)
	}
}

func TestOnSiblingCompleteRetriesFatalWithContinueOnError(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ContinueOnError = 1

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	sib := tr.submitted[0]
	ioID := sib.Primary.IOID

	coord.OnSiblingComplete(sib, fmt.Errorf("nvme: unrecoverable"))

	if ctxs[0].IsDraining {
		t.Error("expected context to stay up under continue_on_error retry")
	}
	if len(ctxs[0].QueuedTasks) != 1 {
		t.Fatalf("QueuedTasks length = %d, want 1", len(ctxs[0].QueuedTasks))
	}
	if sib.Primary.RepCompletedNum != 0 {
		t.Errorf("expected fan-in count untouched by a retried sibling, got %d", sib.Primary.RepCompletedNum)
	}
	if sib.Primary.IOID != ioID {
		t.Errorf("expected io_id unchanged while retry is outstanding, got %d want %d", sib.Primary.IOID, ioID)
	}
	if ctxs[0].Stats.IOCompleted != 0 {
		t.Errorf("expected io_completed untouched until the retry terminates, got %d", ctxs[0].Stats.IOCompleted)
	}
	if ctxs[0].CurrentQueueDepth != 0 {
		t.Errorf("expected current_queue_depth to drop while the sibling sits in QueuedTasks awaiting resubmission, got %d", ctxs[0].CurrentQueueDepth)
	}
}

func TestOnSiblingCompleteRunsVerifyIOOnReadWhenPIEnabled(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	ctxs[0].Spec.PIEnabled = true
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.RWMixPercent = 100

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	sib := tr.submitted[0]
	if !sib.Primary.IsRead {
		t.Fatalf("expected primary.IsRead = true with RWMixPercent=100")
	}

	coord.OnSiblingComplete(sib, nil)

	if tr.verifyCalls != 1 {
		t.Errorf("VerifyIO calls = %d, want 1", tr.verifyCalls)
	}
}

func TestOnSiblingCompleteSkipsVerifyIOWhenPIDisabled(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.RWMixPercent = 100

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	sib := tr.submitted[0]

	coord.OnSiblingComplete(sib, nil)

	if tr.verifyCalls != 0 {
		t.Errorf("VerifyIO calls = %d, want 0 when PIEnabled is false", tr.verifyCalls)
	}
}

func TestOnSiblingCompleteTreatsVerifyIOFailureAsCompletionError(t *testing.T) {
	ctxs := newTestContexts(t, 1)
	ctxs[0].Spec.PIEnabled = true
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.RWMixPercent = 100

	if err := coord.EmitInitial(1); err != nil {
		t.Fatalf("EmitInitial() error = %v", err)
	}

	tr := ctxs[0].Tr.(*fakeTransport)
	tr.verifyErr = fmt.Errorf("dif mismatch")
	sib := tr.submitted[0]

	coord.OnSiblingComplete(sib, nil)

	if !ctxs[0].IsDraining {
		t.Error("expected a VerifyIO failure to drain the context like any other fatal completion")
	}
	if ctxs[0].Stats.IOErrors != 1 {
		t.Errorf("IOErrors = %d, want 1", ctxs[0].Stats.IOErrors)
	}
}

func TestAllocateLogicalIOHonorsSendMainLast(t *testing.T) {
	ctxs := newTestContexts(t, 2)
	pool := taskpool.New(16, 16, 16)
	coord := New(pool, ctxs, nil)
	coord.ReplicaFactor = 2
	coord.SendMainLast = true

	primary, err := coord.allocateLogicalIO()
	if err != nil {
		t.Fatalf("allocateLogicalIO() error = %v", err)
	}

	last := primary.Siblings[len(primary.Siblings)-1]
	if !last.IsPrimary {
		t.Errorf("expected primary sibling last in list, got IsPrimary=%v", last.IsPrimary)
	}
}
