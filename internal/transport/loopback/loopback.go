// Package loopback implements the transport vtable against an in-memory
// byte slice, standing in for a real NVMe-oF target in tests and in the
// engine's default no-fabric-available mode. Adapted from the teacher's
// backend/mem.go Memory backend, generalized from a single ReadAt/WriteAt
// block device to a namespace that siblings on any queue pair submit
// against (one lock guards the whole namespace).
package loopback

import (
	"errors"
	"sync"

	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
)

type handle struct {
	mem       *Namespace
	numActive int
}

func (h *handle) NumActiveQueuePairs() int { return h.numActive }

// Namespace is the in-memory backing store for one loopback namespace.
type Namespace struct {
	mu   sync.RWMutex
	data []byte
}

// NewNamespace allocates a zeroed namespace of sizeBytes.
func NewNamespace(sizeBytes int64) *Namespace {
	return &Namespace{data: make([]byte, sizeBytes)}
}

// Transport implements transport.Transport entirely in memory. Every
// submitted I/O completes immediately; CheckIO simply drains the queue
// SubmitIO pushed into, so "polling" here is pulling from a slice
// instead of reading a completion ring.
type Transport struct {
	mu      sync.Mutex
	pending []pendingCompletion
}

type pendingCompletion struct {
	sib        *taskpool.Sibling
	err        error
	onComplete transport.CompletionFunc
}

// New creates a loopback Transport.
func New() *Transport {
	return &Transport{}
}

func (t *Transport) SetupPayload(s *taskpool.Sibling, buf []byte, pattern byte, sizeBytes, unitSize int) error {
	payload := buf[:sizeBytes]
	for i := range payload {
		payload[i] = pattern
	}
	s.Iovecs = taskpool.IovecChunks(payload, unitSize)
	return nil
}

func (t *Transport) Init(spec transport.NamespaceSpec, numActive, numUnused int) (transport.Handle, error) {
	ns := NewNamespace(int64(spec.SizeInIOs) * int64(spec.IOSizeBlocks) * int64(spec.BlockSize))
	return &handle{mem: ns, numActive: numActive}, nil
}

func (t *Transport) Cleanup(h transport.Handle) error { return nil }

func (t *Transport) SubmitIO(h transport.Handle, qpair int, sib *taskpool.Sibling, params transport.SubmitParams, onComplete transport.CompletionFunc) error {
	hdl, ok := h.(*handle)
	if !ok {
		return errors.New("loopback: bad handle")
	}

	off := int64(params.OffsetInIOs) * int64(len(flatten(sib.Iovecs)))
	buf := flatten(sib.Iovecs)

	hdl.mem.mu.Lock()
	if off >= int64(len(hdl.mem.data)) {
		hdl.mem.mu.Unlock()
		return errors.New("loopback: offset beyond namespace size")
	}
	end := off + int64(len(buf))
	if end > int64(len(hdl.mem.data)) {
		end = int64(len(hdl.mem.data))
	}
	if params.IsRead {
		copy(buf, hdl.mem.data[off:end])
	} else {
		copy(hdl.mem.data[off:end], buf[:end-off])
	}
	hdl.mem.mu.Unlock()

	t.mu.Lock()
	t.pending = append(t.pending, pendingCompletion{sib: sib, onComplete: onComplete})
	t.mu.Unlock()
	return nil
}

func (t *Transport) CheckIO(h transport.Handle) (int, error) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, pc := range batch {
		if pc.onComplete != nil {
			pc.onComplete(pc.sib, pc.err)
		}
	}
	return len(batch), nil
}

func (t *Transport) VerifyIO(sib *taskpool.Sibling, spec transport.NamespaceSpec) error {
	return nil
}

func flatten(iovecs []taskpool.Iovec) []byte {
	total := 0
	for _, iov := range iovecs {
		total += iov.Len
	}
	out := make([]byte, 0, total)
	for _, iov := range iovecs {
		out = append(out, iov.Base[:iov.Len]...)
	}
	return out
}

var _ transport.Transport = (*Transport)(nil)
