package replperf

import (
	"sync"

	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
)

// MockTransport is a transport.Transport that completes every submission
// synchronously out of an in-process queue, tracking call counts for
// verification and letting a test inject failures on demand. Adapted from
// the teacher's MockBackend: same call-counting and "Is*"/"CallCounts"
// inspection idiom, generalized from a ReadAt/WriteAt block device to the
// submit/check vtable package transport defines.
type MockTransport struct {
	mu sync.Mutex

	initCalls    int
	cleanupCalls int
	submitCalls  int
	checkCalls   int

	pending []mockCompletion

	// InitErr, when non-nil, is returned by every Init call.
	InitErr error

	// SubmitErr, when non-nil, is returned by every SubmitIO call instead
	// of queuing a completion.
	SubmitErr error

	// FailNext completions are delivered with a device-removed error
	// (wrapping transport.ErrDeviceRemoved) instead of nil; decremented
	// once per delivered completion.
	FailNext int
}

type mockCompletion struct {
	sib        *taskpool.Sibling
	onComplete transport.CompletionFunc
}

type mockHandle struct{ numActive int }

func (h *mockHandle) NumActiveQueuePairs() int { return h.numActive }

// NewMockTransport creates a MockTransport with no injected failures.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// SetupPayload implements taskpool.PayloadSetter by filling the pool's
// pre-allocated buf with pattern and chunking it at unitSize; tests that
// don't care about payload contents can use the zero value it produces.
func (m *MockTransport) SetupPayload(s *taskpool.Sibling, buf []byte, pattern byte, sizeBytes, unitSize int) error {
	payload := buf[:sizeBytes]
	for i := range payload {
		payload[i] = pattern
	}
	s.Iovecs = taskpool.IovecChunks(payload, unitSize)
	return nil
}

func (m *MockTransport) Init(spec transport.NamespaceSpec, numActive, numUnused int) (transport.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.InitErr != nil {
		return nil, m.InitErr
	}
	return &mockHandle{numActive: numActive}, nil
}

func (m *MockTransport) Cleanup(h transport.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupCalls++
	return nil
}

// SubmitIO queues sib's completion for the next CheckIO call rather than
// completing it inline, so tests can control exactly when a worker observes
// a reaped completion.
func (m *MockTransport) SubmitIO(h transport.Handle, qpair int, sib *taskpool.Sibling, params transport.SubmitParams, onComplete transport.CompletionFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitCalls++
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.pending = append(m.pending, mockCompletion{sib: sib, onComplete: onComplete})
	return nil
}

func (m *MockTransport) CheckIO(h transport.Handle) (int, error) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.checkCalls++
	m.mu.Unlock()

	for _, c := range batch {
		var err error
		m.mu.Lock()
		if m.FailNext > 0 {
			m.FailNext--
			err = &Error{Op: "check_io", Worker: -1, NSID: -1, Code: ErrCodeDeviceRemoved, Msg: "mock injected failure", Inner: transport.ErrDeviceRemoved}
		}
		m.mu.Unlock()
		if c.onComplete != nil {
			c.onComplete(c.sib, err)
		}
	}
	return len(batch), nil
}

func (m *MockTransport) VerifyIO(sib *taskpool.Sibling, spec transport.NamespaceSpec) error {
	return nil
}

// CallCounts returns the number of times each vtable method has been
// called, for assertions in tests that exercise a worker or coordinator
// against this mock.
func (m *MockTransport) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"init":    m.initCalls,
		"cleanup": m.cleanupCalls,
		"submit":  m.submitCalls,
		"check":   m.checkCalls,
	}
}

// Backlog returns the number of completions queued but not yet delivered
// by CheckIO.
func (m *MockTransport) Backlog() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

var _ transport.Transport = (*MockTransport)(nil)
