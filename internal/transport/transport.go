// Package transport defines the uniform vtable the replica coordinator and
// worker loop submit I/O through, so neither one needs to know whether a
// namespace sits behind loopback memory, Linux AIO, or io_uring. Grounded
// on the teacher's internal/uring Ring/Batch/Result interface shape and
// internal/interfaces.Backend's capability-interface idiom, generalized
// from a single block device to a fan-out-capable namespace vtable, and
// on other_examples' ChaosHour-dbbackup IOGovernor for the sentinel
// queue-full error.
package transport

import (
	"errors"

	"github.com/nvmeof-bench/replperf/internal/taskpool"
)

// ErrQueueFull is returned by SubmitIO when the transport's submission
// queue is momentarily full. Per the transport vtable contract this maps
// to the "-ENOMEM, may retry" case: callers re-queue the sibling rather
// than treating it as fatal.
var ErrQueueFull = errors.New("transport: submission queue full")

// ErrDeviceRemoved is delivered through a CompletionFunc's err when a
// transport's completion maps to EIO/ENODEV: the namespace is gone and
// the coordinator should drain its context rather than reissue against
// it. Wrap it (fmt.Errorf("...: %w", ErrDeviceRemoved)) so errors.Is
// still matches after a transport adds its own context.
var ErrDeviceRemoved = errors.New("transport: device removed")

// Kind names which concrete transport a namespace is reachable through.
type Kind string

const (
	KindLoopback Kind = "loopback"
	KindAIO      Kind = "aio"
	KindURing    Kind = "uring"
)

// NamespaceSpec carries the attributes a transport needs to open and drive
// one namespace; it intentionally holds no reference to the coordinator's
// or nsctx's own types so package transport never needs to import them.
type NamespaceSpec struct {
	Kind Kind

	// Target is the traddr value of the target's -r/--transport spec:
	// the file path aio and uring open; loopback ignores it.
	Target string

	SizeInIOs      uint64
	BlockSize      int
	IOSizeBlocks   int
	MaxIOSizeBytes int
	IOUnitSize     int
	AlignBytes     int
	PIEnabled      bool
}

// SubmitParams is the shared (offset, direction) tuple the coordinator
// computes once per logical I/O and passes unchanged to every sibling's
// SubmitIO call.
type SubmitParams struct {
	OffsetInIOs uint64
	IsRead      bool
}

// CompletionFunc is invoked synchronously from within CheckIO for every
// reaped completion. err is nil on success; transports translate their
// native status codes (EIO, etc.) before calling back.
type CompletionFunc func(sib *taskpool.Sibling, err error)

// Handle is opaque per-(worker, namespace) transport state returned by
// Init and threaded back through every later call against that context.
// Only the transport that produced a Handle interprets it.
type Handle interface {
	// NumActiveQueuePairs reports how many of the handle's queue pairs
	// are eligible for submission; the rest were opened only to
	// reproduce controller-side resource exhaustion and are never
	// selected by SubmitIO's qpair argument.
	NumActiveQueuePairs() int
}

// Transport is the vtable §4.2 describes. Every method is called only
// from the single worker goroutine that owns the Handle; the concrete
// transports still guard their internal state with a mutex.
type Transport interface {
	taskpool.PayloadSetter

	// Init opens numActive+numUnused queue pairs against spec and returns
	// a Handle usable by every other method. Init itself does not retry;
	// nsctx.Context.Init calls it again until it succeeds or the connect
	// deadline passes.
	Init(spec NamespaceSpec, numActive, numUnused int) (Handle, error)

	// Cleanup tears down queue pairs, poll groups, and event arrays.
	Cleanup(h Handle) error

	// SubmitIO issues sib's read/write at params against queue pair
	// qpair (caller-chosen, round-robin per §4.3). onComplete is called
	// back from a future CheckIO once the completion is reaped.
	SubmitIO(h Handle, qpair int, sib *taskpool.Sibling, params SubmitParams, onComplete CompletionFunc) error

	// CheckIO polls up to some transport-internal completion budget,
	// invoking onComplete synchronously for each reaped completion, and
	// returns the count reaped. A negative count is never returned;
	// transport errors come back as err instead.
	CheckIO(h Handle) (int, error)

	// VerifyIO checks DIF/DIX over sib's iovecs when spec.PIEnabled and
	// sib was a read; a no-op transport may simply return nil.
	VerifyIO(sib *taskpool.Sibling, spec NamespaceSpec) error
}
