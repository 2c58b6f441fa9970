// Package taskpool manages the lifetime of logical I/Os and their sibling
// sub-operations: the primary sibling that owns a DMA payload, and the
// copy siblings that borrow it. Adapted from the buffer-pool and
// size-bucketed-allocation discipline of a block-device queue's per-tag
// buffer management, generalized from one buffer per I/O tag to N aliased
// iovecs per logical I/O.
package taskpool

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nvmeof-bench/replperf/internal/constants"
)

// PayloadSetter is the narrow capability a transport must provide so the
// pool can hand a freshly allocated primary its DMA payload. The pool
// allocates and aligns the backing buffer itself (AllocateAligned), which
// may over-allocate past sizeBytes to satisfy alignment; a transport's
// SetupPayload fills exactly the first sizeBytes of buf with pattern and
// splits that portion into unitSize iovecs (never the whole, possibly
// padded, buf), since only the transport knows its natural chunking
// (e.g. loopback's smaller test chunks vs. a transport that issues one
// iovec per I/O). A concrete transport satisfies this structurally; no
// import of package transport is needed here.
type PayloadSetter interface {
	SetupPayload(s *Sibling, buf []byte, pattern byte, sizeBytes, unitSize int) error
}

// Sibling is one sub-operation of a logical I/O: either the primary (which
// owns the DMA payload) or a copy (which borrows it). Primary and Sibling
// share one type to avoid the arena needing two slot kinds; IsPrimary
// distinguishes them.
type Sibling struct {
	IOID      uint64
	NSID      int
	IsPrimary bool

	// Iovecs alias the primary's payload: copies bitwise-copy the
	// primary's iov_base pointers into their own slice so `iov_base` is
	// shared but the slice header (and its backing array) is private per
	// sibling, matching the "separate iovec array, same iov_base" rule.
	Iovecs []Iovec
	MDIov  Iovec

	// Primary points at the owning Primary (itself, if this Sibling IS
	// the primary). Copies never dereference into ownership; they only
	// read shared fields off it.
	Primary *Primary

	CreateTimeNs   int64
	SubmitTimeNs   int64
	CompleteTimeNs int64
}

// Iovec is a DMA-capable buffer region. Base is shared by reference
// between a primary and its copies; Len is independent per sibling only in
// the sense that every sibling's iovec array is its own slice.
type Iovec struct {
	Base []byte
	Len  int
}

// Primary is the sibling that owns the DMA payload and the full sibling
// list for one logical I/O.
type Primary struct {
	Sibling

	NSWorkerCtxID int // opaque handle the coordinator associates with this primary's home context

	Siblings        []*Sibling // insertion-ordered; primary appears in this list too
	RepCompletedNum int
	OffsetInIOs     uint64
	IsRead          bool

	payloadBuf   []byte // the aligned mmap'd region every sibling's Iovecs alias into
	payloadFreed bool
	mu           sync.Mutex
}

// AllocateAligned mmaps an anonymous region of at least size bytes,
// rounded up to a multiple of align. mmap always returns memory aligned
// to the system page size (4096 on every platform this engine targets),
// so any align up to one page is satisfied for free. For align above one
// page only the length is rounded up to a multiple of align; the base
// address is still only page aligned. Standing in
// for the posix_memalign/io_uring-registered-buffer allocation a real
// DMA payload needs.
func AllocateAligned(size, align int) ([]byte, error) {
	if size <= 0 {
		size = constants.DefaultDMAAlignment
	}
	if align <= 0 {
		align = constants.DefaultDMAAlignment
	}
	if rem := size % align; rem != 0 {
		size += align - rem
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("taskpool: mmap %d bytes: %w", size, err)
	}
	return buf, nil
}

// FreeAligned unmaps a buffer returned by AllocateAligned.
func FreeAligned(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}

// Pool allocates and recycles Primaries/Siblings. It holds no transport
// reference directly; callers pass a PayloadSetter so a loopback/aio/uring
// transport can all share one pool implementation.
type Pool struct {
	maxIOSizeBytes int
	ioUnitSize     int
	alignBytes     int
}

// New creates a Pool sized for payloads up to maxIOSizeBytes, split into
// iovecs of ioUnitSize bytes each, aligned to alignBytes (g_io_align).
func New(maxIOSizeBytes, ioUnitSize, alignBytes int) *Pool {
	if ioUnitSize <= 0 {
		ioUnitSize = maxIOSizeBytes
	}
	return &Pool{maxIOSizeBytes: maxIOSizeBytes, ioUnitSize: ioUnitSize, alignBytes: alignBytes}
}

// AllocatePrimary allocates a new primary sibling, asks ps to fill its
// payload with pattern, and seeds its sibling list with itself.
//
// The source this is grounded on terminates the process on allocation
// failure; Go code returns an error instead and lets the caller decide,
// since panicking a whole worker process over one failed allocation is not
// idiomatic here.
func (p *Pool) AllocatePrimary(ps PayloadSetter, ioID uint64, nsID int, pattern byte) (*Primary, error) {
	primary := &Primary{}
	primary.IOID = ioID
	primary.NSID = nsID
	primary.IsPrimary = true
	primary.Primary = primary

	buf, err := AllocateAligned(p.maxIOSizeBytes, p.alignBytes)
	if err != nil {
		return nil, fmt.Errorf("taskpool: allocate primary: %w", err)
	}

	if err := ps.SetupPayload(&primary.Sibling, buf, pattern, p.maxIOSizeBytes, p.ioUnitSize); err != nil {
		FreeAligned(buf)
		return nil, fmt.Errorf("taskpool: allocate primary: %w", err)
	}
	primary.payloadBuf = buf

	primary.Siblings = []*Sibling{&primary.Sibling}
	primary.RepCompletedNum = 0
	return primary, nil
}

// CloneInto allocates a copy sibling that borrows primary's payload and
// links it into primary's sibling list.
func (p *Pool) CloneInto(primary *Primary, nsID int) *Sibling {
	copy := &Sibling{
		IOID:      primary.IOID,
		NSID:      nsID,
		IsPrimary: false,
		Primary:   primary,
	}

	copy.Iovecs = make([]Iovec, len(primary.Iovecs))
	for i, iov := range primary.Iovecs {
		// Bitwise copy: same backing array (iov_base), independent slice
		// header, so trimming copy.Iovecs[i].Len never affects the
		// primary's view of the buffer.
		copy.Iovecs[i] = Iovec{Base: iov.Base, Len: iov.Len}
	}
	copy.MDIov = primary.MDIov

	primary.Siblings = append(primary.Siblings, copy)
	return copy
}

// MoveToLast removes sibling from its current position in primary's
// sibling list and re-appends it at the end, implementing the
// "final-send-main-rep" ordering option.
func (p *Pool) MoveToLast(primary *Primary, sibling *Sibling) {
	for i, s := range primary.Siblings {
		if s == sibling {
			primary.Siblings = append(primary.Siblings[:i], primary.Siblings[i+1:]...)
			break
		}
	}
	primary.Siblings = append(primary.Siblings, sibling)
}

// ReleaseGroup frees the DMA payload exactly once (via the primary) and
// then drops every sibling. It is safe to call concurrently with itself
// for the same primary at most once in effect — the second caller is a
// no-op — because on_sibling_complete only ever calls it from the single
// worker goroutine that owns this primary, but the guard costs nothing and
// documents the "freed exactly once" invariant.
func (p *Pool) ReleaseGroup(primary *Primary) {
	primary.mu.Lock()
	defer primary.mu.Unlock()
	if primary.payloadFreed {
		return
	}
	primary.payloadFreed = true
	FreeAligned(primary.payloadBuf)
	primary.payloadBuf = nil
	for i := range primary.Iovecs {
		primary.Iovecs[i].Base = nil
	}
	primary.MDIov.Base = nil
	primary.Siblings = nil
}

// Reset prepares primary for reissue under a new io_id: clears completion
// count and timestamps on every sibling, without touching the payload.
func (p *Pool) Reset(primary *Primary, newIOID uint64) {
	primary.RepCompletedNum = 0
	for _, s := range primary.Siblings {
		s.IOID = newIOID
		s.CreateTimeNs = 0
		s.SubmitTimeNs = 0
		s.CompleteTimeNs = 0
	}
	primary.IOID = newIOID
}

// IovecChunks splits payload into iovecs of at most unitSize bytes
// each, aliasing payload. Used by transports implementing SetupPayload.
func IovecChunks(payload []byte, unitSize int) []Iovec {
	if unitSize <= 0 || unitSize >= len(payload) {
		return []Iovec{{Base: payload, Len: len(payload)}}
	}
	n := (len(payload) + unitSize - 1) / unitSize
	chunks := make([]Iovec, 0, n)
	for off := 0; off < len(payload); off += unitSize {
		end := off + unitSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Iovec{Base: payload[off:end], Len: end - off})
	}
	return chunks
}
