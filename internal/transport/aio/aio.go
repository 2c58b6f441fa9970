// Package aio implements the transport vtable against Linux AIO
// (io_setup/io_submit/io_getevents), for namespaces reachable as a local
// block device or regular file rather than a remote fabric target.
// Grounded on other_examples' runningwild-jolt libaio engine, which
// defines the same iocb/ioEvent kernel-ABI structs and issues the same
// three syscalls via golang.org/x/sys/unix.
package aio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nvmeof-bench/replperf/internal/taskpool"
	"github.com/nvmeof-bench/replperf/internal/transport"
)

const (
	iocbCmdPRead  = 0
	iocbCmdPWrite = 1
)

// iocb mirrors the kernel's struct iocb (64-bit layout, x86_64/arm64).
type iocb struct {
	Data      uint64
	Key       uint32
	RWFlags   uint32
	OpCode    uint16
	ReqPrio   int16
	FD        uint32
	Buf       uint64
	NBytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFD     uint32
}

// ioEvent mirrors the kernel's struct io_event.
type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

type inflight struct {
	sib        *taskpool.Sibling
	onComplete transport.CompletionFunc
}

type handle struct {
	mu        sync.Mutex
	ctxID      uintptr
	file      *os.File
	numActive int
	byData    map[uint64]*inflight
	nextID    uint64
}

func (h *handle) NumActiveQueuePairs() int { return h.numActive }

// Transport implements transport.Transport over Linux AIO.
type Transport struct{}

// New creates an aio Transport.
func New() *Transport { return &Transport{} }

func (t *Transport) SetupPayload(s *taskpool.Sibling, buf []byte, pattern byte, sizeBytes, unitSize int) error {
	payload := buf[:sizeBytes]
	for i := range payload {
		payload[i] = pattern
	}
	s.Iovecs = taskpool.IovecChunks(payload, unitSize)
	return nil
}

func (t *Transport) Init(spec transport.NamespaceSpec, numActive, numUnused int) (transport.Handle, error) {
	f, err := os.OpenFile(spec.Target, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("aio: open %s: %w", spec.Target, err)
	}

	total := numActive + numUnused
	if total <= 0 {
		total = 1
	}

	var ctxID uintptr
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(total*8), uintptr(unsafe.Pointer(&ctxID)), 0); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("aio: io_setup: %w", errno)
	}

	return &handle{
		ctxID:     ctxID,
		file:      f,
		numActive: numActive,
		byData:    make(map[uint64]*inflight),
	}, nil
}

func (t *Transport) Cleanup(h transport.Handle) error {
	hdl, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("aio: bad handle")
	}
	unix.Syscall(unix.SYS_IO_DESTROY, hdl.ctxID, 0, 0)
	return hdl.file.Close()
}

func (t *Transport) SubmitIO(h transport.Handle, qpair int, sib *taskpool.Sibling, params transport.SubmitParams, onComplete transport.CompletionFunc) error {
	hdl, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("aio: bad handle")
	}

	buf := flatten(sib.Iovecs)
	op := uint16(iocbCmdPWrite)
	if params.IsRead {
		op = iocbCmdPRead
	}

	hdl.mu.Lock()
	hdl.nextID++
	dataID := hdl.nextID
	hdl.byData[dataID] = &inflight{sib: sib, onComplete: onComplete}
	hdl.mu.Unlock()

	cb := &iocb{
		Data:   dataID,
		OpCode: op,
		FD:     uint32(hdl.file.Fd()),
		Buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		NBytes: uint64(len(buf)),
		Offset: int64(params.OffsetInIOs) * int64(len(buf)),
	}
	cbPtrs := [1]*iocb{cb}

	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, hdl.ctxID, 1, uintptr(unsafe.Pointer(&cbPtrs[0])))
	if errno == unix.EAGAIN {
		hdl.mu.Lock()
		delete(hdl.byData, dataID)
		hdl.mu.Unlock()
		return transport.ErrQueueFull
	}
	if errno != 0 {
		hdl.mu.Lock()
		delete(hdl.byData, dataID)
		hdl.mu.Unlock()
		return fmt.Errorf("aio: io_submit: %w", errno)
	}
	if n != 1 {
		return fmt.Errorf("aio: io_submit returned %d", n)
	}
	return nil
}

func (t *Transport) CheckIO(h transport.Handle) (int, error) {
	hdl, ok := h.(*handle)
	if !ok {
		return 0, fmt.Errorf("aio: bad handle")
	}

	const maxCompletions = 32
	events := make([]ioEvent, maxCompletions)

	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, hdl.ctxID, 0, uintptr(maxCompletions), uintptr(unsafe.Pointer(&events[0])), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("aio: io_getevents: %w", errno)
	}

	for i := 0; i < int(n); i++ {
		ev := events[i]
		hdl.mu.Lock()
		inf, found := hdl.byData[ev.Data]
		delete(hdl.byData, ev.Data)
		hdl.mu.Unlock()
		if !found {
			continue
		}

		var err error
		if ev.Res < 0 {
			errno := unix.Errno(uintptr(-ev.Res))
			if errno == unix.EIO || errno == unix.ENODEV {
				err = fmt.Errorf("aio: completion errno=%d: %w", errno, transport.ErrDeviceRemoved)
			} else {
				err = fmt.Errorf("aio: completion error res=%d", ev.Res)
			}
		}
		if inf.onComplete != nil {
			inf.onComplete(inf.sib, err)
		}
	}

	return int(n), nil
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
