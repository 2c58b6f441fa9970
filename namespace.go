package replperf

import (
	"fmt"

	"github.com/nvmeof-bench/replperf/internal/transport"
)

// Namespace describes one opened I/O target, per §3's Namespace entry.
// The global namespace list owns it; worker contexts only reference it.
type Namespace struct {
	ID   int
	Spec transport.NamespaceSpec

	// RNGSeed and ZipfTheta seed the per-worker nsctx.Context this
	// namespace is attached to; ZipfTheta of 0 means sequential/random
	// rather than Zipf.
	RNGSeed   uint64
	ZipfTheta float64
}

// SizeInIOs computes size_in_ios = device_capacity / io_size_bytes /
// io_limit, per §3's definition. ioLimit of 0 or 1 means unrestricted.
func SizeInIOs(deviceCapacityBytes int64, ioSizeBytes int, ioLimit int) uint64 {
	if ioSizeBytes <= 0 {
		return 0
	}
	n := uint64(deviceCapacityBytes) / uint64(ioSizeBytes)
	if ioLimit > 1 {
		n /= uint64(ioLimit)
	}
	return n
}

// Registry holds the process-wide list of namespaces, keyed by id, and
// assigns new ids sequentially starting at 0.
type Registry struct {
	byID map[int]*Namespace
	next int
}

// NewRegistry creates an empty namespace Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]*Namespace)}
}

// Register adds a namespace built from spec and returns it with a
// freshly assigned id.
func (r *Registry) Register(spec transport.NamespaceSpec, rngSeed uint64) *Namespace {
	ns := &Namespace{ID: r.next, Spec: spec, RNGSeed: rngSeed}
	r.byID[ns.ID] = ns
	r.next++
	return ns
}

// Get returns the namespace with the given id, or an error if none
// exists.
func (r *Registry) Get(id int) (*Namespace, error) {
	ns, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("replperf: no namespace with id %d", id)
	}
	return ns, nil
}

// All returns every registered namespace in ascending id order.
func (r *Registry) All() []*Namespace {
	out := make([]*Namespace, 0, len(r.byID))
	for i := 0; i < r.next; i++ {
		if ns, ok := r.byID[i]; ok {
			out = append(out, ns)
		}
	}
	return out
}

// MinSizeInIOs returns min(size_in_ios) over every registered namespace,
// the bound §8 requires sequential offset wraparound to respect.
func (r *Registry) MinSizeInIOs() uint64 {
	var min uint64
	first := true
	for _, ns := range r.byID {
		if first || ns.Spec.SizeInIOs < min {
			min = ns.Spec.SizeInIOs
			first = false
		}
	}
	return min
}
