package histogram

import (
	"sync"

	hdr "github.com/HdrHistogram/hdrhistogram-go"
)

// HDR is the default Histogram implementation, backed by
// github.com/HdrHistogram/hdrhistogram-go. Grounded on the way
// other_examples' jolt AIO driver uses the same library to report
// completion latencies off a real Linux AIO poll loop.
type HDR struct {
	mu   sync.Mutex
	hist *hdr.Histogram
}

// NewHDR creates an HDR histogram covering [1ns, maxLatencyNs] with the
// given number of significant decimal digits of precision (hdrhistogram
// accepts 1-5; 3 matches typical latency-tool defaults).
func NewHDR(maxLatencyNs int64, sigFigs int) *HDR {
	return &HDR{hist: hdr.New(1, maxLatencyNs, sigFigs)}
}

func (h *HDR) RecordValue(latencyNs int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.RecordValue(latencyNs)
}

func (h *HDR) ValueAtPercentile(percentile float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtPercentile(percentile)
}

func (h *HDR) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Mean()
}

func (h *HDR) Max() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Max()
}

func (h *HDR) Min() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Min()
}

func (h *HDR) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

func (h *HDR) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Reset()
}

var _ Histogram = (*HDR)(nil)
