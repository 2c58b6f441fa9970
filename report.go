package replperf

import (
	"fmt"
	"io"
	"time"

	"github.com/nvmeof-bench/replperf/internal/histogram"
	"github.com/nvmeof-bench/replperf/internal/nsctx"
)

// NamespaceReport is one namespace's end-of-run totals, per §7's
// "per-device totals and an aggregate row are printed at end-of-run."
type NamespaceReport struct {
	NSID         int
	IOSubmitted  uint64
	IOCompleted  uint64
	IOErrors     uint64
	MinLatencyNs int64
	MaxLatencyNs int64
	totalLatencyNs int64

	Hist histogram.Histogram // nil or histogram.NoOp unless -L/-LL was set
}

// AvgLatencyNs returns the mean completion latency, or 0 if nothing
// completed yet.
func (ns NamespaceReport) AvgLatencyNs() int64 {
	if ns.IOCompleted == 0 {
		return 0
	}
	return ns.totalLatencyNs / int64(ns.IOCompleted)
}

// AggregateReport is every namespace's report plus the overall totals
// row computed across all of them.
type AggregateReport struct {
	Elapsed    time.Duration
	Namespaces []NamespaceReport
	Aggregate  NamespaceReport
}

// BuildReport folds a set of namespace-worker contexts (one per
// (worker, namespace) pair) into one report per distinct namespace id,
// plus the all-namespace aggregate row.
func BuildReport(elapsed time.Duration, contexts []*nsctx.Context) *AggregateReport {
	byNS := make(map[int]*NamespaceReport)
	order := []int{}

	for _, ctx := range contexts {
		r, ok := byNS[ctx.NSID]
		if !ok {
			r = &NamespaceReport{NSID: ctx.NSID, Hist: ctx.Hist}
			byNS[ctx.NSID] = r
			order = append(order, ctx.NSID)
		}
		r.IOSubmitted += ctx.Stats.IOSubmitted
		r.IOCompleted += ctx.Stats.IOCompleted
		r.IOErrors += ctx.Stats.IOErrors
		if r.MinLatencyNs == 0 || (ctx.Stats.MinLatencyNs > 0 && ctx.Stats.MinLatencyNs < r.MinLatencyNs) {
			r.MinLatencyNs = ctx.Stats.MinLatencyNs
		}
		if ctx.Stats.MaxLatencyNs > r.MaxLatencyNs {
			r.MaxLatencyNs = ctx.Stats.MaxLatencyNs
		}
		r.totalLatencyNs += ctx.Stats.TotalLatency
	}

	report := &AggregateReport{Elapsed: elapsed}
	for _, id := range order {
		report.Namespaces = append(report.Namespaces, *byNS[id])
	}

	agg := NamespaceReport{NSID: -1}
	for _, r := range report.Namespaces {
		agg.IOSubmitted += r.IOSubmitted
		agg.IOCompleted += r.IOCompleted
		agg.IOErrors += r.IOErrors
		if agg.MinLatencyNs == 0 || (r.MinLatencyNs > 0 && r.MinLatencyNs < agg.MinLatencyNs) {
			agg.MinLatencyNs = r.MinLatencyNs
		}
		if r.MaxLatencyNs > agg.MaxLatencyNs {
			agg.MaxLatencyNs = r.MaxLatencyNs
		}
		agg.totalLatencyNs += r.totalLatencyNs
	}
	report.Aggregate = agg
	return report
}

// WriteText renders the report in the teacher's plain fmt.Fprintf style:
// one line per namespace, one aggregate line, and optional histogram
// percentile lines when a namespace carries a non-NoOp histogram.
func (r *AggregateReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "run complete: elapsed=%s\n", r.Elapsed)
	for _, ns := range r.Namespaces {
		if err := writeNamespaceLine(w, ns); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "---\n")
	return writeNamespaceLine(w, r.Aggregate)
}

func writeNamespaceLine(w io.Writer, ns NamespaceReport) error {
	label := fmt.Sprintf("ns=%d", ns.NSID)
	if ns.NSID < 0 {
		label = "aggregate"
	}
	_, err := fmt.Fprintf(w, "%s submitted=%d completed=%d errors=%d min_us=%.1f max_us=%.1f avg_us=%.1f\n",
		label, ns.IOSubmitted, ns.IOCompleted, ns.IOErrors,
		float64(ns.MinLatencyNs)/1000, float64(ns.MaxLatencyNs)/1000, float64(ns.AvgLatencyNs())/1000)
	if err != nil {
		return err
	}

	if ns.Hist == nil {
		return nil
	}
	if _, isNoOp := ns.Hist.(histogram.NoOp); isNoOp {
		return nil
	}
	_, err = fmt.Fprintf(w, "  p50=%.1fus p99=%.1fus p999=%.1fus max=%.1fus\n",
		float64(ns.Hist.ValueAtPercentile(50))/1000,
		float64(ns.Hist.ValueAtPercentile(99))/1000,
		float64(ns.Hist.ValueAtPercentile(99.9))/1000,
		float64(ns.Hist.Max())/1000)
	return err
}
