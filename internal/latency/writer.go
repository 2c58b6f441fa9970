package latency

import (
	"fmt"
	"os"
	"time"
)

// stageOrder is the fixed emission order §4.7 specifies for the six rows
// per namespace-group.
var stageOrder = [numStages]Stage{
	StageTaskQueue, StageTaskComplete, StageReqSend, StageReqComplete, StageWrSend, StageWrComplete,
}

// Writer appends Snapshots to a CSV file, opening and closing the file
// on every flush rather than keeping a handle open — a deliberate
// crash-durability pattern preserved from the source this is grounded
// on (§9's design notes call this out explicitly as intentional).
type Writer struct {
	path string
}

// NewWriter creates a Writer appending to path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Drain reads from snapshots until it is closed or deadline elapses,
// appending one CSV row per stage per namespace (with a blank line
// terminating each namespace's six-row group) for every snapshot
// received.
func (w *Writer) Drain(snapshots <-chan Snapshot, deadline time.Duration) error {
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return nil
			}
			if err := w.flush(snap); err != nil {
				return err
			}
		case <-timeout.C:
			return nil
		}
	}
}

func (w *Writer) flush(snap Snapshot) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("latency: open %s: %w", w.path, err)
	}
	defer f.Close()

	for _, row := range snap.Rows {
		for _, stage := range stageOrder {
			acc := row.Stage[stage]
			avgNs := int64(0)
			if acc.IOCount > 0 {
				avgNs = acc.TotalNs / acc.IOCount
			}
			if _, err := fmt.Fprintf(f, "%d, %d, %s, %s, %d, %s\n",
				snap.ID, row.NSID, stage.String(), formatSecNsec(acc.TotalNs), acc.IOCount, formatSecNsec(avgNs)); err != nil {
				return fmt.Errorf("latency: write row: %w", err)
			}
		}
		if _, err := fmt.Fprintln(f); err != nil {
			return fmt.Errorf("latency: write blank line: %w", err)
		}
	}
	return nil
}

// formatSecNsec renders a nanosecond count as "sec:nsec", matching the
// source's latency.sec:latency.nsec column layout.
func formatSecNsec(ns int64) string {
	sec := ns / int64(time.Second)
	nsec := ns % int64(time.Second)
	return fmt.Sprintf("%d:%d", sec, nsec)
}
