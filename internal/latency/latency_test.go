package latency

import (
	"os"
	"testing"
	"time"
)

func TestRecordAccumulatesPerStage(t *testing.T) {
	a := New(4)
	a.Record(1, StageTaskQueue, 1000)
	a.Record(1, StageTaskQueue, 2000)
	a.Record(1, StageTaskComplete, 500)

	snap := a.Sample()
	if len(snap.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(snap.Rows))
	}
	row := snap.Rows[0]
	if row.Stage[StageTaskQueue].TotalNs != 3000 || row.Stage[StageTaskQueue].IOCount != 2 {
		t.Errorf("task_queue accumulator = %+v, want {3000 2}", row.Stage[StageTaskQueue])
	}
	if row.Stage[StageTaskComplete].TotalNs != 500 || row.Stage[StageTaskComplete].IOCount != 1 {
		t.Errorf("task_complete accumulator = %+v, want {500 1}", row.Stage[StageTaskComplete])
	}
}

func TestSampleZeroesAfterSnapshot(t *testing.T) {
	a := New(4)
	a.Record(1, StageTaskQueue, 1000)

	first := a.Sample()
	if first.Rows[0].Stage[StageTaskQueue].TotalNs != 1000 {
		t.Fatalf("first snapshot total = %d, want 1000", first.Rows[0].Stage[StageTaskQueue].TotalNs)
	}

	second := a.Sample()
	if second.Rows[0].Stage[StageTaskQueue].TotalNs != 0 {
		t.Errorf("second snapshot total = %d, want 0 (reset after first sample)", second.Rows[0].Stage[StageTaskQueue].TotalNs)
	}
}

func TestSampleIDsIncrease(t *testing.T) {
	a := New(4)
	a.Record(1, StageTaskQueue, 1)
	s1 := a.Sample()
	a.Record(1, StageTaskQueue, 1)
	s2 := a.Sample()

	if s2.ID <= s1.ID {
		t.Errorf("snapshot IDs did not increase: %d then %d", s1.ID, s2.ID)
	}
}

func TestWriterFlushProducesStageRowsAndBlankLineTerminator(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/latency.csv"
	w := NewWriter(path)

	a := New(4)
	a.Record(5, StageTaskQueue, 1_500_000_000)
	snap := a.Sample()

	if err := w.flush(snap); err != nil {
		t.Fatalf("flush() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(data)

	if !contains(content, "5, task_queue, 1:500000000") {
		t.Errorf("expected a task_queue row with 1:500000000 total, got:\n%s", content)
	}
	lines := splitLines(content)
	if len(lines) == 0 || lines[len(lines)-1] != "" {
		t.Errorf("expected trailing blank line terminating the namespace group, got lines=%v", lines)
	}
}

func TestDrainStopsAtDeadline(t *testing.T) {
	a := New(1)
	w := NewWriter(t.TempDir() + "/latency.csv")

	done := make(chan error, 1)
	go func() { done <- w.Drain(a.Snapshots(), 20*time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Drain() error = %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Drain() did not return after its deadline elapsed")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
