package histogram

import "testing"

func TestNoOp(t *testing.T) {
	var h NoOp
	if err := h.RecordValue(1000); err != nil {
		t.Errorf("RecordValue() error = %v, want nil", err)
	}
	if v := h.ValueAtPercentile(99); v != 0 {
		t.Errorf("ValueAtPercentile() = %d, want 0", v)
	}
}

func TestHDRRecordAndPercentiles(t *testing.T) {
	h := NewHDR(1_000_000_000, 3)

	for i := 0; i < 100; i++ {
		if err := h.RecordValue(1_000_000); err != nil {
			t.Fatalf("RecordValue() error = %v", err)
		}
	}
	h.RecordValue(50_000_000)

	if got := h.TotalCount(); got != 101 {
		t.Errorf("TotalCount() = %d, want 101", got)
	}

	p50 := h.ValueAtPercentile(50)
	if p50 < 900_000 || p50 > 1_100_000 {
		t.Errorf("ValueAtPercentile(50) = %d, want ~1ms", p50)
	}

	if max := h.Max(); max < 40_000_000 {
		t.Errorf("Max() = %d, want >= 40ms", max)
	}
}

func TestHDRReset(t *testing.T) {
	h := NewHDR(1_000_000_000, 3)
	h.RecordValue(5_000_000)

	if h.TotalCount() == 0 {
		t.Fatal("expected non-zero count before reset")
	}

	h.Reset()

	if got := h.TotalCount(); got != 0 {
		t.Errorf("TotalCount() after Reset() = %d, want 0", got)
	}
}
