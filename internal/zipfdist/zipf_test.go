package zipfdist

import "testing"

func TestUniformInRange(t *testing.T) {
	g := NewUniform(1, 1000)
	for i := 0; i < 1000; i++ {
		v := g.Next()
		if v >= 1000 {
			t.Fatalf("Next() = %d, want < 1000", v)
		}
	}
}

func TestZipfInRange(t *testing.T) {
	g := New(1, 1.5, 1, 1000)
	for i := 0; i < 1000; i++ {
		v := g.Next()
		if v >= 1000 {
			t.Fatalf("Next() = %d, want < 1000", v)
		}
	}
}

func TestZipfDegenerate(t *testing.T) {
	g := New(1, 1.5, 1, 0)
	if v := g.Next(); v != 0 {
		t.Errorf("Next() on empty range = %d, want 0", v)
	}

	g = New(1, 1.5, 1, 1)
	if v := g.Next(); v != 0 {
		t.Errorf("Next() on single-block range = %d, want 0", v)
	}
}

func TestZipfSkewed(t *testing.T) {
	// A highly skewed distribution should land on offset 0 far more often
	// than a uniform one over many draws.
	g := New(2, 3.0, 1, 10000)
	zeroCount := 0
	const draws = 2000
	for i := 0; i < draws; i++ {
		if g.Next() == 0 {
			zeroCount++
		}
	}
	if zeroCount < draws/4 {
		t.Errorf("expected heavy skew toward offset 0, got %d/%d", zeroCount, draws)
	}
}
