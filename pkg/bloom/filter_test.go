package bloom

import (
	"fmt"
	"testing"
)

func TestSizingMatchesFormula(t *testing.T) {
	m, k := Sizing(1000, 0.001)
	if m == 0 || k == 0 {
		t.Fatalf("expected nonzero m, k, got m=%d k=%d", m, k)
	}
	// m should grow roughly linearly with n at fixed p.
	m2, _ := Sizing(2000, 0.001)
	if m2 <= m {
		t.Fatalf("expected m to grow with n: m=%d m2=%d", m, m2)
	}
}

func TestAddThenTestAlwaysMatches(t *testing.T) {
	f := New(1000, 0.001)
	hashes := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		h := fmt.Sprintf("%064x", i)
		hashes = append(hashes, h)
		f.Add(h)
	}
	for _, h := range hashes {
		if !f.Test(h) {
			t.Fatalf("expected %s to test positive after Add", h)
		}
	}
}

func TestTestAbsentItemsMostlyNegative(t *testing.T) {
	f := New(1000, 0.001)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("%064x", i))
	}
	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		h := fmt.Sprintf("%064x", 1_000_000+i)
		if f.Test(h) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(trials)
	if rate > 0.01 {
		t.Fatalf("false positive rate too high: %f (wanted close to 0.001)", rate)
	}
}

func TestFromBitsRoundTrips(t *testing.T) {
	f := New(100, 0.001)
	f.Add("deadbeef")
	reconstructed := FromBits(f.Bits(), f.M(), f.K())
	if !reconstructed.Test("deadbeef") {
		t.Fatal("expected reconstructed filter to retain membership")
	}
}
