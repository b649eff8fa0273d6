package kastordb

import (
	"bytes"
	"math"
	"sort"
	"testing"
)

func TestEncodeStringFieldOrdersLexicographically(t *testing.T) {
	in := []string{"banana", "apple", "cherry", ""}
	want := append([]string(nil), in...)
	sort.Strings(want)

	got := append([]string(nil), in...)
	sort.Slice(got, func(i, j int) bool {
		return bytes.Compare(EncodeStringField(got[i]), EncodeStringField(got[j])) < 0
	})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestEncodeInt64FieldOrdersSigned(t *testing.T) {
	vals := []int64{5, -5, 0, math.MinInt64, math.MaxInt64, -1, 1}
	want := append([]int64(nil), vals...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })

	got := append([]int64(nil), vals...)
	sort.Slice(got, func(i, j int) bool {
		return bytes.Compare(EncodeInt64Field(got[i]), EncodeInt64Field(got[j])) < 0
	})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestEncodeFloat64FieldOrdersSigned(t *testing.T) {
	vals := []float64{3.14, -2.71, 0, -0.0001, 1e10, -1e10, math.Inf(1), math.Inf(-1)}
	want := append([]float64(nil), vals...)
	sort.Float64s(want)

	got := append([]float64(nil), vals...)
	sort.Slice(got, func(i, j int) bool {
		return bytes.Compare(EncodeFloat64Field(got[i]), EncodeFloat64Field(got[j])) < 0
	})
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestEncodeBoolFieldOrdersFalseBeforeTrue(t *testing.T) {
	if bytes.Compare(EncodeBoolField(false), EncodeBoolField(true)) >= 0 {
		t.Fatal("expected false to encode before true")
	}
}
