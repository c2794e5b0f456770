package tensor

import (
	"math"
	"testing"
)

func TestNewShapeValidation(t *testing.T) {
	if _, err := New([]int{2, 3}, make([]float32, 5)); err == nil {
		t.Error("Expected error for mismatched shape and data length")
	}

	tt, err := New([]int{2, 3}, make([]float32, 6))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tt.NumElems() != 6 {
		t.Errorf("Expected 6 elements, got %d", tt.NumElems())
	}
}

func TestSumPerSample(t *testing.T) {
	tt, err := New([]int{2, 2, 2}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	sums, err := SumPerSample(tt)
	if err != nil {
		t.Fatalf("SumPerSample failed: %v", err)
	}

	expected := []float64{10, 26}
	for i, want := range expected {
		if math.Abs(sums[i]-want) > 1e-9 {
			t.Errorf("Sample %d: expected sum %f, got %f", i, want, sums[i])
		}
	}
}

func TestAbsDiffSum(t *testing.T) {
	a, _ := New([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := New([]int{2, 2}, []float32{2, 2, 3, 3})

	got, err := AbsDiffSum(a, b)
	if err != nil {
		t.Fatalf("AbsDiffSum failed: %v", err)
	}
	// |3-4| + |7-6| = 2
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("Expected 2.0, got %f", got)
	}
}

func TestSquaredDiffSum(t *testing.T) {
	a, _ := New([]int{2, 2}, []float32{1, 2, 3, 4})
	b, _ := New([]int{2, 2}, []float32{0, 0, 0, 0})

	got, err := SquaredDiffSum(a, b)
	if err != nil {
		t.Fatalf("SquaredDiffSum failed: %v", err)
	}
	// 3^2 + 7^2 = 58
	if math.Abs(got-58.0) > 1e-9 {
		t.Errorf("Expected 58.0, got %f", got)
	}
}

func TestGradAccumulation(t *testing.T) {
	tt := Zeros([]int{3})
	tt.SetRequiresGrad(true)

	if err := tt.AccumulateGrad([]float32{1, 2, 3}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}
	if err := tt.AccumulateGrad([]float32{1, 1, 1}); err != nil {
		t.Fatalf("AccumulateGrad failed: %v", err)
	}

	expected := []float32{2, 3, 4}
	for i, want := range expected {
		if tt.Grad()[i] != want {
			t.Errorf("Grad[%d]: expected %f, got %f", i, want, tt.Grad()[i])
		}
	}

	tt.ZeroGrad()
	for i, v := range tt.Grad() {
		if v != 0 {
			t.Errorf("Grad[%d]: expected 0 after ZeroGrad, got %f", i, v)
		}
	}
}

func TestAccumulateGradRequiresFlag(t *testing.T) {
	tt := Zeros([]int{2})
	if err := tt.AccumulateGrad([]float32{1, 1}); err == nil {
		t.Error("Expected error accumulating into non-trainable tensor")
	}
}

func TestElementwiseOps(t *testing.T) {
	a, _ := New([]int{2}, []float32{1, 2})
	b, _ := New([]int{2}, []float32{3, 5})

	sum, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum.Data[0] != 4 || sum.Data[1] != 7 {
		t.Errorf("Add: expected [4 7], got %v", sum.Data)
	}

	diff, err := Sub(b, a)
	if err != nil {
		t.Fatalf("Sub failed: %v", err)
	}
	if diff.Data[0] != 2 || diff.Data[1] != 3 {
		t.Errorf("Sub: expected [2 3], got %v", diff.Data)
	}

	scaled := Scale(a, 2)
	if scaled.Data[0] != 2 || scaled.Data[1] != 4 {
		t.Errorf("Scale: expected [2 4], got %v", scaled.Data)
	}
	if a.Data[0] != 1 {
		t.Error("Scale must not mutate its input")
	}

	c := Zeros([]int{3})
	if _, err := Add(a, c); err == nil {
		t.Error("Expected shape mismatch error")
	}
}

func TestL2Norm(t *testing.T) {
	got := L2Norm([]float32{3, 4})
	if math.Abs(got-5.0) > 1e-9 {
		t.Errorf("Expected 5.0, got %f", got)
	}
}
