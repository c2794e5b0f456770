package training

import (
	"math"
	"testing"

	"github.com/b10902118/GeCo/tensor"
)

func gradParam(t *testing.T, grads []float32) *tensor.Tensor {
	t.Helper()
	p := tensor.Zeros([]int{len(grads)})
	p.SetRequiresGrad(true)
	if err := p.AccumulateGrad(grads); err != nil {
		t.Fatalf("accumulating gradient: %v", err)
	}
	return p
}

func TestClipGradNormScalesDownLargeGradients(t *testing.T) {
	p := gradParam(t, []float32{3, 4}) // norm 5

	norm := ClipGradNorm([]*tensor.Tensor{p}, 1.0)
	if math.Abs(norm-5) > 1e-6 {
		t.Errorf("pre-clip norm = %v, want 5", norm)
	}
	if after := tensor.L2Norm(p.Grad()); math.Abs(after-1) > 1e-5 {
		t.Errorf("post-clip norm = %v, want 1", after)
	}
	// Direction preserved.
	g := p.Grad()
	if math.Abs(float64(g[1]/g[0])-4.0/3.0) > 1e-5 {
		t.Errorf("clipping changed gradient direction: %v", g)
	}
}

func TestClipGradNormLeavesSmallGradientsAlone(t *testing.T) {
	p := gradParam(t, []float32{0.3, 0.4})

	norm := ClipGradNorm([]*tensor.Tensor{p}, 1.0)
	if math.Abs(norm-0.5) > 1e-6 {
		t.Errorf("pre-clip norm = %v, want 0.5", norm)
	}
	g := p.Grad()
	if g[0] != 0.3 || g[1] != 0.4 {
		t.Errorf("gradient below the threshold was modified: %v", g)
	}
}

func TestClipGradNormDisabledByNonPositiveMax(t *testing.T) {
	for _, maxNorm := range []float64{0, -1} {
		p := gradParam(t, []float32{30, 40})
		norm := ClipGradNorm([]*tensor.Tensor{p}, maxNorm)
		if math.Abs(norm-50) > 1e-4 {
			t.Errorf("maxNorm=%v: pre-clip norm = %v, want 50", maxNorm, norm)
		}
		g := p.Grad()
		if g[0] != 30 || g[1] != 40 {
			t.Errorf("maxNorm=%v: disabled clipping modified gradients: %v", maxNorm, g)
		}
	}
}

func TestClipGradNormSpansMultipleTensors(t *testing.T) {
	a := gradParam(t, []float32{3})
	b := gradParam(t, []float32{4})
	noGrad := tensor.Zeros([]int{2})

	norm := ClipGradNorm([]*tensor.Tensor{a, b, noGrad}, 2.5)
	if math.Abs(norm-5) > 1e-6 {
		t.Errorf("global norm = %v, want 5", norm)
	}
	total := math.Sqrt(float64(a.Grad()[0]*a.Grad()[0] + b.Grad()[0]*b.Grad()[0]))
	if math.Abs(total-2.5) > 1e-5 {
		t.Errorf("post-clip global norm = %v, want 2.5", total)
	}
}
