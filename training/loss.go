package training

import (
	"fmt"
	"math"

	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/tensor"
)

// CountingLoss scores a predicted density map against the ground truth.
// numObjects is the global object count of the step, shared by every
// process so the loss surface is identical everywhere.
type CountingLoss interface {
	Forward(pred, target *tensor.Tensor, numObjects float64) (float64, error)
	Backward(pred, target *tensor.Tensor, numObjects float64) (*tensor.Tensor, error)
}

// ObjectNormalizedL2Loss is the squared error between density maps
// divided by the global object count rather than the element count.
type ObjectNormalizedL2Loss struct{}

// Forward returns sum((pred-target)^2) / numObjects.
func (ObjectNormalizedL2Loss) Forward(pred, target *tensor.Tensor, numObjects float64) (float64, error) {
	if err := checkLossInputs(pred, target, numObjects); err != nil {
		return 0, err
	}
	var sum float64
	for i := range pred.Data {
		d := float64(pred.Data[i]) - float64(target.Data[i])
		sum += d * d
	}
	return sum / numObjects, nil
}

// Backward returns the gradient of Forward with respect to pred.
func (ObjectNormalizedL2Loss) Backward(pred, target *tensor.Tensor, numObjects float64) (*tensor.Tensor, error) {
	if err := checkLossInputs(pred, target, numObjects); err != nil {
		return nil, err
	}
	grad := tensor.Zeros(pred.Shape)
	for i := range pred.Data {
		grad.Data[i] = float32(2 * (float64(pred.Data[i]) - float64(target.Data[i])) / numObjects)
	}
	return grad, nil
}

func checkLossInputs(pred, target *tensor.Tensor, numObjects float64) error {
	if pred == nil || target == nil {
		return fmt.Errorf("loss inputs must not be nil")
	}
	if !tensor.SameShape(pred, target) {
		return fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape, target.Shape)
	}
	if numObjects <= 0 {
		return fmt.Errorf("object count must be positive, got %g", numObjects)
	}
	return nil
}

// DetectionLoss scores box regression offsets against ground-truth
// boxes on the canonical image plane. locations carries the feature
// cell centers in cell units, shape [h*w, 2]. Both methods return
// unnormalized sums; the caller divides by the global object count.
type DetectionLoss interface {
	Forward(locations, offsets *tensor.Tensor, targets boxes.BoxList) (float64, error)
	Backward(locations, offsets *tensor.Tensor, targets boxes.BoxList) (*tensor.Tensor, error)
}

// CenterL1Loss regresses the four edge distances from the center of the
// feature cell containing each ground-truth box. Offsets are
// (left, top, right, bottom) distances in image-plane units.
type CenterL1Loss struct{}

// Forward sums |offset - target extent| over every ground-truth box.
func (CenterL1Loss) Forward(locations, offsets *tensor.Tensor, targets boxes.BoxList) (float64, error) {
	var total float64
	err := eachBoxResidual(locations, offsets, targets, func(_ int, residual [4]float64) {
		for _, r := range residual {
			total += math.Abs(r)
		}
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Backward returns the gradient of Forward with respect to offsets.
func (CenterL1Loss) Backward(locations, offsets *tensor.Tensor, targets boxes.BoxList) (*tensor.Tensor, error) {
	grad := tensor.Zeros(offsets.Shape)
	err := eachBoxResidual(locations, offsets, targets, func(base int, residual [4]float64) {
		for k, r := range residual {
			switch {
			case r > 0:
				grad.Data[base+k] += 1
			case r < 0:
				grad.Data[base+k] -= 1
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return grad, nil
}

// eachBoxResidual visits every ground-truth box, matches it to the
// feature cell containing its center, and reports offset minus target
// edge distance measured from that cell's center. base indexes the
// cell's first offset component in the flattened tensor.
func eachBoxResidual(locations, offsets *tensor.Tensor, targets boxes.BoxList, visit func(base int, residual [4]float64)) error {
	if locations == nil || offsets == nil {
		return fmt.Errorf("locations and offsets must not be nil")
	}
	if len(offsets.Shape) != 4 || offsets.Shape[3] != 4 {
		return fmt.Errorf("offsets must have shape [batch, h, w, 4], got %v", offsets.Shape)
	}
	batch, h, w := offsets.Shape[0], offsets.Shape[1], offsets.Shape[2]
	if len(locations.Shape) != 2 || locations.Shape[0] != h*w || locations.Shape[1] != 2 {
		return fmt.Errorf("locations must have shape [%d, 2], got %v", h*w, locations.Shape)
	}
	if len(targets.Boxes) != batch {
		return fmt.Errorf("targets cover %d images, offsets cover %d", len(targets.Boxes), batch)
	}
	if targets.Width <= 0 || targets.Height <= 0 {
		return fmt.Errorf("target plane %dx%d is degenerate", targets.Width, targets.Height)
	}

	cellW := float64(targets.Width) / float64(w)
	cellH := float64(targets.Height) / float64(h)
	for b := 0; b < batch; b++ {
		for _, box := range targets.Boxes[b] {
			x1, y1 := float64(box.X1), float64(box.Y1)
			x2, y2 := float64(box.X2), float64(box.Y2)
			cx := (x1 + x2) / 2
			cy := (y1 + y2) / 2
			col := clampInt(int(cx/cellW), 0, w-1)
			row := clampInt(int(cy/cellH), 0, h-1)
			cell := row*w + col
			locX := float64(locations.Data[cell*2]) * cellW
			locY := float64(locations.Data[cell*2+1]) * cellH
			base := ((b*h+row)*w + col) * 4

			want := [4]float64{locX - x1, locY - y1, x2 - locX, y2 - locY}
			var residual [4]float64
			for k := 0; k < 4; k++ {
				residual[k] = float64(offsets.Data[base+k]) - want[k]
			}
			visit(base, residual)
		}
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
