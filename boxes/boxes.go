// Package boxes holds the box-coordinate utilities the pretraining loop
// needs: ground-truth box lists in xyxy form, resizing between the input
// image plane and the model output plane, and anchor location derivation
// from predicted offset maps.
package boxes

import (
	"fmt"

	"github.com/b10902118/GeCo/tensor"
)

// Box is an axis-aligned box in xyxy order.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// BoxList is a per-image set of boxes tied to the size of the plane its
// coordinates live in.
type BoxList struct {
	Boxes  [][]Box // one slice of boxes per image in the batch
	Width  int
	Height int
}

// NewBoxList creates a box list over a square image plane.
func NewBoxList(perImage [][]Box, size int) BoxList {
	return BoxList{Boxes: perImage, Width: size, Height: size}
}

// Resize returns a copy of the list scaled onto a new plane size.
func (bl BoxList) Resize(width, height int) BoxList {
	sx := float32(width) / float32(bl.Width)
	sy := float32(height) / float32(bl.Height)

	out := BoxList{
		Boxes:  make([][]Box, len(bl.Boxes)),
		Width:  width,
		Height: height,
	}
	for i, img := range bl.Boxes {
		scaled := make([]Box, len(img))
		for j, b := range img {
			scaled[j] = Box{
				X1: b.X1 * sx,
				Y1: b.Y1 * sy,
				X2: b.X2 * sx,
				Y2: b.Y2 * sy,
			}
		}
		out.Boxes[i] = scaled
	}
	return out
}

// ComputeLocation derives the anchor coordinate of every spatial cell of an
// offset map. offsets has shape [batch, height, width, 4] (l, t, r, b per
// cell, already scaled to the target plane). The returned tensor has shape
// [height*width, 2] holding (x, y) cell centers shared across the batch.
func ComputeLocation(offsets *tensor.Tensor) (*tensor.Tensor, error) {
	if len(offsets.Shape) != 4 || offsets.Shape[3] != 4 {
		return nil, fmt.Errorf("offset map must have shape [batch, h, w, 4], got %v", offsets.Shape)
	}
	h := offsets.Shape[1]
	w := offsets.Shape[2]

	loc := make([]float32, h*w*2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := (y*w + x) * 2
			loc[idx] = float32(x) + 0.5
			loc[idx+1] = float32(y) + 0.5
		}
	}
	return tensor.New([]int{h * w, 2}, loc)
}
