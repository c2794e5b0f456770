package training

import (
	"fmt"
	"math/rand"

	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/tensor"
)

// Sample is one training example: an image, exemplar boxes pointing at
// instances of the object class, the ground-truth boxes of all
// instances, and a density map whose sum is the instance count.
type Sample struct {
	ID        string
	Image     *tensor.Tensor // [C, H, W]
	Exemplars []boxes.Box
	GTBoxes   []boxes.Box
	Density   *tensor.Tensor // [H', W']
}

// Dataset provides random access to samples.
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// Batch is a collated group of samples. Images and density maps gain a
// leading batch dimension; box lists stay ragged per image.
type Batch struct {
	IDs       []string
	Images    *tensor.Tensor // [B, C, H, W]
	Exemplars [][]boxes.Box
	GTBoxes   [][]boxes.Box
	Density   *tensor.Tensor // [B, H', W']
	Size      int
}

// DataLoader iterates a dataset in sampler order, collating consecutive
// samples into batches. With dropLast a trailing partial batch is
// discarded so every epoch yields full batches only.
type DataLoader struct {
	dataset   Dataset
	sampler   *DistributedSampler
	batchSize int
	dropLast  bool

	order []int
	pos   int
}

// NewDataLoader creates a loader over dataset in sampler order.
func NewDataLoader(dataset Dataset, sampler *DistributedSampler, batchSize int, dropLast bool) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset must not be nil")
	}
	if sampler == nil {
		return nil, fmt.Errorf("sampler must not be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &DataLoader{dataset: dataset, sampler: sampler, batchSize: batchSize, dropLast: dropLast}, nil
}

// Reset reshuffles for the given epoch and rewinds to the first batch.
func (l *DataLoader) Reset(epoch int) {
	l.sampler.SetEpoch(epoch)
	l.order = l.sampler.Indices()
	l.pos = 0
}

// Len reports the number of batches one epoch yields. The count depends
// only on shard length, batch size, and dropLast, so it is identical on
// every rank.
func (l *DataLoader) Len() int {
	shard := l.sampler.ShardLen()
	if l.dropLast {
		return shard / l.batchSize
	}
	return (shard + l.batchSize - 1) / l.batchSize
}

// DatasetLen reports the underlying dataset length across all ranks.
func (l *DataLoader) DatasetLen() int {
	return l.dataset.Len()
}

// Next returns the next batch of the epoch, or nil when the epoch is
// exhausted. Reset must be called before the first Next of an epoch.
func (l *DataLoader) Next() (*Batch, error) {
	if l.order == nil {
		return nil, fmt.Errorf("loader not reset for an epoch")
	}
	remaining := len(l.order) - l.pos
	if remaining <= 0 || (l.dropLast && remaining < l.batchSize) {
		return nil, nil
	}
	size := l.batchSize
	if remaining < size {
		size = remaining
	}

	samples := make([]Sample, size)
	for i := 0; i < size; i++ {
		s, err := l.dataset.Get(l.order[l.pos+i])
		if err != nil {
			return nil, fmt.Errorf("loading sample %d: %v", l.order[l.pos+i], err)
		}
		samples[i] = s
	}
	l.pos += size
	return collate(samples)
}

// collate stacks per-sample tensors into batch tensors. Every image
// must share one shape, as must every density map.
func collate(samples []Sample) (*Batch, error) {
	b := &Batch{Size: len(samples)}
	imgShape := samples[0].Image.Shape
	denShape := samples[0].Density.Shape

	images := tensor.Zeros(append([]int{len(samples)}, imgShape...))
	density := tensor.Zeros(append([]int{len(samples)}, denShape...))
	imgStride := samples[0].Image.NumElems()
	denStride := samples[0].Density.NumElems()

	for i, s := range samples {
		if !tensor.SameShape(s.Image, samples[0].Image) {
			return nil, fmt.Errorf("sample %q image shape %v does not match %v", s.ID, s.Image.Shape, imgShape)
		}
		if !tensor.SameShape(s.Density, samples[0].Density) {
			return nil, fmt.Errorf("sample %q density shape %v does not match %v", s.ID, s.Density.Shape, denShape)
		}
		copy(images.Data[i*imgStride:(i+1)*imgStride], s.Image.Data)
		copy(density.Data[i*denStride:(i+1)*denStride], s.Density.Data)
		b.IDs = append(b.IDs, s.ID)
		b.Exemplars = append(b.Exemplars, s.Exemplars)
		b.GTBoxes = append(b.GTBoxes, s.GTBoxes)
	}
	b.Images = images
	b.Density = density
	return b, nil
}

// SliceDataset serves samples from an in-memory slice.
type SliceDataset struct {
	Samples []Sample
}

// Len returns the number of samples.
func (d *SliceDataset) Len() int { return len(d.Samples) }

// Get returns the sample at idx.
func (d *SliceDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d.Samples) {
		return Sample{}, fmt.Errorf("index %d out of range for %d samples", idx, len(d.Samples))
	}
	return d.Samples[idx], nil
}

// RandomCountingDataset synthesizes counting samples on demand. Each
// sample is generated deterministically from the dataset seed and its
// index, so every process materializes identical data without sharing
// files.
type RandomCountingDataset struct {
	size       int
	channels   int
	imageSize  int
	gridH      int
	gridW      int
	maxObjects int
	seed       int64
}

// NewRandomCountingDataset creates a synthetic dataset of size samples.
func NewRandomCountingDataset(size, channels, imageSize, gridH, gridW, maxObjects int, seed int64) (*RandomCountingDataset, error) {
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative, got %d", size)
	}
	if channels <= 0 || imageSize <= 0 || gridH <= 0 || gridW <= 0 {
		return nil, fmt.Errorf("degenerate sample geometry %dx%dx%d grid %dx%d",
			channels, imageSize, imageSize, gridH, gridW)
	}
	if maxObjects <= 0 {
		return nil, fmt.Errorf("max objects must be positive, got %d", maxObjects)
	}
	return &RandomCountingDataset{
		size:       size,
		channels:   channels,
		imageSize:  imageSize,
		gridH:      gridH,
		gridW:      gridW,
		maxObjects: maxObjects,
		seed:       seed,
	}, nil
}

// Len returns the number of samples.
func (d *RandomCountingDataset) Len() int { return d.size }

// Get synthesizes the sample at idx.
func (d *RandomCountingDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= d.size {
		return Sample{}, fmt.Errorf("index %d out of range for %d samples", idx, d.size)
	}
	rng := rand.New(rand.NewSource(d.seed + int64(idx)))

	img := tensor.Zeros([]int{d.channels, d.imageSize, d.imageSize})
	for i := range img.Data {
		img.Data[i] = rng.Float32()
	}

	density := tensor.Zeros([]int{d.gridH, d.gridW})
	count := 1 + rng.Intn(d.maxObjects)
	gts := make([]boxes.Box, 0, count)
	side := float64(d.imageSize) / 8
	for i := 0; i < count; i++ {
		cell := rng.Intn(d.gridH * d.gridW)
		density.Data[cell]++
		cx := rng.Float64() * float64(d.imageSize)
		cy := rng.Float64() * float64(d.imageSize)
		gts = append(gts, boxes.Box{
			X1: clampCoord(cx-side/2, d.imageSize),
			Y1: clampCoord(cy-side/2, d.imageSize),
			X2: clampCoord(cx+side/2, d.imageSize),
			Y2: clampCoord(cy+side/2, d.imageSize),
		})
	}
	exemplars := gts
	if len(exemplars) > 3 {
		exemplars = exemplars[:3]
	}

	return Sample{
		ID:        fmt.Sprintf("synthetic_%d", idx),
		Image:     img,
		Exemplars: exemplars,
		GTBoxes:   gts,
		Density:   density,
	}, nil
}

func clampCoord(v float64, size int) float32 {
	if v < 0 {
		return 0
	}
	if v > float64(size) {
		return float32(size)
	}
	return float32(v)
}
