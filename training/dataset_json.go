package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/b10902118/GeCo/boxes"
	"github.com/b10902118/GeCo/tensor"
)

// jsonSample is the on-disk layout of one sample: flat row-major image
// and density data plus box corners as [x1, y1, x2, y2].
type jsonSample struct {
	ID            string       `json:"id"`
	Channels      int          `json:"channels"`
	Image         []float32    `json:"image"`
	Boxes         [][4]float32 `json:"boxes"`
	Exemplars     [][4]float32 `json:"exemplars,omitempty"`
	Density       []float32    `json:"density"`
	DensityHeight int          `json:"density_height"`
	DensityWidth  int          `json:"density_width"`
}

// JSONDataset serves samples stored as one JSON file each under a
// directory. Files are ordered by name so every process sees the same
// index space. Samples are decoded on demand.
type JSONDataset struct {
	dir       string
	imageSize int
	files     []string
	gridH     int
	gridW     int
}

// NewJSONDataset opens the dataset rooted at dir. The first sample is
// decoded eagerly to pin the density grid shape; all other samples must
// match it.
func NewJSONDataset(dir string, imageSize int) (*JSONDataset, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", imageSize)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory %s: %v", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no sample files under %s", dir)
	}
	sort.Strings(files)

	d := &JSONDataset{dir: dir, imageSize: imageSize, files: files}
	first, err := d.decode(0)
	if err != nil {
		return nil, err
	}
	d.gridH = first.DensityHeight
	d.gridW = first.DensityWidth
	return d, nil
}

// GridShape reports the density grid dimensions shared by all samples.
func (d *JSONDataset) GridShape() (h, w int) { return d.gridH, d.gridW }

// Len returns the number of samples.
func (d *JSONDataset) Len() int { return len(d.files) }

// Get decodes the sample at idx.
func (d *JSONDataset) Get(idx int) (Sample, error) {
	js, err := d.decode(idx)
	if err != nil {
		return Sample{}, err
	}
	if js.DensityHeight != d.gridH || js.DensityWidth != d.gridW {
		return Sample{}, fmt.Errorf("sample %s density grid %dx%d differs from dataset grid %dx%d",
			d.files[idx], js.DensityHeight, js.DensityWidth, d.gridH, d.gridW)
	}

	img := tensor.Zeros([]int{js.Channels, d.imageSize, d.imageSize})
	copy(img.Data, js.Image)
	density := tensor.Zeros([]int{js.DensityHeight, js.DensityWidth})
	copy(density.Data, js.Density)

	gts := cornersToBoxes(js.Boxes)
	exemplars := cornersToBoxes(js.Exemplars)
	if len(exemplars) == 0 {
		exemplars = gts
		if len(exemplars) > 3 {
			exemplars = exemplars[:3]
		}
	}
	id := js.ID
	if id == "" {
		id = strings.TrimSuffix(d.files[idx], ".json")
	}
	return Sample{
		ID:        id,
		Image:     img,
		Exemplars: exemplars,
		GTBoxes:   gts,
		Density:   density,
	}, nil
}

func (d *JSONDataset) decode(idx int) (jsonSample, error) {
	if idx < 0 || idx >= len(d.files) {
		return jsonSample{}, fmt.Errorf("index %d out of range for %d samples", idx, len(d.files))
	}
	path := filepath.Join(d.dir, d.files[idx])
	raw, err := os.ReadFile(path)
	if err != nil {
		return jsonSample{}, fmt.Errorf("reading sample %s: %v", path, err)
	}
	var js jsonSample
	if err := json.Unmarshal(raw, &js); err != nil {
		return jsonSample{}, fmt.Errorf("decoding sample %s: %v", path, err)
	}
	if js.Channels <= 0 {
		return jsonSample{}, fmt.Errorf("sample %s has no channels", path)
	}
	if want := js.Channels * d.imageSize * d.imageSize; len(js.Image) != want {
		return jsonSample{}, fmt.Errorf("sample %s image has %d values, want %d for %dx%dx%d",
			path, len(js.Image), want, js.Channels, d.imageSize, d.imageSize)
	}
	if js.DensityHeight <= 0 || js.DensityWidth <= 0 {
		return jsonSample{}, fmt.Errorf("sample %s has degenerate density grid %dx%d",
			path, js.DensityHeight, js.DensityWidth)
	}
	if want := js.DensityHeight * js.DensityWidth; len(js.Density) != want {
		return jsonSample{}, fmt.Errorf("sample %s density has %d values, want %d",
			path, len(js.Density), want)
	}
	return js, nil
}

func cornersToBoxes(corners [][4]float32) []boxes.Box {
	if len(corners) == 0 {
		return nil
	}
	out := make([]boxes.Box, len(corners))
	for i, c := range corners {
		out[i] = boxes.Box{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3]}
	}
	return out
}
