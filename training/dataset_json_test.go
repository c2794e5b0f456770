package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeJSONSample(t *testing.T, dir, name string, js jsonSample) {
	t.Helper()
	raw, err := json.Marshal(js)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
}

func flatImage(channels, size int, fill float32) []float32 {
	data := make([]float32, channels*size*size)
	for i := range data {
		data[i] = fill
	}
	return data
}

func TestJSONDatasetLoadsSamplesInNameOrder(t *testing.T) {
	dir := t.TempDir()
	const imageSize = 4

	writeJSONSample(t, dir, "b.json", jsonSample{
		ID:            "second",
		Channels:      1,
		Image:         flatImage(1, imageSize, 2),
		Boxes:         [][4]float32{{0, 0, 2, 2}},
		Density:       []float32{0, 1, 0, 0},
		DensityHeight: 2,
		DensityWidth:  2,
	})
	writeJSONSample(t, dir, "a.json", jsonSample{
		ID:            "first",
		Channels:      1,
		Image:         flatImage(1, imageSize, 1),
		Boxes:         [][4]float32{{1, 1, 3, 3}, {0, 0, 1, 1}},
		Density:       []float32{1, 0, 1, 0},
		DensityHeight: 2,
		DensityWidth:  2,
	})

	d, err := NewJSONDataset(dir, imageSize)
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	h, w := d.GridShape()
	require.Equal(t, 2, h)
	require.Equal(t, 2, w)

	s0, err := d.Get(0)
	require.NoError(t, err)
	require.Equal(t, "first", s0.ID)
	require.Len(t, s0.GTBoxes, 2)
	require.Equal(t, float32(1), s0.Image.Data[0])
	require.Equal(t, []int{2, 2}, s0.Density.Shape)

	s1, err := d.Get(1)
	require.NoError(t, err)
	require.Equal(t, "second", s1.ID)
	require.Equal(t, float32(2), s1.Image.Data[0])
}

func TestJSONDatasetDefaultsExemplarsToFirstBoxes(t *testing.T) {
	dir := t.TempDir()
	const imageSize = 2

	gts := [][4]float32{{0, 0, 1, 1}, {1, 0, 2, 1}, {0, 1, 1, 2}, {1, 1, 2, 2}}
	writeJSONSample(t, dir, "s.json", jsonSample{
		Channels:      1,
		Image:         flatImage(1, imageSize, 0.5),
		Boxes:         gts,
		Density:       []float32{4},
		DensityHeight: 1,
		DensityWidth:  1,
	})

	d, err := NewJSONDataset(dir, imageSize)
	require.NoError(t, err)

	s, err := d.Get(0)
	require.NoError(t, err)
	require.Equal(t, "s", s.ID, "missing id falls back to the file name")
	require.Len(t, s.GTBoxes, 4)
	require.Len(t, s.Exemplars, 3)
	require.Equal(t, s.GTBoxes[:3], s.Exemplars)
}

func TestJSONDatasetRejectsMalformedSamples(t *testing.T) {
	const imageSize = 2
	base := jsonSample{
		Channels:      1,
		Image:         flatImage(1, imageSize, 1),
		Density:       []float32{1},
		DensityHeight: 1,
		DensityWidth:  1,
	}

	tests := []struct {
		name   string
		mutate func(*jsonSample)
	}{
		{"short image", func(js *jsonSample) { js.Image = js.Image[:2] }},
		{"no channels", func(js *jsonSample) { js.Channels = 0 }},
		{"short density", func(js *jsonSample) { js.Density = nil }},
		{"degenerate grid", func(js *jsonSample) { js.DensityHeight = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			js := base
			tt.mutate(&js)
			writeJSONSample(t, dir, "s.json", js)

			_, err := NewJSONDataset(dir, imageSize)
			require.Error(t, err)
		})
	}
}

func TestJSONDatasetRejectsEmptyDirectory(t *testing.T) {
	_, err := NewJSONDataset(t.TempDir(), 4)
	require.Error(t, err)
}
