package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebrajack/SATNet/tensor"
)

// gradientImage sets R = x, G = y and B = x + y.
func gradientImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), uint8(x + y), 255})
		}
	}
	return img
}

func uniformImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func normalized(v uint8, c int, norm Normalization) float32 {
	return (float32(v)/255 - norm.Mean[c]) / norm.Std[c]
}

func TestProcessSameSize(t *testing.T) {
	p, err := NewImageProcessor(8, 6, ColorNormalization, tensor.Host)
	require.NoError(t, err)

	out, err := p.Process(gradientImage(8, 6))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 8}, out.Shape)

	data := out.Data.([]float32)
	plane := 6 * 8
	for _, pt := range []struct{ x, y int }{{0, 0}, {7, 0}, {3, 5}, {7, 5}} {
		idx := pt.y*8 + pt.x
		assert.InDelta(t, normalized(uint8(pt.x), 0, ColorNormalization), data[idx], 1e-6)
		assert.InDelta(t, normalized(uint8(pt.y), 1, ColorNormalization), data[plane+idx], 1e-6)
		assert.InDelta(t, normalized(uint8(pt.x+pt.y), 2, ColorNormalization), data[2*plane+idx], 1e-6)
	}
}

func TestProcessResizes(t *testing.T) {
	p, err := NewImageProcessor(16, 12, HHANormalization, tensor.Host)
	require.NoError(t, err)

	c := color.RGBA{255, 0, 128, 255}
	out, err := p.Process(uniformImage(64, 48, c))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12, 16}, out.Shape)

	data := out.Data.([]float32)
	plane := 12 * 16
	want := []uint8{c.R, c.G, c.B}
	for ch := 0; ch < 3; ch++ {
		tol := 1.5 / 255 / float64(HHANormalization.Std[ch])
		for i := 0; i < plane; i++ {
			require.InDelta(t, normalized(want[ch], ch, HHANormalization), data[ch*plane+i], tol, "channel %d pixel %d", ch, i)
		}
	}

	// upscaling goes through the same path
	out, err = p.Process(uniformImage(4, 3, c))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12, 16}, out.Shape)
}

func TestDecode(t *testing.T) {
	p, err := NewImageProcessor(8, 6, ColorNormalization, tensor.Host)
	require.NoError(t, err)

	fromPNG, err := p.Decode(bytes.NewReader(encodePNG(t, gradientImage(8, 6))))
	require.NoError(t, err)
	direct, err := p.Process(gradientImage(8, 6))
	require.NoError(t, err)
	assert.Equal(t, direct.Data, fromPNG.Data)

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, uniformImage(16, 12, color.RGBA{200, 100, 50, 255}), &jpeg.Options{Quality: 95}))
	fromJPEG, err := p.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 6, 8}, fromJPEG.Shape)

	_, err = p.Decode(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestNewImageProcessorRejectsBadSettings(t *testing.T) {
	_, err := NewImageProcessor(0, 6, ColorNormalization, tensor.Host)
	assert.Error(t, err)

	bad := ColorNormalization
	bad.Std[1] = 0
	_, err = NewImageProcessor(8, 6, bad, tensor.Host)
	assert.Error(t, err)
}

func TestLoadFileUsesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "color.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, gradientImage(8, 6)), 0o644))

	cache := NewCache(4)
	p, err := NewImageProcessor(8, 6, ColorNormalization, tensor.Host)
	require.NoError(t, err)
	p.WithCache(cache)

	first, err := p.LoadFile(path)
	require.NoError(t, err)
	second, err := p.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)

	// tensors do not alias the cached data
	first.Data.([]float32)[0] = 42
	third, err := p.LoadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, float32(42), third.Data.([]float32)[0])

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	_, err = p.LoadFile(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, c := range []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}} {
		path := filepath.Join(dir, string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(path, encodePNG(t, uniformImage(8, 6, c)), 0o644))
		paths = append(paths, path)
	}

	p, err := NewImageProcessor(8, 6, ColorNormalization, tensor.Host)
	require.NoError(t, err)
	out, err := p.LoadBatch(paths, 2)
	require.NoError(t, err)
	require.Len(t, out, 3)

	plane := 8 * 6
	for i, img := range out {
		data := img.Data.([]float32)
		// image i is saturated in channel i
		assert.InDelta(t, normalized(255, i, ColorNormalization), data[i*plane], 1e-6, "image %d", i)
	}

	_, err = p.LoadBatch(append(paths, filepath.Join(dir, "missing.png")), 2)
	assert.Error(t, err)
}
