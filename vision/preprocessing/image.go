package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"

	"github.com/zebrajack/SATNet/tensor"
)

// Normalization holds per-channel statistics applied after scaling pixel
// values to [0, 1].
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

var (
	// ColorNormalization is the ImageNet statistics used for RGB input.
	ColorNormalization = Normalization{
		Mean: [3]float32{0.485, 0.456, 0.406},
		Std:  [3]float32{0.229, 0.224, 0.225},
	}
	// HHANormalization is the statistics of HHA-encoded depth images.
	HHANormalization = Normalization{
		Mean: [3]float32{0.5282, 0.3914, 0.4266},
		Std:  [3]float32{0.1945, 0.2480, 0.1506},
	}
)

// ImageProcessor turns decoded images into normalized [3, H, W] tensors at
// the working resolution, reusing its resize buffer between calls.
type ImageProcessor struct {
	mu      sync.Mutex
	width   int
	height  int
	norm    Normalization
	device  tensor.Device
	resized *image.RGBA
	cache   *Cache
}

// NewImageProcessor creates a processor producing width x height tensors.
func NewImageProcessor(width, height int, norm Normalization, device tensor.Device) (*ImageProcessor, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %dx%d", width, height)
	}
	for c, s := range norm.Std {
		if s <= 0 {
			return nil, fmt.Errorf("std of channel %d must be positive, got %g", c, s)
		}
	}
	return &ImageProcessor{
		width:  width,
		height: height,
		norm:   norm,
		device: device,
	}, nil
}

// WithCache makes LoadFile serve repeated paths from c.
func (p *ImageProcessor) WithCache(c *Cache) *ImageProcessor {
	p.cache = c
	return p
}

// Decode reads a PNG or JPEG image and preprocesses it.
func (p *ImageProcessor) Decode(reader io.Reader) (*tensor.Tensor, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported image format %q", format)
	}
	return p.Process(img)
}

// Process resizes img to the target size with a Catmull-Rom filter and
// returns the normalized CHW tensor.
func (p *ImageProcessor) Process(img image.Image) (*tensor.Tensor, error) {
	data := p.normalize(img)
	return tensor.FromFloat32([]int{3, p.height, p.width}, data, p.device)
}

func (p *ImageProcessor) normalize(img image.Image) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resized == nil {
		p.resized = image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	}
	dst := p.resized
	src := img.Bounds()
	if src.Dx() == p.width && src.Dy() == p.height {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	}

	plane := p.width * p.height
	data := make([]float32, 3*plane)
	for y := 0; y < p.height; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < p.width; x++ {
			idx := y*p.width + x
			for c := 0; c < 3; c++ {
				v := float32(row[4*x+c]) / 255
				data[c*plane+idx] = (v - p.norm.Mean[c]) / p.norm.Std[c]
			}
		}
	}
	return data
}

// LoadFile decodes and preprocesses the image at path.
func (p *ImageProcessor) LoadFile(path string) (*tensor.Tensor, error) {
	if p.cache != nil {
		if data, ok := p.cache.Get(path); ok {
			return tensor.FromFloat32([]int{3, p.height, p.width}, append([]float32(nil), data...), p.device)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	t, err := p.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.cache != nil {
		p.cache.Put(path, append([]float32(nil), t.Data.([]float32)...))
	}
	return t, nil
}

// fork returns a processor with the same settings and cache but its own
// resize buffer.
func (p *ImageProcessor) fork() *ImageProcessor {
	return &ImageProcessor{
		width:  p.width,
		height: p.height,
		norm:   p.norm,
		device: p.device,
		cache:  p.cache,
	}
}

// LoadBatch preprocesses multiple images concurrently. Results keep the
// order of paths.
func (p *ImageProcessor) LoadBatch(paths []string, maxWorkers int) ([]*tensor.Tensor, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*tensor.Tensor, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := p.fork()
			for j := range jobs {
				results[j.index], errs[j.index] = processor.LoadFile(j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d: %w", i, err)
		}
	}
	return results, nil
}
