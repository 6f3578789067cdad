package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"slices"
	"strings"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/x448/float16"
)

func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(b), "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// LoadLabels reads one label per line from path, or returns fallback when the
// file does not exist.
func LoadLabels(path string, fallback []string) (LabelSet, error) {
	lines, err := ReadLines(path)
	if errors.Is(err, os.ErrNotExist) {
		return LabelSet(slices.Clone(fallback)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return LabelSet(lines), nil
}

// DefaultMaxPixels caps width*height of an accepted upload before its pixels
// are decoded. It matches the usual PIL decompression-bomb threshold.
const DefaultMaxPixels = 89_478_485

// Decode reads the image header first and refuses anything declaring more
// than maxPixels pixels, so a small compressed upload cannot expand into a
// huge bitmap. maxPixels <= 0 disables the check.
func Decode(data []byte, maxPixels int64) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, nil
}

// Normalize maps an 8-bit channel value onto [0, 1].
func Normalize(v uint8) float32 {
	return float32(v) / 255.0
}

// Preprocess resizes img to the spec's spatial size without cropping, drops
// alpha, scales to [0, 1] and lays the result out as a batch of one in the
// spec's layout and element type.
func Preprocess(img image.Image, spec TensorSpec) (Tensor, error) {
	if len(spec.Shape) != 4 {
		return Tensor{}, fmt.Errorf("%w: expected a 4-d input, predictor declares %v", ErrShape, spec.Shape)
	}
	w, h := spec.Width(), spec.Height()
	if w <= 0 || h <= 0 {
		return Tensor{}, fmt.Errorf("%w: invalid spatial size %dx%d", ErrShape, w, h)
	}
	if spec.Len() != 3*w*h {
		return Tensor{}, fmt.Errorf("%w: predictor input %v is not a 3-channel image", ErrShape, spec.Shape)
	}

	resized := imaging.Resize(img, w, h, imaging.NearestNeighbor)

	out := make([]float32, 3*w*h)
	plane := w * h
	for y := range h {
		row := resized.Pix[y*resized.Stride:]
		for x := range w {
			px := row[x*4 : x*4+3]
			for c := range 3 {
				v := Normalize(px[c])
				if spec.Layout == NCHW {
					out[c*plane+y*w+x] = v
				} else {
					out[(y*w+x)*3+c] = v
				}
			}
		}
	}

	t := Tensor{
		Shape: slices.Clone(spec.Shape),
		DType: spec.DType,
	}
	switch spec.DType {
	case Float32:
		t.F32 = out
	case Float16:
		t.F16 = make([]float16.Float16, len(out))
		for i, v := range out {
			t.F16[i] = float16.Fromfloat32(v)
		}
	default:
		return Tensor{}, fmt.Errorf("%w: unsupported element type %s", ErrShape, spec.DType)
	}
	return t, nil
}
