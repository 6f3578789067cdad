package onnx

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/krau/pancaketagger/service"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
	os.Exit(code)
}

// requireRuntime skips the test unless an onnxruntime shared library is
// configured and loads.
func requireRuntime(t *testing.T) {
	t.Helper()
	path := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if path == "" {
		t.Skip("ONNXRUNTIME_SHARED_LIBRARY_PATH not set")
	}
	ortOnce.Do(func() {
		ort.SetSharedLibraryPath(path)
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		t.Skipf("onnxruntime unavailable: %v", ortErr)
	}
}

func loadModel(t *testing.T, path string) *Predictor {
	t.Helper()
	p, err := Load(path, Options{Threads: 1})
	if err != nil {
		t.Fatalf("Load(%s) error = %v", path, err)
	}
	t.Cleanup(func() {
		if err := p.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return p
}

// uniform repeats one RGB value over every pixel of an NHWC tensor.
func uniform(spec service.TensorSpec, rgb [3]float32) []float32 {
	out := make([]float32, spec.Len())
	for i := range out {
		out[i] = rgb[i%3]
	}
	return out
}

func TestLoadFloat32Model(t *testing.T) {
	requireRuntime(t)
	p := loadModel(t, "testdata/mean_fp32.onnx")

	spec := p.Spec()
	if !slices.Equal(spec.Shape, []int64{1, 2, 2, 3}) || spec.Layout != service.NHWC ||
		spec.DType != service.Float32 || spec.Classes != 3 {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if in, out := p.Names(); in != "image" || out != "scores" {
		t.Fatalf("names = %q, %q", in, out)
	}

	want := []float32{0.1, 0.7, 0.2}
	scores, err := p.Run(service.Tensor{
		Shape: spec.Shape,
		DType: service.Float32,
		F32:   uniform(spec, [3]float32(want)),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(scores) != len(want) {
		t.Fatalf("scores = %v", scores)
	}
	for i := range want {
		if math.Abs(float64(scores[i]-want[i])) > 1e-6 {
			t.Fatalf("scores = %v, want %v", scores, want)
		}
	}
	if service.Argmax(scores) != 1 {
		t.Fatalf("argmax(%v) = %d", scores, service.Argmax(scores))
	}
}

func TestLoadFloat16Model(t *testing.T) {
	requireRuntime(t)
	p := loadModel(t, "testdata/mean_fp16.onnx")

	spec := p.Spec()
	if spec.DType != service.Float16 || spec.Classes != 3 {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	// exactly representable in half precision
	want := []float32{0.25, 0.5, 0.125}
	in := make([]float16.Float16, spec.Len())
	for i, v := range uniform(spec, [3]float32(want)) {
		in[i] = float16.Fromfloat32(v)
	}
	scores, err := p.Run(service.Tensor{Shape: spec.Shape, DType: service.Float16, F16: in})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Equal(scores, want) {
		t.Fatalf("scores = %v, want %v", scores, want)
	}

	_, err = p.Run(service.Tensor{Shape: spec.Shape, DType: service.Float32, F32: make([]float32, spec.Len())})
	if !errors.Is(err, service.ErrShape) {
		t.Fatalf("expected ErrShape for a float32 tensor, got %v", err)
	}
}

func TestRunRejectsWrongLength(t *testing.T) {
	requireRuntime(t)
	p := loadModel(t, "testdata/mean_fp32.onnx")
	_, err := p.Run(service.Tensor{Shape: []int64{1, 1, 1, 3}, DType: service.Float32, F32: make([]float32, 3)})
	if !errors.Is(err, service.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestLoadRejectsBadArtifacts(t *testing.T) {
	requireRuntime(t)
	for _, path := range []string{
		"testdata/garbage.onnx",
		"testdata/two_outputs.onnx",
		"testdata/missing.onnx",
	} {
		t.Run(path, func(t *testing.T) {
			p, err := Load(path, Options{})
			if !errors.Is(err, service.ErrLoad) {
				if p != nil {
					p.Close()
				}
				t.Fatalf("expected ErrLoad, got %v", err)
			}
		})
	}
}

func TestClassifyWithOnnxPredictor(t *testing.T) {
	requireRuntime(t)
	p := loadModel(t, "testdata/mean_fp32.onnx")
	svc, err := service.New([]service.Predictor{p}, service.LabelSet{"choco", "classic", "fruit"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, 7, 5))
	for y := range 5 {
		for x := range 7 {
			img.SetNRGBA(x, y, color.NRGBA{R: 40, G: 30, B: 220, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}

	res, err := svc.Classify(context.Background(), buf.Bytes())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.Label != "fruit" || res.Index != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if d := res.Scores[2] - float32(220)/255; d > 1e-6 || d < -1e-6 {
		t.Fatalf("blue score = %v", res.Scores[2])
	}
}
