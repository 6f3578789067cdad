package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/krau/pancaketagger/service"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	// Threads caps intra-op parallelism; zero leaves the runtime default.
	Threads int
}

// Predictor is a single onnxruntime session with pre-bound input and output
// tensors. Run mutates those tensors, so callers must not share a Predictor
// between goroutines.
type Predictor struct {
	session    *ort.AdvancedSession
	input      ort.Value
	output     ort.Value
	inputName  string
	outputName string
	spec       service.TensorSpec
}

var _ service.Predictor = (*Predictor)(nil)

// Load opens the artifact at path. The model must have exactly one image
// input and one score output, both float32 or float16.
func Load(path string, opts Options) (*Predictor, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get model input/output info: %v", service.ErrLoad, err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 input and 1 output, model has %d and %d",
			service.ErrLoad, len(inputs), len(outputs))
	}

	inDType, err := dtypeOf(inputs[0].DataType)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q: %v", service.ErrLoad, inputs[0].Name, err)
	}
	outDType, err := dtypeOf(outputs[0].DataType)
	if err != nil {
		return nil, fmt.Errorf("%w: output %q: %v", service.ErrLoad, outputs[0].Name, err)
	}
	spec, err := inputSpec(inputs[0].Dimensions, inDType)
	if err != nil {
		return nil, fmt.Errorf("%w: input %q: %v", service.ErrLoad, inputs[0].Name, err)
	}
	outShape, err := outputShape(outputs[0].Dimensions)
	if err != nil {
		return nil, fmt.Errorf("%w: output %q: %v", service.ErrLoad, outputs[0].Name, err)
	}
	spec.Classes = int(outShape[len(outShape)-1])

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %v", service.ErrLoad, err)
	}
	defer sessionOpts.Destroy()
	if opts.Threads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, fmt.Errorf("%w: failed to set thread count: %v", service.ErrLoad, err)
		}
	}

	inputTensor, err := newTensor(ort.NewShape(spec.Shape...), inDType)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", service.ErrLoad, err)
	}
	outputTensor, err := newTensor(ort.NewShape(outShape...), outDType)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", service.ErrLoad, err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		sessionOpts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX Runtime session: %v", service.ErrLoad, err)
	}

	return &Predictor{
		session:    session,
		input:      inputTensor,
		output:     outputTensor,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		spec:       spec,
	}, nil
}

func (p *Predictor) Spec() service.TensorSpec { return p.spec }

// Names returns the model's input and output slot names.
func (p *Predictor) Names() (string, string) { return p.inputName, p.outputName }

func (p *Predictor) Run(t service.Tensor) ([]float32, error) {
	if err := service.CheckTensor(p.spec, t); err != nil {
		return nil, err
	}
	switch in := p.input.(type) {
	case *ort.Tensor[float32]:
		copy(in.GetData(), t.F32)
	case *ort.CustomDataTensor:
		encodeFloat16(in.GetData(), t.F16)
	default:
		return nil, fmt.Errorf("%w: unexpected input tensor %T", service.ErrShape, p.input)
	}

	if err := p.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInference, err)
	}

	switch out := p.output.(type) {
	case *ort.Tensor[float32]:
		return slices.Clone(out.GetData()), nil
	case *ort.CustomDataTensor:
		return decodeFloat16(out.GetData()), nil
	default:
		return nil, fmt.Errorf("%w: unexpected output tensor %T", service.ErrShape, p.output)
	}
}

func (p *Predictor) Close() error {
	var errs []error
	if p.session != nil {
		errs = append(errs, p.session.Destroy())
	}
	if p.input != nil {
		errs = append(errs, p.input.Destroy())
	}
	if p.output != nil {
		errs = append(errs, p.output.Destroy())
	}
	return errors.Join(errs...)
}

func dtypeOf(t ort.TensorElementDataType) (service.DType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return service.Float32, nil
	case ort.TensorElementDataTypeFloat16:
		return service.Float16, nil
	default:
		return 0, fmt.Errorf("unsupported element type %v", t)
	}
}

// inputSpec fixes a dynamic batch dimension to 1 and works out the channel
// axis. Spatial dimensions must be static.
func inputSpec(dims ort.Shape, dtype service.DType) (service.TensorSpec, error) {
	if len(dims) != 4 {
		return service.TensorSpec{}, fmt.Errorf("expected a 4-d image input, got %v", dims)
	}
	shape := slices.Clone([]int64(dims))
	if shape[0] <= 0 {
		shape[0] = 1
	}
	if shape[0] != 1 {
		return service.TensorSpec{}, fmt.Errorf("fixed batch size %d is not supported", shape[0])
	}

	var layout service.Layout
	switch {
	case shape[3] == 3:
		layout = service.NHWC
	case shape[1] == 3:
		layout = service.NCHW
	default:
		return service.TensorSpec{}, fmt.Errorf("no 3-channel axis in %v", dims)
	}
	for _, d := range shape[1:] {
		if d <= 0 {
			return service.TensorSpec{}, fmt.Errorf("dynamic spatial dimensions are not supported: %v", dims)
		}
	}
	return service.TensorSpec{Shape: shape, Layout: layout, DType: dtype}, nil
}

func outputShape(dims ort.Shape) ([]int64, error) {
	if len(dims) == 0 || len(dims) > 2 {
		return nil, fmt.Errorf("expected a [batch, classes] output, got %v", dims)
	}
	shape := slices.Clone([]int64(dims))
	if len(shape) == 2 && shape[0] <= 0 {
		shape[0] = 1
	}
	if shape[len(shape)-1] <= 0 {
		return nil, fmt.Errorf("dynamic class dimension is not supported: %v", dims)
	}
	if len(shape) == 2 && shape[0] != 1 {
		return nil, fmt.Errorf("fixed batch size %d is not supported", shape[0])
	}
	return shape, nil
}

func newTensor(shape ort.Shape, dtype service.DType) (ort.Value, error) {
	if dtype == service.Float16 {
		return ort.NewCustomDataTensor(shape, make([]byte, 2*shape.FlattenedSize()), ort.TensorElementDataTypeFloat16)
	}
	return ort.NewEmptyTensor[float32](shape)
}

func encodeFloat16(dst []byte, src []float16.Float16) {
	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[2*i:], v.Bits())
	}
}

func decodeFloat16(src []byte) []float32 {
	out := make([]float32, len(src)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
	}
	return out
}
