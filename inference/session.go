package inference

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// Backend selects the onnxruntime execution provider.
type Backend string

const (
	BackendCPU      Backend = "cpu"
	BackendCoreML   Backend = "coreml"
	BackendCUDA     Backend = "cuda"
	BackendOpenVINO Backend = "openvino"
)

// SharedLibPath returns the default onnxruntime library path for the current platform.
//
// Returns:
//   - string: The path to the shared library.
//   - error: An argument error on platforms without a bundled library.
func SharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll", nil
	case "darwin":
		return "./third_party/libonnxruntime.dylib", nil
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", common.ArgumentErrorf("no onnxruntime library for `%s/%s`", runtime.GOOS, runtime.GOARCH)
}

// InitializeRuntime loads the onnxruntime shared library once per process.
//
// Arguments:
//   - libPath: The library path; empty selects SharedLibPath.
//
// Returns:
//   - error: An error if the library is missing or fails to load.
func InitializeRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		var err error
		if libPath, err = SharedLibPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnxruntime library not found at %s", libPath)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initialize onnxruntime environment")
	}
	return nil
}

// SessionArgs are the arguments of NewSession.
type SessionArgs struct {
	// The path to the ONNX model file.
	ModelPath   string
	InputNames  []string
	OutputNames []string
	// Preallocated tensors, owned by the session afterwards.
	Inputs  []ort.ArbitraryTensor
	Outputs []ort.ArbitraryTensor
	Backend Backend
	// Threads used inside and between graph nodes; 0 lets onnxruntime decide.
	IntraOpThreads int
	InterOpThreads int
}

// Session is an onnxruntime session with preallocated tensors. Run writes into Outputs, which
// the decode sessions read through ORTOutputs. A Session is not safe for concurrent use.
type Session struct {
	Session *ort.AdvancedSession
	Inputs  []ort.ArbitraryTensor
	Outputs []ort.ArbitraryTensor
}

// NewSession creates an onnxruntime session. InitializeRuntime must have succeeded.
//
// Arguments:
//   - args: The model path, tensor names, preallocated tensors and execution provider.
//
// Returns:
//   - *Session: The session.
//   - error: An error if the options or the session cannot be created. The tensors are
//     destroyed in that case.
//
// @example
// out, _ := ort.NewEmptyTensor[float32](ort.NewShape(1, 896, 16))
// s, err := inference.NewSession(inference.SessionArgs{ModelPath: "face.onnx", Outputs: []ort.ArbitraryTensor{out}})
func NewSession(args SessionArgs) (*Session, error) {
	s := &Session{Inputs: args.Inputs, Outputs: args.Outputs}

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.destroyTensors()
		return nil, errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(args.IntraOpThreads); err != nil {
		s.destroyTensors()
		return nil, errors.Wrap(err, "set intra-op threads")
	}
	if err := options.SetInterOpNumThreads(args.InterOpThreads); err != nil {
		s.destroyTensors()
		return nil, errors.Wrap(err, "set inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		s.destroyTensors()
		return nil, errors.Wrap(err, "set graph optimization level")
	}
	if err := appendProvider(options, args.Backend); err != nil {
		s.destroyTensors()
		return nil, err
	}

	s.Session, err = ort.NewAdvancedSession(args.ModelPath, args.InputNames, args.OutputNames, args.Inputs, args.Outputs, options)
	if err != nil {
		s.destroyTensors()
		return nil, errors.Wrapf(err, "create session for %s", args.ModelPath)
	}
	return s, nil
}

func appendProvider(options *ort.SessionOptions, backend Backend) error {
	switch backend {
	case "", BackendCPU:
		return nil
	case BackendCoreML:
		return errors.Wrap(options.AppendExecutionProviderCoreML(0), "enable CoreML")
	case BackendOpenVINO:
		return errors.Wrap(options.AppendExecutionProviderOpenVINO(map[string]string{}), "enable OpenVINO")
	case BackendCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "create CUDA options")
		}
		defer cuda.Destroy()
		return errors.Wrap(options.AppendExecutionProviderCUDA(cuda), "enable CUDA")
	}
	return common.ArgumentErrorf("unknown backend `%s`", backend)
}

// Run executes the model once.
func (s *Session) Run() error {
	return errors.Wrap(s.Session.Run(), "run session")
}

// Reader exposes the output tensors to the decode sessions.
func (s *Session) Reader() ORTOutputs {
	return ORTOutputs(s.Outputs)
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	s.destroyTensors()
	if s.Session != nil {
		err := s.Session.Destroy()
		s.Session = nil
		if err != nil {
			return errors.Wrap(err, "destroy session")
		}
	}
	return nil
}

func (s *Session) destroyTensors() {
	destroy(s.Inputs)
	destroy(s.Outputs)
	s.Inputs, s.Outputs = nil, nil
}

// ORTOutputs reads onnxruntime output tensors. Float32, uint8 and int32 tensors are supported,
// as well as custom data tensors, which carry raw bytes such as float16 values.
type ORTOutputs []ort.ArbitraryTensor

var _ OutputReader = ORTOutputs(nil)

// GetOutput copies tensor index into dst and returns its size in bytes.
func (o ORTOutputs) GetOutput(index int, dst []byte) (int, error) {
	if index < 0 || index >= len(o) {
		return 0, common.ArgumentErrorf("output index `%d` out of range, have `%d` outputs", index, len(o))
	}
	var raw []byte
	switch t := o[index].(type) {
	case *ort.Tensor[float32]:
		raw = asBytes(t.GetData())
	case *ort.Tensor[uint8]:
		raw = t.GetData()
	case *ort.Tensor[int32]:
		raw = asBytes(t.GetData())
	case *ort.CustomDataTensor:
		raw = t.GetData()
	default:
		return 0, common.ModelInconsistentErrorf("unsupported output tensor `%T`", t)
	}
	copy(dst, raw)
	return len(raw), nil
}

func asBytes[T float32 | int32](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), len(values)*4)
}

// LoadMetadata reads the output names, types and shapes of an ONNX model. Dynamic dimensions
// are reported as -1. InitializeRuntime must have succeeded.
func LoadMetadata(modelPath string) (*StaticMetadata, error) {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read model info from %s", modelPath)
	}
	return metadataFromInfo(outputs)
}

func metadataFromInfo(outputs []ort.InputOutputInfo) (*StaticMetadata, error) {
	meta := &StaticMetadata{Outputs: make([]OutputTensor, len(outputs))}
	for i, info := range outputs {
		t, err := tensorTypeOf(info.DataType)
		if err != nil {
			return nil, errors.Wrapf(err, "output %s", info.Name)
		}
		shape := make([]int, len(info.Dimensions))
		for j, d := range info.Dimensions {
			shape[j] = int(d)
		}
		meta.Outputs[i] = OutputTensor{Name: info.Name, Type: t, Shape: shape}
	}
	return meta, nil
}

// OpenModel creates a session for a model with a single float32 input and allocates every
// output from the model metadata. A dynamic batch dimension is fixed to 1.
//
// Arguments:
//   - modelPath: The ONNX model file.
//   - backend: The execution provider.
//   - input: The input tensor values, copied into the session.
//
// Returns:
//   - *Session: The session, ready to Run.
//   - *StaticMetadata: The output metadata for the decode sessions.
//   - error: A model inconsistency error for models with several inputs or dynamic output shapes.
func OpenModel(modelPath string, backend Backend, input []float32) (*Session, *StaticMetadata, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "read model info from %s", modelPath)
	}
	if len(inputs) != 1 {
		return nil, nil, common.ModelInconsistentErrorf("expect 1 model input, got `%d`", len(inputs))
	}
	meta, err := metadataFromInfo(outputs)
	if err != nil {
		return nil, nil, err
	}

	inShape := fixBatch(inputs[0].Dimensions)
	if int64(len(input)) != inShape.FlattenedSize() {
		return nil, nil, common.ArgumentErrorf("input has `%d` values, model input %s needs `%d`", len(input), inShape, inShape.FlattenedSize())
	}
	in, err := ort.NewTensor(inShape, append([]float32(nil), input...))
	if err != nil {
		return nil, nil, errors.Wrap(err, "create input tensor")
	}

	args := SessionArgs{
		ModelPath:  modelPath,
		InputNames: []string{inputs[0].Name},
		Inputs:     []ort.ArbitraryTensor{in},
		Backend:    backend,
	}
	for i, info := range outputs {
		shape := fixBatch(info.Dimensions)
		for _, d := range shape {
			if d < 0 {
				destroy(append(args.Inputs, args.Outputs...))
				return nil, nil, common.ModelInconsistentErrorf("output %s has dynamic shape %s", info.Name, shape)
			}
		}
		meta.Outputs[i].Shape = shapeToInts(shape)
		t, err := newOutputTensor(meta.Outputs[i].Type, shape)
		if err != nil {
			destroy(append(args.Inputs, args.Outputs...))
			return nil, nil, errors.Wrapf(err, "allocate output %s", info.Name)
		}
		args.OutputNames = append(args.OutputNames, info.Name)
		args.Outputs = append(args.Outputs, t)
	}

	s, err := NewSession(args)
	if err != nil {
		return nil, nil, err
	}
	return s, meta, nil
}

func fixBatch(dims ort.Shape) ort.Shape {
	shape := dims.Clone()
	if len(shape) > 0 && shape[0] < 0 {
		shape[0] = 1
	}
	return shape
}

func shapeToInts(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

func newOutputTensor(t tensors.TensorType, shape ort.Shape) (ort.ArbitraryTensor, error) {
	switch t {
	case tensors.F32:
		return ort.NewEmptyTensor[float32](shape)
	case tensors.U8:
		return ort.NewEmptyTensor[uint8](shape)
	case tensors.I32:
		return ort.NewEmptyTensor[int32](shape)
	case tensors.F16:
		return ort.NewCustomDataTensor(shape, make([]byte, shape.FlattenedSize()*2), ort.TensorElementDataTypeFloat16)
	}
	return nil, common.ModelInconsistentErrorf("unsupported output type `%s`", t)
}

func destroy(ts []ort.ArbitraryTensor) {
	for _, t := range ts {
		t.Destroy()
	}
}

func tensorTypeOf(t ort.TensorElementDataType) (tensors.TensorType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return tensors.F32, nil
	case ort.TensorElementDataTypeUint8:
		return tensors.U8, nil
	case ort.TensorElementDataTypeFloat16:
		return tensors.F16, nil
	case ort.TensorElementDataTypeInt32:
		return tensors.I32, nil
	}
	return 0, common.ModelInconsistentErrorf("unsupported tensor element type `%v`", t)
}
