package inference

import (
	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// ModelMetadata describes the output tensors of a model.
type ModelMetadata interface {
	NumOutputs() int
	OutputTensorType(i int) (tensors.TensorType, error)
	// OutputQuantization returns nil for tensors that are not quantized.
	OutputQuantization(i int) *tensors.QuantizationParameters
	OutputShape(i int) ([]int, error)
	// OutputName returns "" when the model does not name the tensor.
	OutputName(i int) string
	OutputIndex(name string) (int, bool)
	// OutputLabels returns the label file of output i, localized when locale is set and
	// available. It returns nil when the output has no labels.
	OutputLabels(i int, locale string) []byte
	OutputActivation(i int) tensors.Activation
	// BoundingBoxProperties returns the positions of {xmin, ymin, xmax, ymax} within a box.
	BoundingBoxProperties() ([4]int, bool)
}

// OutputTensor is the metadata of one output tensor.
type OutputTensor struct {
	Name         string                          `json:"name" yaml:"name" mapstructure:"name"`
	Type         tensors.TensorType              `json:"type" yaml:"type" mapstructure:"type"`
	Quantization *tensors.QuantizationParameters `json:"quantization,omitempty" yaml:"quantization,omitempty" mapstructure:"quantization"`
	Shape        []int                           `json:"shape" yaml:"shape" mapstructure:"shape"`
	Labels       []byte                          `json:"-" yaml:"-"`
	// LocaleLabels maps a locale such as "fr" to a label file paired line by line with Labels.
	LocaleLabels map[string][]byte  `json:"-" yaml:"-"`
	Activation   tensors.Activation `json:"activation" yaml:"activation" mapstructure:"activation"`
}

// StaticMetadata is an in-memory ModelMetadata.
type StaticMetadata struct {
	Outputs       []OutputTensor
	BoxProperties *[4]int
}

var _ ModelMetadata = (*StaticMetadata)(nil)

func (m *StaticMetadata) output(i int) (*OutputTensor, error) {
	if i < 0 || i >= len(m.Outputs) {
		return nil, common.ModelInconsistentErrorf("model has no output `%d`, it has `%d` outputs", i, len(m.Outputs))
	}
	return &m.Outputs[i], nil
}

// NumOutputs returns the number of output tensors.
func (m *StaticMetadata) NumOutputs() int { return len(m.Outputs) }

// OutputTensorType returns the element type of output i.
func (m *StaticMetadata) OutputTensorType(i int) (tensors.TensorType, error) {
	o, err := m.output(i)
	if err != nil {
		return 0, err
	}
	return o.Type, nil
}

// OutputQuantization returns the quantization parameters of output i.
func (m *StaticMetadata) OutputQuantization(i int) *tensors.QuantizationParameters {
	o, err := m.output(i)
	if err != nil {
		return nil
	}
	return o.Quantization
}

// OutputShape returns the shape of output i.
func (m *StaticMetadata) OutputShape(i int) ([]int, error) {
	o, err := m.output(i)
	if err != nil {
		return nil, err
	}
	return o.Shape, nil
}

// OutputName returns the name of output i.
func (m *StaticMetadata) OutputName(i int) string {
	o, err := m.output(i)
	if err != nil {
		return ""
	}
	return o.Name
}

// OutputIndex looks an output up by name.
func (m *StaticMetadata) OutputIndex(name string) (int, bool) {
	for i, o := range m.Outputs {
		if o.Name == name {
			return i, true
		}
	}
	return 0, false
}

// OutputLabels returns the labels of output i.
func (m *StaticMetadata) OutputLabels(i int, locale string) []byte {
	o, err := m.output(i)
	if err != nil {
		return nil
	}
	if locale != "" {
		if l, ok := o.LocaleLabels[locale]; ok {
			return l
		}
	}
	return o.Labels
}

// OutputActivation returns the activation declared for output i.
func (m *StaticMetadata) OutputActivation(i int) tensors.Activation {
	o, err := m.output(i)
	if err != nil {
		return tensors.ActivationNone
	}
	return o.Activation
}

// BoundingBoxProperties returns the declared box coordinate order.
func (m *StaticMetadata) BoundingBoxProperties() ([4]int, bool) {
	if m.BoxProperties == nil {
		return [4]int{}, false
	}
	return *m.BoxProperties, true
}

// BufferSpecFor returns the decoder buffer type of output i.
func BufferSpecFor(meta ModelMetadata, i int) (postprocess.BufferSpec, error) {
	t, err := meta.OutputTensorType(i)
	if err != nil {
		return postprocess.BufferSpec{}, err
	}
	return postprocess.BufferSpec{Type: t, Quantization: meta.OutputQuantization(i)}, nil
}

// headName returns a pointer to the output name, nil when the output is unnamed.
func headName(meta ModelMetadata, i int) *string {
	name := meta.OutputName(i)
	if name == "" {
		return nil
	}
	return &name
}
