// Package inference - Connects decoders to the tensors produced by an inference runtime.
package inference

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tensordecode/common"
)

// OutputReader copies the raw bytes of model output tensors.
type OutputReader interface {
	// GetOutput copies as much of output index as fits into dst and returns the full size of
	// that output in bytes.
	GetOutput(index int, dst []byte) (int, error)
}

// OutputReaderFunc adapts a function to OutputReader.
type OutputReaderFunc func(index int, dst []byte) (int, error)

// GetOutput calls f(index, dst).
func (f OutputReaderFunc) GetOutput(index int, dst []byte) (int, error) {
	return f(index, dst)
}

// BytesOutputs serves outputs that are already in memory, e.g. tensors dumped to disk.
type BytesOutputs [][]byte

// GetOutput copies a prefix of output index into dst.
func (b BytesOutputs) GetOutput(index int, dst []byte) (int, error) {
	if index < 0 || index >= len(b) {
		return 0, common.ArgumentErrorf("output index `%d` out of range, have `%d` outputs", index, len(b))
	}
	copy(dst, b[index])
	return len(b[index]), nil
}

// ReadOutput fills dst with output index.
//
// Arguments:
//   - r: The inference outputs.
//   - index: The output tensor index.
//   - dst: A decoder buffer sized for the expected tensor.
//
// Returns:
//   - error: The reader error, or a model inconsistency error when the output size differs
//     from len(dst).
//
// @example
//
//	if err := inference.ReadOutput(outputs, 0, dec.LocationBuffer()); err != nil {
//		return err
//	}
func ReadOutput(r OutputReader, index int, dst []byte) error {
	n, err := r.GetOutput(index, dst)
	if err != nil {
		return errors.Wrapf(err, "read output %d", index)
	}
	if n != len(dst) {
		return common.ModelInconsistentErrorf("output %d has `%d` bytes, expected `%d`", index, n, len(dst))
	}
	return nil
}

// ReadOutputPrefix fills dst with the start of output index. Models with a box count output pad
// their box tensors to a maximum, so the output may be larger than dst but never smaller.
func ReadOutputPrefix(r OutputReader, index int, dst []byte) error {
	n, err := r.GetOutput(index, dst)
	if err != nil {
		return errors.Wrapf(err, "read output %d", index)
	}
	if n < len(dst) {
		return common.ModelInconsistentErrorf("output %d has `%d` bytes, expected at least `%d`", index, n, len(dst))
	}
	return nil
}
