// Package util - Helpers for reading tensor dumps from disk.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-tensordecode/common"
)

// TensorDump represents one output tensor of one frame.
type TensorDump struct {
	// Path is the path to the dump file.
	Path string
	// Data is the raw little-endian tensor bytes.
	Data []byte
	// Frame is the frame number parsed from the file name.
	Frame int
}

// LoadDirectoryDumps reads the dumps of one output tensor from a directory. Files are named
// frame-<n>.<output>.bin, e.g. frame-12.scores.bin.
//
// Arguments:
//   - dir: Directory path containing the dumps.
//   - output: The output name between the frame number and the extension.
//
// Returns:
//   - []TensorDump: The dumps ordered by frame number.
//   - error: Error if reading fails or a file name has no frame number.
func LoadDirectoryDumps(dir, output string) ([]TensorDump, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read dump directory %s", dir)
	}

	suffix := "." + output + ".bin"
	var dumps []TensorDump
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "frame-") || !strings.HasSuffix(file.Name(), suffix) {
			continue
		}
		frame, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(file.Name(), "frame-"), suffix))
		if err != nil {
			return nil, common.ArgumentErrorf("dump %s has no frame number", file.Name())
		}
		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read dump %s", path)
		}
		dumps = append(dumps, TensorDump{
			Path:  path,
			Data:  data,
			Frame: frame,
		})
	}

	sort.Slice(dumps, func(i, j int) bool {
		return dumps[i].Frame < dumps[j].Frame
	})

	return dumps, nil
}

// LoadDirectoryFrames reads the dumps of several outputs and groups them by frame, in the order
// of outputs. Every output must have a dump for the same frames.
//
// Returns:
//   - [][][]byte: One entry per frame holding one tensor per output.
//   - []int: The frame numbers.
//   - error: An argument error when the outputs cover different frames.
func LoadDirectoryFrames(dir string, outputs ...string) ([][][]byte, []int, error) {
	var (
		frames  [][][]byte
		numbers []int
	)
	for o, output := range outputs {
		dumps, err := LoadDirectoryDumps(dir, output)
		if err != nil {
			return nil, nil, err
		}
		if o == 0 {
			frames = make([][][]byte, len(dumps))
			numbers = make([]int, len(dumps))
			for i, d := range dumps {
				frames[i] = make([][]byte, len(outputs))
				numbers[i] = d.Frame
			}
		}
		if len(dumps) != len(frames) {
			return nil, nil, common.ArgumentErrorf("output %s has `%d` dumps, output %s has `%d`", output, len(dumps), outputs[0], len(frames))
		}
		for i, d := range dumps {
			if d.Frame != numbers[i] {
				return nil, nil, common.ArgumentErrorf("output %s has no dump for frame `%d`", output, numbers[i])
			}
			frames[i][o] = d.Data
		}
	}
	return frames, numbers, nil
}
