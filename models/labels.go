package models

import (
	"bufio"
	"bytes"
)

// ParseLabels splits a label file into one label per line. Both "\n" and "\r\n" line endings
// are accepted; the line number is the class index, so empty lines are kept.
//
// Arguments:
//   - blob: The label file contents, may be nil.
//
// Returns:
//   - []string: The labels, nil for an empty blob.
//
// @example
// labels := models.ParseLabels([]byte("background\r\nperson\r\n"))
func ParseLabels(blob []byte) []string {
	if len(blob) == 0 {
		return nil
	}
	var labels []string
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 4096), len(blob)+1)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	return labels
}
