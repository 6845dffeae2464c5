package postprocess

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// Classifications are the categories predicted by one classifier head.
type Classifications struct {
	HeadIndex int `json:"head_index" yaml:"head_index"`
	// HeadName is the output tensor name, when the model declares one.
	HeadName   *string    `json:"head_name,omitempty" yaml:"head_name,omitempty"`
	Categories []Category `json:"categories" yaml:"categories"`
}

// ClassificationResult holds the classifications of every head.
type ClassificationResult struct {
	Classifications []Classifications `json:"classifications" yaml:"classifications"`
	// TimestampMs is the start of the chunk these results cover, for time series input.
	TimestampMs *uint64 `json:"timestamp_ms,omitempty" yaml:"timestamp_ms,omitempty"`
}

func (r ClassificationResult) String() string {
	var b strings.Builder
	b.WriteString("ClassificationResult:\n")
	if r.TimestampMs != nil {
		fmt.Fprintf(&b, "  Timestamp: %d ms\n", *r.TimestampMs)
	}
	if len(r.Classifications) == 0 {
		b.WriteString("  No Classification\n")
		return b.String()
	}
	for i, c := range r.Classifications {
		fmt.Fprintf(&b, "  Classification #%d:\n", i)
		if c.HeadName != nil {
			fmt.Fprintf(&b, "    Head name: %s\n", *c.HeadName)
			fmt.Fprintf(&b, "    Head index: %d\n", c.HeadIndex)
		}
		for j, category := range c.Categories {
			fmt.Fprintf(&b, "    Category #%d:\n", j)
			writeCategory(&b, category)
		}
	}
	return b.String()
}

type classificationHead struct {
	filter     *CategoriesFilter
	maxResults int
	buf        *tensors.OutputBuffer
	name       *string
}

// TensorsToClassification turns one score tensor per head into sorted categories. It owns its
// buffers and is not safe for concurrent use.
type TensorsToClassification struct {
	heads []classificationHead
}

// NewTensorsToClassification creates an aggregator without heads.
func NewTensorsToClassification() *TensorsToClassification {
	return &TensorsToClassification{}
}

// AddHead registers the next output tensor.
//
// Arguments:
//   - filter: The category filter of this head.
//   - maxResults: The number of categories kept; negative keeps all.
//   - spec: The tensor type.
//   - shape: The tensor shape.
//   - headName: The output tensor name, or nil.
//
// Returns:
//   - int: The head index, used with OutputBuffer.
//   - error: A model inconsistency error for an 8 bit tensor without quantization parameters.
func (t *TensorsToClassification) AddHead(filter *CategoriesFilter, maxResults int, spec BufferSpec, shape []int, headName *string) (int, error) {
	if filter == nil {
		return 0, common.ArgumentErrorf("classification head needs a category filter")
	}
	buf, err := spec.newBuffer(tensors.ElementCount(shape))
	if err != nil {
		return 0, err
	}
	t.heads = append(t.heads, classificationHead{filter: filter, maxResults: maxResults, buf: buf, name: headName})
	return len(t.heads) - 1, nil
}

// NumHeads returns the number of registered heads.
func (t *TensorsToClassification) NumHeads() int { return len(t.heads) }

// OutputBuffer is where the inference call writes the scores of head i. i must be a value
// returned by AddHead.
func (t *TensorsToClassification) OutputBuffer(i int) []byte {
	return t.heads[i].buf.Bytes()
}

// Result builds the classifications of every head.
//
// Arguments:
//   - timestampMs: Copied into the result, nil for single images.
//
// Returns:
//   - ClassificationResult: One Classifications per head, in head order.
//   - error: Always nil today; kept for heads that may fail to decode.
func (t *TensorsToClassification) Result(timestampMs *uint64) (ClassificationResult, error) {
	res := ClassificationResult{
		Classifications: make([]Classifications, 0, len(t.heads)),
		TimestampMs:     timestampMs,
	}
	for id, h := range t.heads {
		scores := h.buf.Floats()
		var categories []Category
		for i, s := range scores {
			if c, ok := h.filter.CreateCategory(i, s); ok {
				categories = append(categories, c)
			}
		}
		SortCategories(categories)
		if h.maxResults >= 0 && h.maxResults < len(categories) {
			categories = categories[:h.maxResults]
		}
		res.Classifications = append(res.Classifications, Classifications{
			HeadIndex:  id,
			HeadName:   h.name,
			Categories: categories,
		})
	}
	return res, nil
}
