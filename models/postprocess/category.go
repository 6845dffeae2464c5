// Package postprocess - Decoders that turn raw model output tensors into detections, landmarks,
// segmentation masks, classifications and embeddings.
package postprocess

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/models"
)

// Category is a single scored class of a model output.
type Category struct {
	// The index of the class in the model output.
	Index uint32 `json:"index" yaml:"index"`
	// The score, usually (but not necessarily) a probability in [0, 1].
	Score float32 `json:"score" yaml:"score"`
	// The label from the model's label file, if any.
	CategoryName *string `json:"category_name,omitempty" yaml:"category_name,omitempty"`
	// The localized label, if a locale label file was provided.
	DisplayName *string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Equal compares categories by index only.
func (c Category) Equal(o Category) bool {
	return c.Index == o.Index
}

func (c Category) String() string {
	var b strings.Builder
	writeCategory(&b, c)
	return b.String()
}

func writeCategory(b *strings.Builder, c Category) {
	writeOptionalString(b, "      Category name: ", c.CategoryName)
	writeOptionalString(b, "      Display name:  ", c.DisplayName)
	fmt.Fprintf(b, "      Score:         %v\n", c.Score)
	fmt.Fprintf(b, "      Index:         %d\n", c.Index)
}

func writeOptionalString(b *strings.Builder, prefix string, s *string) {
	if s == nil {
		b.WriteString(prefix + "None\n")
		return
	}
	fmt.Fprintf(b, "%s%q\n", prefix, *s)
}

// SortCategories orders categories by descending score. Ties keep their input order.
func SortCategories(categories []Category) {
	slices.SortStableFunc(categories, func(a, b Category) int {
		return cmp.Compare(b.Score, a.Score)
	})
}

// ClassificationOptions control which categories a filter lets through.
type ClassificationOptions struct {
	// The locale of the display names, e.g. "en". Empty selects the default labels.
	DisplayNamesLocale string `json:"display_names_locale" yaml:"display_names_locale" mapstructure:"display_names_locale"`
	// The maximum number of results; negative means unlimited.
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
	// Categories scoring below this value are dropped.
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold" mapstructure:"score_threshold"`
	// Only these labels are kept. Mutually exclusive with DenyList.
	AllowList []string `json:"allow_list" yaml:"allow_list" mapstructure:"allow_list"`
	// These labels are dropped. Mutually exclusive with AllowList.
	DenyList []string `json:"deny_list" yaml:"deny_list" mapstructure:"deny_list"`
}

// DefaultClassificationOptions returns options with no limit, no threshold and no lists.
func DefaultClassificationOptions() ClassificationOptions {
	return ClassificationOptions{
		DisplayNamesLocale: "en",
		MaxResults:         -1,
		ScoreThreshold:     0,
	}
}

// Validate reports an argument error when both lists are set.
func (o ClassificationOptions) Validate() error {
	if len(o.AllowList) > 0 && len(o.DenyList) > 0 {
		return common.ArgumentErrorf("allow list and deny list are mutually exclusive")
	}
	return nil
}

type filterLabel struct {
	allowed bool
	name    string
	display *string
}

// CategoriesFilter maps class indices to labeled categories. It is immutable once built and may
// be shared between decoders.
type CategoriesFilter struct {
	labels         []filterLabel
	scoreThreshold float32
}

// NewCategoriesFilter builds a filter from a label file and optional locale label file.
//
// Arguments:
//   - opts: The score threshold and the allow or deny list.
//   - labels: Newline-delimited labels, the line number is the class index.
//   - locale: Newline-delimited localized labels paired line by line with labels, may be nil.
//
// Returns:
//   - *CategoriesFilter: The filter.
//   - error: An argument error when both an allow list and a deny list are set.
//
// @example
// filter, err := postprocess.NewCategoriesFilter(opts, models.COCOClasses.LabelBlob(), nil)
func NewCategoriesFilter(opts ClassificationOptions, labels []byte, locale []byte) (*CategoriesFilter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	allowMode := len(opts.AllowList) > 0
	listed := make(map[string]struct{}, len(opts.AllowList)+len(opts.DenyList))
	for _, l := range opts.AllowList {
		listed[l] = struct{}{}
	}
	for _, l := range opts.DenyList {
		listed[l] = struct{}{}
	}

	names := models.ParseLabels(labels)
	f := &CategoriesFilter{labels: make([]filterLabel, len(names)), scoreThreshold: opts.ScoreThreshold}
	for i, name := range names {
		_, inList := listed[name]
		f.labels[i] = filterLabel{allowed: inList == allowMode, name: name}
	}
	f.addLocale(locale)
	return f, nil
}

// NewFullCategoriesFilter builds a filter that only applies a score threshold.
func NewFullCategoriesFilter(scoreThreshold float32, labels []byte, locale []byte) *CategoriesFilter {
	names := models.ParseLabels(labels)
	f := &CategoriesFilter{labels: make([]filterLabel, len(names)), scoreThreshold: scoreThreshold}
	for i, name := range names {
		f.labels[i] = filterLabel{allowed: true, name: name}
	}
	f.addLocale(locale)
	return f
}

func (f *CategoriesFilter) addLocale(locale []byte) {
	for i, display := range models.ParseLabels(locale) {
		if i >= len(f.labels) {
			return
		}
		if f.labels[i].allowed {
			d := display
			f.labels[i].display = &d
		}
	}
}

// NumLabels returns the number of labels read from the label file.
func (f *CategoriesFilter) NumLabels() int {
	return len(f.labels)
}

// ScoreThreshold returns the minimum score of a category.
func (f *CategoriesFilter) ScoreThreshold() float32 {
	return f.scoreThreshold
}

// CreateCategory returns the labeled category for index, or false when the score is below the
// threshold, the index has no label, or the label is excluded.
func (f *CategoriesFilter) CreateCategory(index int, score float32) (Category, bool) {
	if !(score >= f.scoreThreshold) || index < 0 || index >= len(f.labels) {
		return Category{}, false
	}
	l := f.labels[index]
	if !l.allowed {
		return Category{}, false
	}
	name := l.name
	c := Category{Index: uint32(index), Score: score, CategoryName: &name}
	if l.display != nil {
		d := *l.display
		c.DisplayName = &d
	}
	return c, true
}
