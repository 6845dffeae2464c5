package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

var animalLabels = []byte("cat\ndog\nbird\nfish")

func TestCategoriesFilterLists(t *testing.T) {
	tests := []struct {
		name    string
		opts    ClassificationOptions
		index   int
		score   float32
		wantOK  bool
		wantErr bool
	}{
		{name: "no lists", opts: ClassificationOptions{}, index: 1, score: 0.1, wantOK: true},
		{name: "deny list drops label regardless of score", opts: ClassificationOptions{DenyList: []string{"dog"}}, index: 1, score: 1, wantOK: false},
		{name: "deny list passes other labels", opts: ClassificationOptions{DenyList: []string{"dog"}}, index: 0, score: 0.2, wantOK: true},
		{name: "allow list keeps listed label", opts: ClassificationOptions{AllowList: []string{"bird"}, ScoreThreshold: 0.5}, index: 2, score: 0.5, wantOK: true},
		{name: "allow list drops unlisted label", opts: ClassificationOptions{AllowList: []string{"bird"}}, index: 3, score: 0.9, wantOK: false},
		{name: "below threshold", opts: ClassificationOptions{ScoreThreshold: 0.5}, index: 0, score: 0.49, wantOK: false},
		{name: "index out of range", opts: ClassificationOptions{}, index: 4, score: 0.9, wantOK: false},
		{name: "negative index", opts: ClassificationOptions{}, index: -1, score: 0.9, wantOK: false},
		{name: "both lists", opts: ClassificationOptions{AllowList: []string{"cat"}, DenyList: []string{"dog"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewCategoriesFilter(tt.opts, animalLabels, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, common.IsArgument(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 4, f.NumLabels())

			c, ok := f.CreateCategory(tt.index, tt.score)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, uint32(tt.index), c.Index)
				assert.Equal(t, tt.score, c.Score)
				require.NotNil(t, c.CategoryName)
			}
		})
	}
}

func TestCategoriesFilterLocale(t *testing.T) {
	f := NewFullCategoriesFilter(0, animalLabels, []byte("chat\nchien\noiseau\npoisson"))

	c, ok := f.CreateCategory(1, 0.7)
	require.True(t, ok)
	require.NotNil(t, c.CategoryName)
	require.NotNil(t, c.DisplayName)
	assert.Equal(t, "dog", *c.CategoryName)
	assert.Equal(t, "chien", *c.DisplayName)
}

func TestCategoriesFilterNaNScore(t *testing.T) {
	f := NewFullCategoriesFilter(0, animalLabels, nil)
	_, ok := f.CreateCategory(0, float32NaN())
	assert.False(t, ok)
}

func TestSortCategories(t *testing.T) {
	categories := []Category{{Index: 0, Score: 0.1}, {Index: 1, Score: 0.9}, {Index: 2, Score: 0.5}, {Index: 3, Score: 0.9}}
	SortCategories(categories)

	var order []uint32
	for _, c := range categories {
		order = append(order, c.Index)
	}
	assert.Equal(t, []uint32{1, 3, 2, 0}, order)
}

func TestCategoryEqualUsesIndex(t *testing.T) {
	assert.True(t, Category{Index: 3, Score: 0.1}.Equal(Category{Index: 3, Score: 0.9}))
	assert.False(t, Category{Index: 3}.Equal(Category{Index: 4}))
}

func TestCategoryString(t *testing.T) {
	name := "cat"
	got := Category{Index: 7, Score: 0.5, CategoryName: &name}.String()
	assert.Equal(t, "      Category name: \"cat\"\n      Display name:  None\n      Score:         0.5\n      Index:         7\n", got)
}
