package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

func TestParseLabels(t *testing.T) {
	tests := []struct {
		name string
		blob string
		want []string
	}{
		{name: "empty", blob: "", want: nil},
		{name: "unix", blob: "a\nb\nc", want: []string{"a", "b", "c"}},
		{name: "windows", blob: "a\r\nb\r\n", want: []string{"a", "b"}},
		{name: "blank line keeps index", blob: "a\n\nc\n", want: []string{"a", "", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLabels([]byte(tt.blob)))
		})
	}
}

func TestClassSets(t *testing.T) {
	assert.Len(t, COCOClasses.Classes, 81)
	assert.Len(t, YOLOClasses.Classes, 80)
	assert.Equal(t, "person", LookupName(ModelFamilyYOLO, 0))
	assert.Equal(t, "person", LookupName(ModelFamilyCOCO, 1))
	assert.Equal(t, "", LookupName(ModelFamilyVOC, 21))

	labels := ParseLabels(YOLOClasses.LabelBlob())
	require.Len(t, labels, 80)
	assert.Equal(t, "toothbrush", labels[79])

	_, err := LookupClassSet("imagenet")
	assert.True(t, common.IsArgument(err))

	f, err := ParseModelFamily(" VOC ")
	require.NoError(t, err)
	assert.Equal(t, ModelFamilyVOC, f)
}
