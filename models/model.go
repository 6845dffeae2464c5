// Package models - Label files and the built-in label sets of common detector families.
package models

import (
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
)

// ModelFamily names a label convention.
type ModelFamily string

const (
	// ModelFamilyCOCO is the 80 COCO classes + background.
	ModelFamilyCOCO ModelFamily = "coco"
	// ModelFamilyYOLO is the 80 COCO classes, no background.
	ModelFamilyYOLO ModelFamily = "yolo"
	// ModelFamilyTF is TensorFlow's COCO labelmap, same as COCO.
	ModelFamilyTF ModelFamily = "tf"
	// ModelFamilyVOC is the 20 Pascal VOC classes + background.
	ModelFamilyVOC ModelFamily = "voc"
)

// ParseModelFamily parses a family name, case-insensitively.
func ParseModelFamily(s string) (ModelFamily, error) {
	f := ModelFamily(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case ModelFamilyCOCO, ModelFamilyYOLO, ModelFamilyTF, ModelFamilyVOC:
		return f, nil
	default:
		return "", common.ArgumentErrorf("unknown model family `%s`", s)
	}
}
