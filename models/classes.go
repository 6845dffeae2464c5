package models

import (
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
)

// OutputClass represents one label of a model output.
type OutputClass struct {
	// The integer index returned by the model.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a label family to its full list of labels.
type OutputClassSet struct {
	// Class set identifier.
	Style ModelFamily
	// Classes ordered by index.
	Classes []OutputClass
}

// LabelBlob renders the set as a newline-delimited label file, one name per index. Gaps in the
// index sequence become empty lines.
//
// Returns:
//   - []byte: The label file contents accepted by ParseLabels and the category filters.
//
// @example
// blob := models.YOLOClasses.LabelBlob()
func (s OutputClassSet) LabelBlob() []byte {
	n := 0
	for _, c := range s.Classes {
		n = max(n, c.Index+1)
	}
	names := make([]string, n)
	for _, c := range s.Classes {
		names[c.Index] = c.Name
	}
	return []byte(strings.Join(names, "\n"))
}

// COCOClasses is the full 80 COCO classes plus "__background__" at index 0.
var COCOClasses = OutputClassSet{
	Style: ModelFamilyCOCO,
	Classes: []OutputClass{
		{0, "__background__"},
		{1, "person"},
		{2, "bicycle"},
		{3, "car"},
		{4, "motorcycle"},
		{5, "airplane"},
		{6, "bus"},
		{7, "train"},
		{8, "truck"},
		{9, "boat"},
		{10, "traffic light"},
		{11, "fire hydrant"},
		{12, "stop sign"},
		{13, "parking meter"},
		{14, "bench"},
		{15, "bird"},
		{16, "cat"},
		{17, "dog"},
		{18, "horse"},
		{19, "sheep"},
		{20, "cow"},
		{21, "elephant"},
		{22, "bear"},
		{23, "zebra"},
		{24, "giraffe"},
		{25, "backpack"},
		{26, "umbrella"},
		{27, "handbag"},
		{28, "tie"},
		{29, "suitcase"},
		{30, "frisbee"},
		{31, "skis"},
		{32, "snowboard"},
		{33, "sports ball"},
		{34, "kite"},
		{35, "baseball bat"},
		{36, "baseball glove"},
		{37, "skateboard"},
		{38, "surfboard"},
		{39, "tennis racket"},
		{40, "bottle"},
		{41, "wine glass"},
		{42, "cup"},
		{43, "fork"},
		{44, "knife"},
		{45, "spoon"},
		{46, "bowl"},
		{47, "banana"},
		{48, "apple"},
		{49, "sandwich"},
		{50, "orange"},
		{51, "broccoli"},
		{52, "carrot"},
		{53, "hot dog"},
		{54, "pizza"},
		{55, "donut"},
		{56, "cake"},
		{57, "chair"},
		{58, "couch"},
		{59, "potted plant"},
		{60, "bed"},
		{61, "dining table"},
		{62, "toilet"},
		{63, "tv"},
		{64, "laptop"},
		{65, "mouse"},
		{66, "remote"},
		{67, "keyboard"},
		{68, "cell phone"},
		{69, "microwave"},
		{70, "oven"},
		{71, "toaster"},
		{72, "sink"},
		{73, "refrigerator"},
		{74, "book"},
		{75, "clock"},
		{76, "vase"},
		{77, "scissors"},
		{78, "teddy bear"},
		{79, "hair drier"},
		{80, "toothbrush"},
	},
}

// YOLOClasses is the 80 COCO classes (no background).
// YOLO models index directly into this zero-based list.
var YOLOClasses = OutputClassSet{
	Style: ModelFamilyYOLO,
	Classes: func() []OutputClass {
		classes := make([]OutputClass, len(COCOClasses.Classes)-1) // drop background
		for i := 1; i < len(COCOClasses.Classes); i++ {
			classes[i-1] = OutputClass{i - 1, COCOClasses.Classes[i].Name}
		}
		return classes
	}(),
}

// TFCOCOClasses mirrors TensorFlow’s default COCO labelmap (80 + background).
// Use these indices when running TF-exported models in ONNX Runtime GO.
var TFCOCOClasses = OutputClassSet{
	Style:   ModelFamilyTF,
	Classes: COCOClasses.Classes, // identical names & indices
}

// PascalVOCClasses is the 20 Pascal VOC classes + "__background__" at index 0.
var PascalVOCClasses = OutputClassSet{
	Style: ModelFamilyVOC,
	Classes: []OutputClass{
		{0, "__background__"},
		{1, "aeroplane"},
		{2, "bicycle"},
		{3, "bird"},
		{4, "boat"},
		{5, "bottle"},
		{6, "bus"},
		{7, "car"},
		{8, "cat"},
		{9, "chair"},
		{10, "cow"},
		{11, "diningtable"},
		{12, "dog"},
		{13, "horse"},
		{14, "motorbike"},
		{15, "person"},
		{16, "pottedplant"},
		{17, "sheep"},
		{18, "sofa"},
		{19, "train"},
		{20, "tvmonitor"},
	},
}

// AllClassSets collects every OutputClassSet in one place.
var AllClassSets = []OutputClassSet{
	COCOClasses,
	YOLOClasses,
	TFCOCOClasses,
	PascalVOCClasses,
}

// LookupClassSet returns the class set registered for a family.
//
// Returns:
//   - OutputClassSet: The set.
//   - error: An argument error when no set is registered under style.
func LookupClassSet(style ModelFamily) (OutputClassSet, error) {
	for _, set := range AllClassSets {
		if set.Style == style {
			return set, nil
		}
	}
	return OutputClassSet{}, common.ArgumentErrorf("class set %q not registered", style)
}

// LookupName returns the class name for a given style and index.
// If index is out of range, it returns an empty string.
func LookupName(style ModelFamily, idx int) string {
	set, err := LookupClassSet(style)
	if err != nil || idx < 0 || idx >= len(set.Classes) {
		return ""
	}
	return set.Classes[idx].Name
}
