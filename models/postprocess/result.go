package postprocess

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/go-tensordecode/images"
)

// NormalizedKeypoint is a keypoint in normalized image coordinates.
type NormalizedKeypoint struct {
	X     float32  `json:"x" yaml:"x"`
	Y     float32  `json:"y" yaml:"y"`
	Label *string  `json:"label,omitempty" yaml:"label,omitempty"`
	Score *float32 `json:"score,omitempty" yaml:"score,omitempty"`
}

// Detection is a single detected object.
type Detection struct {
	// Categories is ordered by descending score; NMS keeps only the first.
	Categories []Category `json:"categories" yaml:"categories"`
	// The box in normalized coordinates.
	BoundingBox images.Rect `json:"bounding_box" yaml:"bounding_box"`
	// KeyPoints is nil when the model predicts none.
	KeyPoints []NormalizedKeypoint `json:"key_points,omitempty" yaml:"key_points,omitempty"`
}

// DetectionResult holds the detections of one inference.
type DetectionResult struct {
	Detections []Detection `json:"detections" yaml:"detections"`
}

func (r DetectionResult) String() string {
	var b strings.Builder
	b.WriteString("DetectionResult:\n")
	if len(r.Detections) == 0 {
		b.WriteString("  No Detection\n")
		return b.String()
	}
	for i, d := range r.Detections {
		fmt.Fprintf(&b, "  Detection #%d:\n", i)
		fmt.Fprintf(&b, "    Box: %s\n", d.BoundingBox)
		for j, c := range d.Categories {
			fmt.Fprintf(&b, "    Category #%d:\n", j)
			writeCategory(&b, c)
		}
		for j, k := range d.KeyPoints {
			fmt.Fprintf(&b, "    KeyPoint #%d:\n", j)
			fmt.Fprintf(&b, "      Coordinates: (%v,%v)\n", k.X, k.Y)
			writeOptionalString(&b, "      Label:       ", k.Label)
			if k.Score != nil {
				fmt.Fprintf(&b, "      Score:       %v\n", *k.Score)
			} else {
				b.WriteString("      Score:       None\n")
			}
		}
	}
	return b.String()
}
