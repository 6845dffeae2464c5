package postprocess

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
)

// OverlapType selects how the similarity of two boxes is measured.
type OverlapType int

const (
	// OverlapJaccard divides the intersection by the area of the box enclosing both.
	OverlapJaccard OverlapType = iota
	// OverlapModifiedJaccard divides the intersection by the area of the second box.
	OverlapModifiedJaccard
	// OverlapIoU divides the intersection by the area covered by both boxes.
	OverlapIoU
)

func (o OverlapType) String() string {
	switch o {
	case OverlapJaccard:
		return "jaccard"
	case OverlapModifiedJaccard:
		return "modified_jaccard"
	case OverlapIoU:
		return "iou"
	default:
		return fmt.Sprintf("OverlapType(%d)", int(o))
	}
}

// ParseOverlapType parses "jaccard", "modified_jaccard" or "iou".
func ParseOverlapType(s string) (OverlapType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jaccard":
		return OverlapJaccard, nil
	case "modified_jaccard", "modified-jaccard":
		return OverlapModifiedJaccard, nil
	case "iou", "intersection_over_union":
		return OverlapIoU, nil
	default:
		return OverlapJaccard, common.ArgumentErrorf("unknown overlap type `%s`", s)
	}
}

// NMSAlgorithm selects between suppressing and merging overlapping boxes.
type NMSAlgorithm int

const (
	// NMSDefault keeps the best box of every overlapping group.
	NMSDefault NMSAlgorithm = iota
	// NMSWeighted replaces every overlapping group with its score-weighted average.
	NMSWeighted
)

func (a NMSAlgorithm) String() string {
	switch a {
	case NMSDefault:
		return "default"
	case NMSWeighted:
		return "weighted"
	default:
		return fmt.Sprintf("NMSAlgorithm(%d)", int(a))
	}
}

// ParseNMSAlgorithm parses "default" or "weighted".
func ParseNMSAlgorithm(s string) (NMSAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return NMSDefault, nil
	case "weighted":
		return NMSWeighted, nil
	default:
		return NMSDefault, common.ArgumentErrorf("unknown nms algorithm `%s`", s)
	}
}

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	OverlapType OverlapType  `json:"overlap_type" yaml:"overlap_type"`
	Algorithm   NMSAlgorithm `json:"algorithm" yaml:"algorithm"`
	// Boxes overlapping more than this value are suppressed or merged.
	MinSuppressionThreshold float32 `json:"min_suppression_threshold" yaml:"min_suppression_threshold"`
}

// DefaultNMSConfig returns Jaccard overlap, the default algorithm and a threshold of 1.0, which
// suppresses nothing.
func DefaultNMSConfig() NMSConfig {
	return NMSConfig{OverlapType: OverlapJaccard, Algorithm: NMSDefault, MinSuppressionThreshold: 1.0}
}

// NonMaxSuppression filters or merges overlapping detections.
type NonMaxSuppression struct {
	config     NMSConfig
	maxResults int
}

// NewNonMaxSuppression creates a suppressor with DefaultNMSConfig.
//
// Arguments:
//   - maxResults: The maximum number of detections kept; negative means unlimited.
//
// Returns:
//   - *NonMaxSuppression: The suppressor.
func NewNonMaxSuppression(maxResults int) *NonMaxSuppression {
	n := &NonMaxSuppression{config: DefaultNMSConfig()}
	n.SetMaxResults(maxResults)
	return n
}

// Config returns the current configuration.
func (n *NonMaxSuppression) Config() NMSConfig { return n.config }

// SetConfig replaces the overlap type, algorithm and threshold.
func (n *NonMaxSuppression) SetConfig(c NMSConfig) { n.config = c }

// SetOverlapType sets the similarity measure.
func (n *NonMaxSuppression) SetOverlapType(o OverlapType) { n.config.OverlapType = o }

// SetAlgorithm sets the suppression algorithm.
func (n *NonMaxSuppression) SetAlgorithm(a NMSAlgorithm) { n.config.Algorithm = a }

// SetMinSuppressionThreshold sets the overlap above which boxes are suppressed.
func (n *NonMaxSuppression) SetMinSuppressionThreshold(t float32) {
	n.config.MinSuppressionThreshold = t
}

// SetMaxResults sets the maximum number of kept detections; negative means unlimited.
func (n *NonMaxSuppression) SetMaxResults(maxResults int) {
	if maxResults < 0 {
		maxResults = -1
	}
	n.maxResults = maxResults
}

// MaxResults returns the limit, -1 when unlimited.
func (n *NonMaxSuppression) MaxResults() int { return n.maxResults }

func (n *NonMaxSuppression) full(kept int) bool {
	return n.maxResults >= 0 && kept >= n.maxResults
}

type indexedScore struct {
	index int
	score float32
}

// Apply suppresses overlapping detections in place.
//
// Detections without categories are dropped and every remaining detection keeps only its best
// category. The surviving detections are ordered by descending score.
//
// Arguments:
//   - result: The decoded detections; replaced with the kept ones.
//
// @example
// nms := postprocess.NewNonMaxSuppression(10)
// nms.SetMinSuppressionThreshold(0.5)
// nms.Apply(&result)
func (n *NonMaxSuppression) Apply(result *DetectionResult) {
	detections := result.Detections[:0]
	for _, d := range result.Detections {
		if len(d.Categories) == 0 {
			continue
		}
		if len(d.Categories) > 1 {
			SortCategories(d.Categories)
			d.Categories = d.Categories[:1]
		}
		detections = append(detections, d)
	}

	scores := make([]indexedScore, len(detections))
	for i, d := range detections {
		scores[i] = indexedScore{index: i, score: d.Categories[0].Score}
	}
	slices.SortStableFunc(scores, func(a, b indexedScore) int {
		return cmp.Compare(b.score, a.score)
	})

	if n.maxResults == 0 {
		result.Detections = detections[:0]
		return
	}
	switch n.config.Algorithm {
	case NMSWeighted:
		result.Detections = n.weighted(detections, scores)
	default:
		result.Detections = n.suppress(detections, scores)
	}
}

func (n *NonMaxSuppression) suppress(detections []Detection, scores []indexedScore) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, s := range scores {
		box := detections[s.index].BoundingBox
		suppressed := false
		for i := range kept {
			if n.overlapSimilarity(box, kept[i].BoundingBox) > n.config.MinSuppressionThreshold {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, detections[s.index])
		if n.full(len(kept)) {
			break
		}
	}
	return kept
}

func (n *NonMaxSuppression) weighted(detections []Detection, scores []indexedScore) []Detection {
	out := make([]Detection, 0, len(detections))
	remains := make([]indexedScore, 0, len(scores))
	for len(scores) > 0 {
		seed := detections[scores[0].index]
		total := scores[0].score
		box := scaleRect(seed.BoundingBox, total)
		var keyPoints []NormalizedKeypoint
		if seed.KeyPoints != nil {
			keyPoints = make([]NormalizedKeypoint, len(seed.KeyPoints))
			for i, k := range seed.KeyPoints {
				keyPoints[i] = NormalizedKeypoint{X: k.X * total, Y: k.Y * total, Label: k.Label, Score: k.Score}
			}
		}

		remains = remains[:0]
		for _, s := range scores[1:] {
			rest := detections[s.index]
			if n.overlapSimilarity(seed.BoundingBox, rest.BoundingBox) <= n.config.MinSuppressionThreshold {
				remains = append(remains, s)
				continue
			}
			total += s.score
			box.Left += rest.BoundingBox.Left * s.score
			box.Top += rest.BoundingBox.Top * s.score
			box.Right += rest.BoundingBox.Right * s.score
			box.Bottom += rest.BoundingBox.Bottom * s.score
			// Detections of one decoder share a keypoint layout; merge the common prefix otherwise.
			for i := 0; i < min(len(keyPoints), len(rest.KeyPoints)); i++ {
				keyPoints[i].X += rest.KeyPoints[i].X * s.score
				keyPoints[i].Y += rest.KeyPoints[i].Y * s.score
			}
		}

		if total != 0 {
			inv := 1 / total
			for i := range keyPoints {
				keyPoints[i].X *= inv
				keyPoints[i].Y *= inv
			}
			out = append(out, Detection{
				Categories:  seed.Categories,
				BoundingBox: images.Rect{Left: box.Left / total, Top: box.Top / total, Right: box.Right / total, Bottom: box.Bottom / total},
				KeyPoints:   keyPoints,
			})
			if n.full(len(out)) {
				break
			}
		}
		scores, remains = remains, scores[:0]
	}
	return out
}

func scaleRect(r images.Rect, s float32) images.Rect {
	return images.Rect{Left: r.Left * s, Top: r.Top * s, Right: r.Right * s, Bottom: r.Bottom * s}
}

// OverlapSimilarity measures two boxes with the configured overlap type.
func (n *NonMaxSuppression) OverlapSimilarity(r1, r2 images.Rect) float32 {
	return n.overlapSimilarity(r1, r2)
}

func (n *NonMaxSuppression) overlapSimilarity(r1, r2 images.Rect) float32 {
	inter, ok := r1.Intersect(r2)
	if !ok {
		return 0
	}
	interArea := inter.Area()
	var normalization float32
	switch n.config.OverlapType {
	case OverlapModifiedJaccard:
		normalization = r2.Area()
	case OverlapIoU:
		normalization = r1.Area() + r2.Area() - interArea
	default:
		normalization = r1.Union(r2).Area()
	}
	if normalization > 0 {
		return interArea / normalization
	}
	return 0
}
