package postprocess

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
)

// HandLandmark indexes the 21 landmarks of the hand landmark model.
type HandLandmark int

const (
	Wrist HandLandmark = iota
	ThumbCMC
	ThumbMCP
	ThumbIP
	ThumbTip
	IndexFingerMCP
	IndexFingerPIP
	IndexFingerDIP
	IndexFingerTip
	MiddleFingerMCP
	MiddleFingerPIP
	MiddleFingerDIP
	MiddleFingerTip
	RingFingerMCP
	RingFingerPIP
	RingFingerDIP
	RingFingerTip
	PinkyMCP
	PinkyPIP
	PinkyDIP
	PinkyTip
)

// NumHandLandmarks is the number of landmarks of one hand.
const NumHandLandmarks = 21

var handLandmarkNames = [NumHandLandmarks]string{
	"WRIST",
	"THUMB_CMC", "THUMB_MCP", "THUMB_IP", "THUMB_TIP",
	"INDEX_FINGER_MCP", "INDEX_FINGER_PIP", "INDEX_FINGER_DIP", "INDEX_FINGER_TIP",
	"MIDDLE_FINGER_MCP", "MIDDLE_FINGER_PIP", "MIDDLE_FINGER_DIP", "MIDDLE_FINGER_TIP",
	"RING_FINGER_MCP", "RING_FINGER_PIP", "RING_FINGER_DIP", "RING_FINGER_TIP",
	"PINKY_MCP", "PINKY_PIP", "PINKY_DIP", "PINKY_TIP",
}

func (h HandLandmark) String() string {
	if h < 0 || int(h) >= NumHandLandmarks {
		return fmt.Sprintf("HandLandmark(%d)", int(h))
	}
	return handLandmarkNames[h]
}

// HandConnections are the bones drawn between hand landmarks.
var HandConnections = [][2]HandLandmark{
	{Wrist, ThumbCMC}, {ThumbCMC, ThumbMCP}, {ThumbMCP, ThumbIP}, {ThumbIP, ThumbTip},
	{Wrist, IndexFingerMCP}, {IndexFingerMCP, IndexFingerPIP}, {IndexFingerPIP, IndexFingerDIP}, {IndexFingerDIP, IndexFingerTip},
	{IndexFingerMCP, MiddleFingerMCP}, {MiddleFingerMCP, MiddleFingerPIP}, {MiddleFingerPIP, MiddleFingerDIP}, {MiddleFingerDIP, MiddleFingerTip},
	{MiddleFingerMCP, RingFingerMCP}, {RingFingerMCP, RingFingerPIP}, {RingFingerPIP, RingFingerDIP}, {RingFingerDIP, RingFingerTip},
	{RingFingerMCP, PinkyMCP}, {Wrist, PinkyMCP},
	{PinkyMCP, PinkyPIP}, {PinkyPIP, PinkyDIP}, {PinkyDIP, PinkyTip},
}

// NameHandLandmarks sets the name of every landmark of a 21 point hand.
func NameHandLandmarks(ls Landmarks) {
	for i := range ls {
		if i >= NumHandLandmarks {
			return
		}
		name := handLandmarkNames[i]
		ls[i].Name = &name
	}
}

// HandLandmarkROIOptions returns the transform turning a palm ROI into the hand landmark ROI.
func HandLandmarkROIOptions() (scale, shiftY float32, rotation RotationOption) {
	return 2.6, -0.5, RotationOption{Angle: math32.Pi / 2, StartKeypoint: 0, EndKeypoint: 2}
}

const objectScaleEpsilon = 1e-5

// LandmarksToMatrix flattens normalized landmarks into the [x, y, z] feature vector of a gesture
// classifier. The landmarks are first corrected for the image aspect ratio, then expressed
// relative to the landmark at originOffset and divided by the larger side of their bounding box.
//
// Arguments:
//   - landmarks: Normalized hand landmarks.
//   - imgWidth, imgHeight: The image the landmarks were detected in.
//   - originOffset: Index of the landmark used as origin, usually Wrist.
//
// Returns:
//   - []float32: 3 values per landmark.
//   - error: An argument error for an empty image or an out of range origin.
func LandmarksToMatrix(landmarks Landmarks, imgWidth, imgHeight uint32, originOffset int) ([]float32, error) {
	if imgWidth == 0 || imgHeight == 0 {
		return nil, common.ArgumentErrorf("image size must be positive, got `%dx%d`", imgWidth, imgHeight)
	}
	if originOffset < 0 || originOffset >= len(landmarks) {
		return nil, common.ArgumentErrorf("origin offset `%d` out of range for `%d` landmarks", originOffset, len(landmarks))
	}
	maxSide := float32(max(imgWidth, imgHeight))
	wf, hf := float32(imgWidth)/maxSide, float32(imgHeight)/maxSide

	adjusted := make([][3]float32, len(landmarks))
	minX, minY := float32(math32.MaxFloat32), float32(math32.MaxFloat32)
	maxX, maxY := -float32(math32.MaxFloat32), -float32(math32.MaxFloat32)
	for i, l := range landmarks {
		x := (l.X-0.5)*wf + 0.5
		y := (l.Y-0.5)*hf + 0.5
		adjusted[i] = [3]float32{x, y, l.Z}
		minX, maxX = math32.Min(minX, x), math32.Max(maxX, x)
		minY, maxY = math32.Min(minY, y), math32.Max(maxY, y)
	}
	scale := math32.Max(maxX-minX, maxY-minY) + objectScaleEpsilon

	origin := adjusted[originOffset]
	out := make([]float32, 0, 3*len(landmarks))
	for _, a := range adjusted {
		out = append(out, (a[0]-origin[0])/scale, (a[1]-origin[1])/scale, (a[2]-origin[2])/scale)
	}
	return out, nil
}

// WorldLandmarksToMatrix flattens world landmarks into [x, y, z] triples.
func WorldLandmarksToMatrix(landmarks Landmarks) []float32 {
	out := make([]float32, 0, 3*len(landmarks))
	for _, l := range landmarks {
		out = append(out, l.X, l.Y, l.Z)
	}
	return out
}
