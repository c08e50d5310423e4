// Package imageprocessor defines the machine learning collaborators the
// liveness engine consumes (face detector, expression classifier, face
// embedding model) and the shapes exchanged with them.
package imageprocessor

import (
	"context"
	"image"
	"time"

	"github.com/example/liveness-check/internal/similarity"
)

// Frame is one raw camera frame submitted for analysis.
type Frame struct {
	Image image.Image
	// RotationDegrees is the clockwise rotation needed to display the frame
	// upright (0, 90, 180 or 270).
	RotationDegrees int
	Timestamp       time.Time
	// Release frees any resource held by the frame. It is called exactly once,
	// whether the frame is processed or dropped. May be nil.
	Release func()
}

// Width returns the pixel width of the frame image.
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the pixel height of the frame image.
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// DetectOptions tunes a single detector call.
type DetectOptions struct {
	// Classify asks the detector to fill Smiling and EyesOpen.
	Classify bool
}

// DetectionKind tells how many faces the detector found.
type DetectionKind int

const (
	DetectionNoFace DetectionKind = iota
	DetectionMultipleFaces
	DetectionFace
)

func (k DetectionKind) String() string {
	switch k {
	case DetectionNoFace:
		return "no_face"
	case DetectionMultipleFaces:
		return "multiple_faces"
	case DetectionFace:
		return "face"
	default:
		return "unknown"
	}
}

// Detection is the outcome of a successful detector call. Box, HeadYaw,
// Smiling and EyesOpen are only meaningful for DetectionFace.
type Detection struct {
	Kind DetectionKind
	// Box is the face bounding box in upright image coordinates.
	Box image.Rectangle
	// HeadYaw is the head rotation around the vertical axis in degrees.
	// Negative values are the subject's left as seen by a front camera.
	HeadYaw  int
	Smiling  *bool
	EyesOpen *bool
}

// Detector finds faces in a frame. A returned error is a detector failure;
// its message is surfaced to the caller verbatim.
type Detector interface {
	Detect(ctx context.Context, frame Frame, opts DetectOptions) (Detection, error)
}

// Expression is one ranked classifier output.
type Expression struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ExpressionClassifier ranks facial expressions on a cropped face. Results
// are ordered by descending confidence.
type ExpressionClassifier interface {
	Classify(ctx context.Context, face image.Image) ([]Expression, error)
	// Labels enumerates every label the classifier can return.
	Labels() []string
}

// Embedder turns a cropped face into an identity embedding of fixed length.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) (similarity.Vector, error)
}

// Observation is one detected face in one frame, ready for a verification
// flow.
type Observation struct {
	Box image.Rectangle
	// Face is the frame cropped around Box.
	Face      image.Image
	HeadYaw   int
	Smiling   *bool
	EyesOpen  *bool
	Timestamp time.Time
}
