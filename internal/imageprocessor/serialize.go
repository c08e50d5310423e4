package imageprocessor

import (
	"context"
	"image"
	"sync"

	"github.com/example/liveness-check/internal/similarity"
)

// Model handles are not reentrant. The wrappers below admit one call at a
// time per handle no matter how many sessions share it.

type serialDetector struct {
	mu   sync.Mutex
	next Detector
}

// SerializeDetector guards d so that at most one Detect runs at a time.
func SerializeDetector(d Detector) Detector {
	return &serialDetector{next: d}
}

func (s *serialDetector) Detect(ctx context.Context, frame Frame, opts DetectOptions) (Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Detect(ctx, frame, opts)
}

type serialClassifier struct {
	mu   sync.Mutex
	next ExpressionClassifier
}

// SerializeClassifier guards c so that at most one Classify runs at a time.
func SerializeClassifier(c ExpressionClassifier) ExpressionClassifier {
	return &serialClassifier{next: c}
}

func (s *serialClassifier) Classify(ctx context.Context, face image.Image) ([]Expression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Classify(ctx, face)
}

func (s *serialClassifier) Labels() []string {
	return s.next.Labels()
}

type serialEmbedder struct {
	mu   sync.Mutex
	next Embedder
}

// SerializeEmbedder guards e so that at most one Embed runs at a time.
func SerializeEmbedder(e Embedder) Embedder {
	return &serialEmbedder{next: e}
}

func (s *serialEmbedder) Embed(ctx context.Context, face image.Image) (similarity.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Embed(ctx, face)
}
