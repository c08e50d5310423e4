package usecase

import (
	"context"
	"errors"
	"image"
	"sort"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/imageprocessor"
)

// Inspection is the full model analysis of one face image.
type Inspection struct {
	Expressions []imageprocessor.Expression `json:"expressions"`
	Identity    string                      `json:"identity"`
	Dimension   int                         `json:"embedding_dimension"`
}

// Inspect classifies the expression of face, embeds it and matches the
// embedding against the gallery. Expressions are ordered by confidence,
// highest first.
func (uc *LivenessUseCase) Inspect(ctx context.Context, face image.Image) (*Inspection, error) {
	if face == nil {
		return nil, errors.New("no face image")
	}
	out := &Inspection{Expressions: []imageprocessor.Expression{}}

	if uc.models.Classifier != nil {
		expressions, err := uc.models.Classifier.Classify(ctx, face)
		if err != nil {
			uc.logger.Warn("expression classification failed", zap.Error(err))
			return nil, err
		}
		out.Expressions = append(out.Expressions, expressions...)
		sort.SliceStable(out.Expressions, func(i, j int) bool {
			return out.Expressions[i].Confidence > out.Expressions[j].Confidence
		})
	}

	embedding, err := uc.gallery.Embed(ctx, face)
	if err != nil {
		return nil, err
	}
	out.Dimension = len(embedding)

	if out.Identity, err = uc.gallery.MatchEmbedding(embedding); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks the backing stores the use case depends on.
func (uc *LivenessUseCase) Health(ctx context.Context) error {
	if uc.cache == nil {
		return nil
	}
	return uc.cache.Ping(ctx)
}
