package flow

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/similarity"
)

const (
	waitForChecksMessage  = "Please wait for additional checks"
	differentPersonReason = "Different person in at least one of the images"
)

// consistencyChecker verifies that every captured sample shows one person.
type consistencyChecker struct {
	embedder    imageprocessor.Embedder
	engine      similarity.Engine
	concurrency int
}

// samePerson embeds faces and compares every pair. All embeddings complete
// before any comparison. Fewer than two faces need no embedding at all.
func (c consistencyChecker) samePerson(ctx context.Context, faces []image.Image) (bool, error) {
	if len(faces) < 2 {
		return true, nil
	}

	vectors := make([]similarity.Vector, len(faces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.concurrency))
	for i, face := range faces {
		g.Go(func() error {
			v, err := c.embedder.Embed(gctx, face)
			if err != nil {
				return fmt.Errorf("embed sample %d: %w", i, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	return c.engine.AllPairsConsistent(vectors)
}
