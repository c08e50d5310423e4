// Package gallery keeps the enrolled reference identities in memory and
// matches faces against them.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/similarity"
)

// ErrEmptyName is returned when enrolling without an identity name.
var ErrEmptyName = errors.New("identity name is required")

// ErrReservedName is returned when enrolling under similarity.Unknown.
var ErrReservedName = fmt.Errorf("%q is a reserved identity name", similarity.Unknown)

// sampleSuffix matches the "_<n>" suffix that numbers several samples of one
// identity in an enrollment directory.
var sampleSuffix = regexp.MustCompile(`_\d+$`)

// Gallery is safe for concurrent use. Entries are only ever appended;
// matching never modifies them.
type Gallery struct {
	embedder imageprocessor.Embedder
	engine   similarity.Engine
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	entries []similarity.GalleryEntry
}

type Option func(*Gallery)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gallery) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gallery) {
		g.metrics = m
	}
}

func New(embedder imageprocessor.Embedder, engine similarity.Engine, opts ...Option) *Gallery {
	g := &Gallery{
		embedder: embedder,
		engine:   engine,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gallery")
	return g
}

// Enroll embeds face and adds it under name. A name may be enrolled more
// than once; matching averages over all of its samples.
func (g *Gallery) Enroll(ctx context.Context, name string, face image.Image) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if name == similarity.Unknown {
		return ErrReservedName
	}

	embedding, err := g.embed(ctx, face)
	if err != nil {
		return fmt.Errorf("embed %q: %w", name, err)
	}

	g.mu.Lock()
	if len(g.entries) > 0 && len(g.entries[0].Embedding) != len(embedding) {
		g.mu.Unlock()
		return fmt.Errorf("enroll %q: %w: %d != %d", name, similarity.ErrDimensionMismatch, len(embedding), len(g.entries[0].Embedding))
	}
	g.entries = append(g.entries, similarity.GalleryEntry{Name: name, Embedding: embedding})
	identities := countIdentities(g.entries)
	g.mu.Unlock()

	g.metrics.SetGalleryIdentities(identities)
	g.logger.Info("identity enrolled", zap.String("name", name), zap.Int("dimension", len(embedding)))
	return nil
}

// Match embeds face and returns the closest enrolled name, or
// similarity.Unknown.
func (g *Gallery) Match(ctx context.Context, face image.Image) (string, error) {
	embedding, err := g.embed(ctx, face)
	if err != nil {
		return "", fmt.Errorf("embed subject: %w", err)
	}
	return g.MatchEmbedding(embedding)
}

// MatchEmbedding matches an already computed embedding.
func (g *Gallery) MatchEmbedding(subject similarity.Vector) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	name, err := g.engine.BestGalleryMatch(subject, g.entries)
	if err != nil {
		if errors.Is(err, similarity.ErrDimensionMismatch) {
			g.logger.Error("subject embedding does not match gallery", zap.Error(err))
		}
		return "", err
	}
	return name, nil
}

// Embed exposes the gallery's embedder so callers can reuse one embedding
// for several lookups.
func (g *Gallery) Embed(ctx context.Context, face image.Image) (similarity.Vector, error) {
	return g.embed(ctx, face)
}

func (g *Gallery) embed(ctx context.Context, face image.Image) (similarity.Vector, error) {
	if face == nil {
		return nil, errors.New("no face image")
	}
	start := time.Now()
	defer g.metrics.ObserveEmbed(start)
	return g.embedder.Embed(ctx, face)
}

// Entries returns a copy of the enrolled entries in enrollment order.
func (g *Gallery) Entries() []similarity.GalleryEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]similarity.GalleryEntry, len(g.entries))
	for i, e := range g.entries {
		out[i] = similarity.GalleryEntry{Name: e.Name, Embedding: append(similarity.Vector(nil), e.Embedding...)}
	}
	return out
}

// Identities lists the distinct enrolled names in first enrollment order.
func (g *Gallery) Identities() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var names []string
	seen := make(map[string]struct{})
	for _, e := range g.entries {
		if _, ok := seen[e.Name]; !ok {
			seen[e.Name] = struct{}{}
			names = append(names, e.Name)
		}
	}
	return names
}

// LoadDir enrolls every JPEG or PNG face crop in dir. The identity name is
// the file name without extension and without a trailing "_<n>" sample
// number, so alice.png and alice_2.jpg are two samples of "alice".
func (g *Gallery) LoadDir(ctx context.Context, dir string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read gallery dir: %w", err)
	}

	enrolled := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		name := IdentityFromFilename(file.Name())

		img, err := decodeFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return enrolled, err
		}
		if err := g.Enroll(ctx, name, img); err != nil {
			return enrolled, err
		}
		enrolled++
	}
	return enrolled, nil
}

// IdentityFromFilename derives the identity name of an enrollment file.
func IdentityFromFilename(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return sampleSuffix.ReplaceAllString(base, "")
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func countIdentities(entries []similarity.GalleryEntry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.Name] = struct{}{}
	}
	return len(seen)
}
