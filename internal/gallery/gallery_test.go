package gallery

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/liveness-check/internal/similarity"
)

// widthEmbedder maps an image to a one dimensional embedding equal to its
// width, so images of similar width are the same person under L2.
type widthEmbedder struct {
	err error
}

func (w widthEmbedder) Embed(_ context.Context, img image.Image) (similarity.Vector, error) {
	if w.err != nil {
		return nil, w.err
	}
	return similarity.Vector{float32(img.Bounds().Dx())}, nil
}

type pairEmbedder struct{}

func (pairEmbedder) Embed(_ context.Context, img image.Image) (similarity.Vector, error) {
	return similarity.Vector{float32(img.Bounds().Dx()), 0}, nil
}

func square(size int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, size, size))
}

func newGallery() *Gallery {
	return New(widthEmbedder{}, similarity.NewEngine(similarity.MetricL2, similarity.DefaultThresholds()))
}

func TestEnrollAndMatch(t *testing.T) {
	g := newGallery()
	ctx := context.Background()

	name, err := g.Match(ctx, square(10))
	require.NoError(t, err)
	assert.Equal(t, similarity.Unknown, name)

	require.NoError(t, g.Enroll(ctx, "alice", square(10)))
	require.NoError(t, g.Enroll(ctx, "bob", square(60)))
	require.NoError(t, g.Enroll(ctx, "alice", square(14)))

	name, err = g.Match(ctx, square(12))
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	name, err = g.Match(ctx, square(58))
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	name, err = g.Match(ctx, square(200))
	require.NoError(t, err)
	assert.Equal(t, similarity.Unknown, name)

	assert.Equal(t, []string{"alice", "bob"}, g.Identities())
	assert.Len(t, g.Entries(), 3)
}

func TestEnrollValidation(t *testing.T) {
	g := newGallery()
	ctx := context.Background()

	assert.ErrorIs(t, g.Enroll(ctx, "  ", square(10)), ErrEmptyName)
	assert.ErrorIs(t, g.Enroll(ctx, similarity.Unknown, square(10)), ErrReservedName)
	assert.Error(t, g.Enroll(ctx, "alice", nil))

	boom := errors.New("embedder offline")
	failing := New(widthEmbedder{err: boom}, similarity.NewEngine(similarity.MetricL2, similarity.DefaultThresholds()))
	assert.ErrorIs(t, failing.Enroll(ctx, "alice", square(10)), boom)
	assert.Empty(t, failing.Entries())
}

func TestEnrollRejectsDimensionChange(t *testing.T) {
	g := newGallery()
	ctx := context.Background()
	require.NoError(t, g.Enroll(ctx, "alice", square(10)))

	g.embedder = pairEmbedder{}
	assert.ErrorIs(t, g.Enroll(ctx, "bob", square(10)), similarity.ErrDimensionMismatch)
	_, err := g.Match(ctx, square(10))
	assert.ErrorIs(t, err, similarity.ErrDimensionMismatch)
}

func TestEntriesAreCopies(t *testing.T) {
	g := newGallery()
	require.NoError(t, g.Enroll(context.Background(), "alice", square(10)))

	entries := g.Entries()
	entries[0].Embedding[0] = 999
	entries[0].Name = "mallory"

	again := g.Entries()
	assert.Equal(t, "alice", again[0].Name)
	assert.Equal(t, float32(10), again[0].Embedding[0])
}

func TestIdentityFromFilename(t *testing.T) {
	assert.Equal(t, "alice", IdentityFromFilename("alice.png"))
	assert.Equal(t, "alice", IdentityFromFilename("alice_2.jpg"))
	assert.Equal(t, "mary_jane", IdentityFromFilename("mary_jane.jpeg"))
	assert.Equal(t, "bob", IdentityFromFilename("/tmp/faces/bob_10.png"))
}

func writePNG(t *testing.T, path string, size int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, square(size)))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "alice.png"), 10)
	writePNG(t, filepath.Join(dir, "alice_2.png"), 12)
	writePNG(t, filepath.Join(dir, "bob.png"), 80)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	g := newGallery()
	n, err := g.LoadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"alice", "bob"}, g.Identities())

	name, err := g.Match(context.Background(), square(11))
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestLoadDirFailsOnCorruptImage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not a png"), 0o600))

	_, err := newGallery().LoadDir(context.Background(), dir)
	assert.Error(t, err)

	_, err = newGallery().LoadDir(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
