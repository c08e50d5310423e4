package similarity

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func l2Engine() Engine     { return NewEngine(MetricL2, DefaultThresholds()) }
func cosineEngine() Engine { return NewEngine(MetricCosine, DefaultThresholds()) }

func randomVector(r *rand.Rand, dim int, scale float32) Vector {
	v := make(Vector, dim)
	for i := range v {
		v[i] = (r.Float32()*2 - 1) * scale
	}
	return v
}

func TestDistance(t *testing.T) {
	t.Run("l2 of a vector with itself is zero", func(t *testing.T) {
		r := rand.New(rand.NewPCG(1, 2))
		for range 50 {
			v := randomVector(r, 128, 5)
			d, err := Distance(v, v, MetricL2)
			require.NoError(t, err)
			assert.Zero(t, d)
		}
	})

	t.Run("l2 known value", func(t *testing.T) {
		d, err := Distance(Vector{0, 0}, Vector{3, 4}, MetricL2)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, d, 1e-9)
	})

	t.Run("cosine is a similarity", func(t *testing.T) {
		same, err := Distance(Vector{1, 0}, Vector{2, 0}, MetricCosine)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, same, 1e-9)

		orthogonal, err := Distance(Vector{1, 0}, Vector{0, 1}, MetricCosine)
		require.NoError(t, err)
		assert.InDelta(t, 0.0, orthogonal, 1e-9)

		opposite, err := Distance(Vector{1, 0}, Vector{-1, 0}, MetricCosine)
		require.NoError(t, err)
		assert.InDelta(t, -1.0, opposite, 1e-9)
	})

	t.Run("zero vectors", func(t *testing.T) {
		both, err := Distance(Vector{0, 0}, Vector{0, 0}, MetricCosine)
		require.NoError(t, err)
		assert.Equal(t, 1.0, both)

		one, err := Distance(Vector{0, 0}, Vector{1, 0}, MetricCosine)
		require.NoError(t, err)
		assert.Equal(t, 0.0, one)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		for _, metric := range []Metric{MetricL2, MetricCosine} {
			_, err := Distance(Vector{1, 2, 3}, Vector{1, 2}, metric)
			assert.ErrorIs(t, err, ErrDimensionMismatch)
		}
	})
}

func TestSameIdentity(t *testing.T) {
	t.Run("reflexive for both metrics", func(t *testing.T) {
		r := rand.New(rand.NewPCG(7, 7))
		for _, engine := range []Engine{l2Engine(), cosineEngine()} {
			for range 50 {
				v := randomVector(r, 64, 3)
				same, err := engine.SameIdentity(v, v)
				require.NoError(t, err)
				assert.True(t, same, "metric %s", engine.Metric())
			}
			same, err := engine.SameIdentity(Vector{0, 0}, Vector{0, 0})
			require.NoError(t, err)
			assert.True(t, same)
		}
	})

	t.Run("l2 threshold is inclusive", func(t *testing.T) {
		same, err := l2Engine().SameIdentity(Vector{0}, Vector{10})
		require.NoError(t, err)
		assert.True(t, same)

		same, err = l2Engine().SameIdentity(Vector{0}, Vector{10.5})
		require.NoError(t, err)
		assert.False(t, same)
	})

	t.Run("cosine threshold is exclusive", func(t *testing.T) {
		engine := NewEngine(MetricCosine, Thresholds{CosineMinSimilarity: 0})
		same, err := engine.SameIdentity(Vector{1, 0}, Vector{0, 1})
		require.NoError(t, err)
		assert.False(t, same)
	})

	t.Run("mismatch propagates", func(t *testing.T) {
		_, err := l2Engine().SameIdentity(Vector{1}, Vector{1, 2})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestAllPairsConsistent(t *testing.T) {
	t.Run("fewer than two samples are consistent", func(t *testing.T) {
		for _, engine := range []Engine{l2Engine(), cosineEngine()} {
			ok, err := engine.AllPairsConsistent(nil)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = engine.AllPairsConsistent([]Vector{{100, -100}})
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})

	t.Run("one outlier breaks consistency", func(t *testing.T) {
		samples := []Vector{{0, 0}, {1, 1}, {2, 0}, {40, 40}}
		ok, err := l2Engine().AllPairsConsistent(samples)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = l2Engine().AllPairsConsistent(samples[:3])
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invariant under reordering", func(t *testing.T) {
		r := rand.New(rand.NewPCG(3, 9))
		for trial := range 30 {
			samples := make([]Vector, 5)
			for i := range samples {
				samples[i] = randomVector(r, 8, float32(1+trial%4))
			}
			for _, engine := range []Engine{l2Engine(), cosineEngine()} {
				want, err := engine.AllPairsConsistent(samples)
				require.NoError(t, err)

				shuffled := append([]Vector(nil), samples...)
				r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
				got, err := engine.AllPairsConsistent(shuffled)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		}
	})
}

func TestPairs(t *testing.T) {
	assert.Empty(t, Pairs(0))
	assert.Empty(t, Pairs(1))
	assert.Equal(t, [][2]int{{0, 1}, {0, 2}, {1, 2}}, Pairs(3))
	assert.Len(t, Pairs(6), 15)
}

func TestBestGalleryMatch(t *testing.T) {
	t.Run("exact match wins", func(t *testing.T) {
		subject := Vector{0.5, 1.5, -2}
		gallery := []GalleryEntry{{Name: "alice", Embedding: Vector{0.5, 1.5, -2}}}
		name, err := l2Engine().BestGalleryMatch(subject, gallery)
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
	})

	t.Run("everyone too far is unknown", func(t *testing.T) {
		gallery := []GalleryEntry{
			{Name: "alice", Embedding: Vector{20, 0}},
			{Name: "bob", Embedding: Vector{0, -30}},
		}
		name, err := l2Engine().BestGalleryMatch(Vector{0, 0}, gallery)
		require.NoError(t, err)
		assert.Equal(t, Unknown, name)
	})

	t.Run("empty gallery is unknown", func(t *testing.T) {
		name, err := cosineEngine().BestGalleryMatch(Vector{1}, nil)
		require.NoError(t, err)
		assert.Equal(t, Unknown, name)
	})

	t.Run("scores are averaged per name", func(t *testing.T) {
		// alice has one very close and one far sample (avg 6), bob two at 4.
		gallery := []GalleryEntry{
			{Name: "alice", Embedding: Vector{0}},
			{Name: "bob", Embedding: Vector{4}},
			{Name: "alice", Embedding: Vector{12}},
			{Name: "bob", Embedding: Vector{-4}},
		}
		name, err := l2Engine().BestGalleryMatch(Vector{0}, gallery)
		require.NoError(t, err)
		assert.Equal(t, "bob", name)
	})

	t.Run("cosine picks the highest similarity", func(t *testing.T) {
		gallery := []GalleryEntry{
			{Name: "carol", Embedding: Vector{0, 1}},
			{Name: "dave", Embedding: Vector{1, 0.1}},
		}
		name, err := cosineEngine().BestGalleryMatch(Vector{1, 0}, gallery)
		require.NoError(t, err)
		assert.Equal(t, "dave", name)

		name, err = cosineEngine().BestGalleryMatch(Vector{-1, 0}, gallery)
		require.NoError(t, err)
		assert.Equal(t, Unknown, name)
	})

	t.Run("ties keep the first enrolled name", func(t *testing.T) {
		gallery := []GalleryEntry{
			{Name: "erin", Embedding: Vector{1}},
			{Name: "frank", Embedding: Vector{-1}},
		}
		name, err := l2Engine().BestGalleryMatch(Vector{0}, gallery)
		require.NoError(t, err)
		assert.Equal(t, "erin", name)
	})

	t.Run("gallery is not mutated", func(t *testing.T) {
		gallery := []GalleryEntry{{Name: "alice", Embedding: Vector{1, 2}}}
		_, err := l2Engine().BestGalleryMatch(Vector{1, 2}, gallery)
		require.NoError(t, err)
		assert.Equal(t, []GalleryEntry{{Name: "alice", Embedding: Vector{1, 2}}}, gallery)
	})

	t.Run("mismatched dimensions fail", func(t *testing.T) {
		gallery := []GalleryEntry{{Name: "alice", Embedding: Vector{1, 2, 3}}}
		_, err := l2Engine().BestGalleryMatch(Vector{1, 2}, gallery)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric(" L2 ")
	require.NoError(t, err)
	assert.Equal(t, MetricL2, m)

	m, err = ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}
