// Package similarity compares face embeddings: pairwise distance, "same
// person" classification, all-pairs consistency and nearest gallery match.
//
// Everything here is pure. An Engine carries only the active metric and its
// thresholds and is safe for concurrent use.
package similarity

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Unknown is returned by BestGalleryMatch when no enrolled identity is close
// enough to the subject.
const Unknown = "Unknown"

// ErrDimensionMismatch is returned when two embeddings of different length are
// compared. It means the embedding model and the enrolled data disagree and
// should be treated as a configuration error.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Metric selects how embeddings are compared.
type Metric string

const (
	// MetricL2 is the Euclidean distance; lower is more similar.
	MetricL2 Metric = "l2"
	// MetricCosine is the cosine similarity; higher is more similar.
	MetricCosine Metric = "cosine"
)

// ParseMetric maps a configuration value onto a Metric.
func ParseMetric(value string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(value))) {
	case MetricL2:
		return MetricL2, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown similarity metric %q", value)
	}
}

// Vector is a fixed-length face embedding.
type Vector []float32

// GalleryEntry is one enrolled reference sample. A name may appear in several
// entries.
type GalleryEntry struct {
	Name      string
	Embedding Vector
}

// Thresholds holds the empirical identity thresholds of each metric.
type Thresholds struct {
	// L2MaxDistance is the largest distance still considered the same person.
	L2MaxDistance float64
	// CosineMinSimilarity must be strictly exceeded to be the same person.
	CosineMinSimilarity float64
}

// DefaultThresholds are the values the face embedding model was tuned with.
func DefaultThresholds() Thresholds {
	return Thresholds{L2MaxDistance: 10.0, CosineMinSimilarity: 0.4}
}

// Distance scores a against b. For MetricL2 it is the Euclidean distance, for
// MetricCosine it is the cosine similarity, not a distance.
func Distance(a, b Vector, metric Metric) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d != %d", ErrDimensionMismatch, len(a), len(b))
	}
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return math.Sqrt(sum), nil
	case MetricCosine:
		var dot, normA, normB float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
			normA += float64(a[i]) * float64(a[i])
			normB += float64(b[i]) * float64(b[i])
		}
		// Zero vectors have no direction: two of them are identical, one of
		// them against anything else is unrelated.
		if normA == 0 && normB == 0 {
			return 1, nil
		}
		if normA == 0 || normB == 0 {
			return 0, nil
		}
		return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
	default:
		return 0, fmt.Errorf("unknown similarity metric %q", metric)
	}
}

// Engine applies one metric and its thresholds.
type Engine struct {
	metric     Metric
	thresholds Thresholds
}

// NewEngine returns an Engine for metric using thresholds.
func NewEngine(metric Metric, thresholds Thresholds) Engine {
	return Engine{metric: metric, thresholds: thresholds}
}

// Metric returns the active metric.
func (e Engine) Metric() Metric {
	return e.metric
}

// Thresholds returns the active thresholds.
func (e Engine) Thresholds() Thresholds {
	return e.thresholds
}

func (e Engine) passes(score float64) bool {
	if e.metric == MetricCosine {
		return score > e.thresholds.CosineMinSimilarity
	}
	return score <= e.thresholds.L2MaxDistance
}

// better reports whether candidate beats current under the active metric.
// Equal scores never win so the first seen name keeps ties.
func (e Engine) better(candidate, current float64) bool {
	if e.metric == MetricCosine {
		return candidate > current
	}
	return candidate < current
}

// SameIdentity reports whether a and b depict the same person.
func (e Engine) SameIdentity(a, b Vector) (bool, error) {
	score, err := Distance(a, b, e.metric)
	if err != nil {
		return false, err
	}
	return e.passes(score), nil
}

// AllPairsConsistent reports whether every unordered pair of samples is the
// same identity. Fewer than two samples are trivially consistent.
func (e Engine) AllPairsConsistent(samples []Vector) (bool, error) {
	for _, pair := range Pairs(len(samples)) {
		same, err := e.SameIdentity(samples[pair[0]], samples[pair[1]])
		if err != nil {
			return false, err
		}
		if !same {
			return false, nil
		}
	}
	return true, nil
}

// Pairs lists every index pair (i, j) with i < j < n exactly once.
func Pairs(n int) [][2]int {
	if n < 2 {
		return nil
	}
	pairs := make([][2]int, 0, n*(n-1)/2)
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, [2]int{i, j})
		}
	}
	return pairs
}

// BestGalleryMatch returns the enrolled name closest to subject. Scores are
// averaged over all entries of a name before comparing names. It returns
// Unknown for an empty gallery or when the best average fails the identity
// threshold. The gallery is only read.
func (e Engine) BestGalleryMatch(subject Vector, gallery []GalleryEntry) (string, error) {
	type aggregate struct {
		sum   float64
		count int
	}
	var order []string
	scores := make(map[string]*aggregate)

	for _, entry := range gallery {
		score, err := Distance(subject, entry.Embedding, e.metric)
		if err != nil {
			return "", fmt.Errorf("compare with %q: %w", entry.Name, err)
		}
		agg, ok := scores[entry.Name]
		if !ok {
			agg = &aggregate{}
			scores[entry.Name] = agg
			order = append(order, entry.Name)
		}
		agg.sum += score
		agg.count++
	}

	if len(order) == 0 {
		return Unknown, nil
	}

	bestName := order[0]
	bestScore := scores[bestName].sum / float64(scores[bestName].count)
	for _, name := range order[1:] {
		avg := scores[name].sum / float64(scores[name].count)
		if e.better(avg, bestScore) {
			bestName, bestScore = name, avg
		}
	}

	if !e.passes(bestScore) {
		return Unknown, nil
	}
	return bestName, nil
}
