// Package vectormath provides cosine similarity and running-mean centroid
// arithmetic over fixed-dimension float32 vectors.
package vectormath

import "math"

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value in [-1, 1], where 1 means identical direction. Mismatched
// dimensions, empty vectors, and zero-norm vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai := float64(a[i])
		bi := float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsZero reports whether v has zero L2 norm (or is empty).
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Normalize returns a new L2-normalized copy of v. A zero-norm vector is
// returned as an unmodified copy.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// UpdateCentroid folds v into centroid as its newCount-th member using the
// running mean centroid' = centroid + (v - centroid) / newCount. The update
// is performed in place and the same slice is returned. Equivalent to
// recomputing the arithmetic mean of all members, but O(d) per update.
func UpdateCentroid(centroid, v []float32, newCount int) []float32 {
	if newCount <= 0 || len(centroid) != len(v) {
		return centroid
	}
	n := float64(newCount)
	for i := range centroid {
		c := float64(centroid[i])
		centroid[i] = float32(c + (float64(v[i])-c)/n)
	}
	return centroid
}

// Mean returns the arithmetic mean of the given vectors. All vectors must
// share a dimension; nil is returned for empty input.
func Mean(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	acc := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil
		}
		for i, x := range v {
			acc[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i, s := range acc {
		out[i] = float32(s / float64(len(vectors)))
	}
	return out
}
