// Package vector provides float32 vector math for embedding similarity.
//
// All similarity math in this project assumes unit-length vectors, so that
// cosine similarity reduces to a dot product and cosine distance to
// 1 - dot. NormalizeInPlace is applied defensively at every ingestion point
// even though the embedding model already emits normalized output.
package vector

import "math"

// Dot returns the dot product of a and b. Both slices must have the same
// length; extra elements in the longer slice are ignored.
//
// The loop is unrolled 4-wide. For 384-dim embeddings this is consistently
// faster than the naive loop without resorting to assembly.
func Dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	sum := s0 + s1 + s2 + s3
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean (L2) norm of v.
func Norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// NormalizeInPlace scales v to unit length. Vectors with a near-zero norm
// are left untouched to avoid amplifying noise into NaN/Inf.
func NormalizeInPlace(v []float32) {
	norm := Norm(v)
	if norm <= 1e-10 {
		return
	}
	inv := 1.0 / norm
	for i := range v {
		v[i] *= inv
	}
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Returns 0 when either vector has zero norm.
func CosineSimilarity(a, b []float32) float32 {
	na := Norm(a)
	nb := Norm(b)
	if na <= 1e-10 || nb <= 1e-10 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}
