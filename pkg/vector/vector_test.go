package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	t.Run("orthogonal", func(t *testing.T) {
		assert.Equal(t, float32(0), Dot([]float32{1, 0, 0, 0}, []float32{0, 1, 0, 0}))
	})

	t.Run("identical unit vectors", func(t *testing.T) {
		v := []float32{0.5, 0.5, 0.5, 0.5}
		assert.InDelta(t, 1.0, float64(Dot(v, v)), 1e-6)
	})

	t.Run("length not divisible by four", func(t *testing.T) {
		a := []float32{1, 2, 3, 4, 5, 6, 7}
		b := []float32{7, 6, 5, 4, 3, 2, 1}
		// 7+12+15+16+15+12+7 = 84
		assert.InDelta(t, 84.0, float64(Dot(a, b)), 1e-5)
	})

	t.Run("mismatched lengths use shorter", func(t *testing.T) {
		assert.Equal(t, float32(2), Dot([]float32{1, 1}, []float32{2, 0, 99}))
	})
}

func TestNormalizeInPlace(t *testing.T) {
	t.Run("produces unit norm", func(t *testing.T) {
		v := []float32{3, 4}
		NormalizeInPlace(v)
		assert.InDelta(t, 1.0, float64(Norm(v)), 1e-6)
		assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
	})

	t.Run("zero vector unchanged", func(t *testing.T) {
		v := []float32{0, 0, 0}
		NormalizeInPlace(v)
		for _, x := range v {
			require.False(t, math.IsNaN(float64(x)))
			assert.Equal(t, float32(0), x)
		}
	})

	t.Run("high dimensional", func(t *testing.T) {
		v := make([]float32, 384)
		for i := range v {
			v[i] = float32(i%7) - 3
		}
		NormalizeInPlace(v)
		assert.InDelta(t, 1.0, float64(Norm(v)), 1e-5)
	})
}

func TestCosineSimilarity(t *testing.T) {
	t.Run("parallel", func(t *testing.T) {
		assert.InDelta(t, 1.0, float64(CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6})), 1e-6)
	})

	t.Run("opposite", func(t *testing.T) {
		assert.InDelta(t, -1.0, float64(CosineSimilarity([]float32{1, 0}, []float32{-1, 0})), 1e-6)
	})

	t.Run("zero norm returns zero", func(t *testing.T) {
		assert.Equal(t, float32(0), CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	})
}
