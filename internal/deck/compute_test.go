package deck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeNeighbors(t *testing.T) {
	// s1 and s2 point the same way, s3 is orthogonal, s4 is opposite to s1/s2
	ids := []string{"s1", "s2", "s3", "s4"}
	vectors := [][]float64{
		{1, 0},
		{0.9, 0.1},
		{0, 1},
		{-1, 0},
	}

	graph, err := computeNeighbors(ids, vectors, 3)
	require.NoError(t, err)
	require.Len(t, graph, 4)

	n := graph["s1"]
	assert.Equal(t, []string{"s2", "s3", "s4"}, n.Logical, "ranked most- to less-similar")
	assert.Equal(t, []string{"s4", "s3", "s2"}, n.Chaotic, "ranked least- to more-similar")

	// no slide is its own neighbor
	for id, nb := range graph {
		assert.NotContains(t, nb.Logical, id)
		assert.NotContains(t, nb.Chaotic, id)
	}
}

func TestComputeNeighbors_DepthClamped(t *testing.T) {
	graph, err := computeNeighbors([]string{"a", "b"}, [][]float64{{1, 0}, {0, 1}}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, graph["a"].Logical)
	assert.Equal(t, []string{"b"}, graph["a"].Chaotic)
}

func TestComputeNeighbors_DimensionMismatch(t *testing.T) {
	_, err := computeNeighbors([]string{"a", "b"}, [][]float64{{1, 0}, {1}}, 3)
	assert.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float64{0, 0}, []float64{1, 1}), "zero vector is defined as zero similarity")
}
