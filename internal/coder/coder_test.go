package coder

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func randomTensor(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 3))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = rng.Float32()*4 - 1
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// halvingCoder encodes by taking the top-left pixel of each 2x2 block, and decodes by repeating it.
type halvingCoder struct {
	released int
}

func (c *halvingCoder) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) {
	dims := pixels.Shape().Dimensions
	src := tensors.CopyFlatData[float32](pixels)
	height, width := dims[2]/2, dims[3]/2
	dst := make([]float32, dims[0]*dims[1]*height*width)
	for plane := range dims[0] * dims[1] {
		for y := range height {
			for x := range width {
				dst[(plane*height+y)*width+x] = src[(plane*dims[2]+2*y)*dims[3]+2*x]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, dims[0], dims[1], height, width), nil
}

func (c *halvingCoder) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	dims := latents.Shape().Dimensions
	src := tensors.CopyFlatData[float32](latents)
	height, width := dims[2]*2, dims[3]*2
	dst := make([]float32, dims[0]*dims[1]*height*width)
	for plane := range dims[0] * dims[1] {
		for y := range height {
			for x := range width {
				dst[(plane*height+y)*width+x] = src[(plane*dims[2]+y/2)*dims[3]+x/2]
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, dims[0], dims[1], height, width), nil
}

func (c *halvingCoder) Release() { c.released++ }

func testStats() Stats {
	return Stats{Mean: []float32{0.5, -1, 2}, Std: []float32{2, 0.5, 1}}
}

func TestStatsValidate(t *testing.T) {
	require.NoError(t, testStats().Validate())
	require.Error(t, Stats{}.Validate())
	require.Error(t, Stats{Mean: []float32{0, 1}, Std: []float32{1}}.Validate())
	require.Error(t, Stats{Mean: []float32{0}, Std: []float32{0}}.Validate())
	require.Error(t, Stats{Mean: []float32{0}, Std: []float32{-1}}.Validate())
}

func TestLatentNormRoundTrip(t *testing.T) {
	c, err := New(&halvingCoder{}, nil, testStats())
	require.NoError(t, err)
	x := randomTensor(1, 2, 3, 4, 4)
	normalized, err := c.LatentNorm(x)
	require.NoError(t, err)

	// Channel 1 has mean -1 and std 0.5.
	flat, normFlat := tensors.CopyFlatData[float32](x), tensors.CopyFlatData[float32](normalized)
	assert.InDelta(t, (flat[16]+1)/0.5, normFlat[16], 1e-5)

	back, err := c.InvLatentNorm(normalized)
	require.NoError(t, err)
	assert.InDeltaSlice(t, flat, tensors.CopyFlatData[float32](back), 1e-5)

	_, err = c.LatentNorm(randomTensor(2, 1, 2, 4, 4))
	require.ErrorIs(t, err, latentgraph.ErrShape)
}

func TestNormalizeGraph(t *testing.T) {
	stats := testStats()
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 3, 1, 2)
	got := graph.ExecOnce(ml.Backend(), stats.NormalizeGraph, x)
	assert.InDeltaSlice(t, []float32{0.25, 0.75, 8, 10, 3, 4}, tensors.CopyFlatData[float32](got), 1e-5)
	back := graph.ExecOnce(ml.Backend(), stats.DenormalizeGraph, got)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](x), tensors.CopyFlatData[float32](back), 1e-5)
}

func TestComputeStats(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float32{
		1, 3, // Channel 0, example 0.
		5, 5, // Channel 1, example 0.
		1, 3, // Channel 0, example 1.
		5, 5, // Channel 1, example 1.
	}, 2, 2, 1, 2)
	stats, err := ComputeStats(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{2, 5}, stats.Mean, 1e-6)
	// Channel 1 has zero variance: std defaults to 1.
	assert.InDeltaSlice(t, []float32{1, 1}, stats.Std, 1e-6)

	_, err = ComputeStats(x, randomTensor(1, 1, 3, 1, 2))
	require.ErrorIs(t, err, latentgraph.ErrShape)

	// The first batch is checked too.
	_, err = ComputeStats(randomTensor(2, 4))
	require.ErrorIs(t, err, latentgraph.ErrShape)
	_, err = ComputeStats(nil)
	require.ErrorIs(t, err, latentgraph.ErrShape)
}

func TestStatsSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")
	require.NoError(t, testStats().Save(path))
	loaded, err := LoadStats(path)
	require.NoError(t, err)
	assert.Equal(t, testStats(), loaded)

	_, err = LoadStats(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDeleteDecoderIsShared(t *testing.T) {
	codec := &halvingCoder{}
	c, err := New(codec, codec, testStats())
	require.NoError(t, err)
	holderA, holderB := c, c // Two models sharing the same coder.
	require.True(t, holderB.HasDecoder())

	latents := randomTensor(4, 1, 3, 2, 2)
	pixels, err := holderB.Decode(latents)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 4}, pixels.Shape().Dimensions)

	require.True(t, holderA.DeleteDecoder())
	assert.Equal(t, 1, codec.released)
	assert.False(t, holderB.HasDecoder())
	_, err = holderB.Decode(latents)
	require.ErrorIs(t, err, ErrDecoderUnavailable)

	// Deleting again is a no-op.
	require.False(t, holderB.DeleteDecoder())
	assert.Equal(t, 1, codec.released)

	// The encoder is still available.
	_, err = holderA.Encode(randomTensor(5, 1, 3, 4, 4))
	require.NoError(t, err)
}

// nilEncoder returns no latents and no error.
type nilEncoder struct{}

func (nilEncoder) Encode(*tensors.Tensor) (*tensors.Tensor, error) { return nil, nil }

func TestEncodeChecksChannels(t *testing.T) {
	c, err := New(&halvingCoder{}, nil, testStats())
	require.NoError(t, err)
	_, err = c.Encode(randomTensor(6, 1, 2, 4, 4))
	require.ErrorIs(t, err, latentgraph.ErrShape)
	_, err = New(nil, nil, testStats())
	require.Error(t, err)

	c, err = New(nilEncoder{}, nil, testStats())
	require.NoError(t, err)
	_, err = c.Encode(randomTensor(6, 1, 3, 4, 4))
	require.ErrorIs(t, err, latentgraph.ErrShape)
}

func TestPatchCoder(t *testing.T) {
	p, err := NewPatchCoder(3, 4, 2)
	require.NoError(t, err)
	pixels := randomTensor(7, 2, 3, 4, 8)
	latents, err := p.Encode(pixels)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 2, 4}, latents.Shape().Dimensions)

	decoded, err := p.Decoder().Decode(latents)
	require.NoError(t, err)
	assert.Equal(t, pixels.Shape().Dimensions, decoded.Shape().Dimensions)

	_, err = p.Encode(randomTensor(8, 1, 3, 3, 4))
	require.ErrorIs(t, err, latentgraph.ErrShape)

	stats, err := p.FitStats(pixels)
	require.NoError(t, err)
	c, err := p.Coder(stats)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Channels())

	// Save and load back, before the decoder is released.
	dir := filepath.Join(t.TempDir(), "coder")
	require.NoError(t, p.Save(dir))
	loaded, err := LoadPatchCoder(dir)
	require.NoError(t, err)
	loadedLatents, err := loaded.Encode(pixels)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](latents), tensors.CopyFlatData[float32](loadedLatents), 1e-5)

	// Deleting the decoder through the Coder releases the PatchCoder decoder variables.
	require.True(t, c.DeleteDecoder())
	assert.False(t, p.HasDecoder())
	assert.Empty(t, ml.VariablesInScopes(p.ctx, "/decoder"))
	_, err = p.Decoder().Decode(latents)
	require.ErrorIs(t, err, ErrDecoderUnavailable)
	_, err = p.Encode(pixels)
	require.NoError(t, err)
}

func TestPatchCoderSavedWithoutDecoder(t *testing.T) {
	p, err := NewPatchCoder(3, 4, 2)
	require.NoError(t, err)
	pixels := randomTensor(9, 1, 3, 4, 4)
	stats, err := p.FitStats(pixels)
	require.NoError(t, err)
	c, err := p.Coder(stats)
	require.NoError(t, err)
	require.True(t, c.DeleteDecoder())

	dir := filepath.Join(t.TempDir(), "coder")
	require.NoError(t, p.Save(dir))
	loaded, err := LoadPatchCoder(dir)
	require.NoError(t, err)
	assert.False(t, loaded.HasDecoder())
	assert.Empty(t, ml.VariablesInScopes(loaded.ctx, "/decoder"))

	latents, err := loaded.Encode(pixels)
	require.NoError(t, err)
	_, err = loaded.Decoder().Decode(latents)
	require.ErrorIs(t, err, ErrDecoderUnavailable)

	loadedCoder, err := loaded.Coder(stats)
	require.NoError(t, err)
	assert.False(t, loadedCoder.HasDecoder())
	_, err = loadedCoder.Decode(latents)
	require.ErrorIs(t, err, ErrDecoderUnavailable)
}
