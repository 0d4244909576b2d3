package latentgraph

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"testing"
)

func randomValue(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 5))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

func ones(dims ...int) *tensors.Tensor {
	flat := make([]float32, dims[0]*dims[1])
	for ii := range flat {
		flat[ii] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// scaler is a fake coder: Encode keeps every other pixel, Decode repeats each pixel 2x2.
type scaler struct{}

func (scaler) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) {
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

func (scaler) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
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

func TestPatchifyOrder(t *testing.T) {
	value := tensors.FromFlatDataAndDimensions([]float32{
		0, 1, 2, 3,
		4, 5, 6, 7,
	}, 1, 1, 2, 4)
	patches, err := Patchify(value, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, patches.Shape().Dimensions)
	assert.Equal(t, []float32{0, 1, 4, 5, 2, 3, 6, 7}, tensors.CopyFlatData[float32](patches))

	// Channels are the innermost axis of a patch.
	value = tensors.FromFlatDataAndDimensions([]float32{
		0, 1, // Channel 0.
		10, 11, // Channel 1.
	}, 1, 2, 1, 2)
	patches, err = Patchify(value, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 10, 1, 11}, tensors.CopyFlatData[float32](patches))
}

func TestPatchifyRoundTrip(t *testing.T) {
	value := randomValue(1, 2, 3, 8, 12)
	patches, err := Patchify(value, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6, 48}, patches.Shape().Dimensions)
	back, err := Unpatchify(patches, Layout{Rows: 2, Cols: 3}, 4)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](value), tensors.CopyFlatData[float32](back))

	_, err = Unpatchify(patches, Layout{Rows: 2, Cols: 2}, 4)
	require.ErrorIs(t, err, ErrShape)
	_, err = Patchify(value, 5)
	require.ErrorIs(t, err, ErrShape)
}

func TestFromValueValidation(t *testing.T) {
	value := randomValue(2, 2, 3, 16, 64)
	g, err := FromValue(value, SpacePixel, 16, Metadata{AttentionMask: ones(2, 4), NumTextPatches: []int{4, 2}})
	require.NoError(t, err)
	assert.Equal(t, Layout{Rows: 1, Cols: 4}, g.Layout())
	assert.Equal(t, g.Layout(), g.Native())
	assert.Equal(t, 4, g.NumPatches())
	assert.Equal(t, 2, g.BatchSize())
	assert.Equal(t, 3, g.Channels())
	assert.False(t, g.IsSquare())

	_, err = FromValue(value, SpacePixel, 12, Metadata{})
	require.ErrorIs(t, err, ErrShape)
	_, err = FromValue(value, SpacePixel, 16, Metadata{AttentionMask: ones(2, 8)})
	require.ErrorIs(t, err, ErrShape)
	_, err = FromValue(value, SpacePixel, 16, Metadata{NumTextPatches: []int{1}})
	require.ErrorIs(t, err, ErrShape)
	_, err = FromValue(randomValue(3, 2, 16, 64), SpacePixel, 16, Metadata{})
	require.ErrorIs(t, err, ErrShape)
}

func TestSquarelize(t *testing.T) {
	value := randomValue(4, 2, 3, 16, 64)
	attentionMask := ones(2, 4)
	g, err := FromValue(value, SpaceLatent, 16, Metadata{AttentionMask: attentionMask, NumTextPatches: []int{4, 4}})
	require.NoError(t, err)

	square, err := g.Squarelize()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 32, 32}, square.Value.Shape().Dimensions)
	assert.Equal(t, Layout{Rows: 2, Cols: 2}, square.Layout())
	assert.Equal(t, Layout{Rows: 1, Cols: 4}, square.Native())
	assert.True(t, square.IsSquare())
	assert.Equal(t, g.NumPatches(), square.NumPatches())
	assert.Same(t, attentionMask, square.AttentionMask)
	assert.Equal(t, SpaceLatent, square.Space)

	// Patches keep their row-major order.
	gridPatches, err := Patchify(g.Value, 16)
	require.NoError(t, err)
	squarePatches, err := Patchify(square.Value, 16)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](gridPatches), tensors.CopyFlatData[float32](squarePatches))

	back, err := square.Unsquarelize()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 16, 64}, back.Value.Shape().Dimensions)
	assert.Equal(t, tensors.CopyFlatData[float32](value), tensors.CopyFlatData[float32](back.Value))

	// The original graph is untouched.
	assert.Same(t, value, g.Value)
	assert.Equal(t, Layout{Rows: 1, Cols: 4}, g.Layout())

	// 3 patches can't be squared.
	g3, err := FromValue(randomValue(5, 1, 1, 16, 48), SpacePixel, 16, Metadata{})
	require.NoError(t, err)
	_, err = g3.Squarelize()
	require.ErrorIs(t, err, ErrShape)
}

func TestFromPixel(t *testing.T) {
	value := randomValue(6, 2, 3, 16, 64)
	g, err := FromValue(value, SpacePixel, 16, Metadata{AttentionMask: ones(2, 4), NumTextPatches: []int{3, 4}})
	require.NoError(t, err)
	square, err := g.Squarelize()
	require.NoError(t, err)
	logits, err := Patchify(square.Value, 16)
	require.NoError(t, err)
	patchMask := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 0, 0, 1, 0, 0}, 2, 4)
	loss := tensors.FromScalar(float32(0.5))

	rec, err := FromPixel(Reconstruction{Logits: logits, Mask: patchMask, Loss: loss}, SpacePixel, 16, square)
	require.NoError(t, err)
	assert.Same(t, loss, rec.Loss)
	assert.Same(t, patchMask, rec.PatchMask)
	assert.Equal(t, []int{3, 4}, rec.NumTextPatches)
	assert.Equal(t, []int{1, 1}, rec.MaskedPatches())
	native, err := rec.Unsquarelize()
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](value), tensors.CopyFlatData[float32](native.Value))

	_, err = FromPixel(Reconstruction{Logits: logits}, SpacePixel, 16, nil)
	require.ErrorIs(t, err, ErrShape)
}

func TestToPixelAndToLatent(t *testing.T) {
	pixels := randomValue(7, 1, 3, 16, 32)
	g, err := FromValue(pixels, SpacePixel, 16, Metadata{AttentionMask: ones(1, 2)})
	require.NoError(t, err)

	same, err := g.ToPixel(nil)
	require.NoError(t, err)
	assert.Same(t, g, same)

	latent, err := g.ToLatent(scaler{})
	require.NoError(t, err)
	assert.Equal(t, SpaceLatent, latent.Space)
	assert.Equal(t, 8, latent.PatchSize)
	assert.Equal(t, g.Layout(), latent.Layout())
	assert.Equal(t, []int{1, 3, 8, 16}, latent.Value.Shape().Dimensions)

	_, err = latent.ToPixel(nil)
	require.ErrorIs(t, err, ErrSpace)
	_, err = g.ToLatent(nil)
	require.ErrorIs(t, err, ErrSpace)

	decoded, err := latent.ToPixel(scaler{})
	require.NoError(t, err)
	assert.Equal(t, SpacePixel, decoded.Space)
	assert.Equal(t, 16, decoded.PatchSize)
	assert.Equal(t, pixels.Shape().Dimensions, decoded.Value.Shape().Dimensions)
	assert.Same(t, g.AttentionMask, decoded.AttentionMask)
}

func TestMaskedPatches(t *testing.T) {
	attentionMask := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1, 0, 1, 1, 0, 0}, 2, 4)
	patchMask := tensors.FromFlatDataAndDimensions([]float32{1, 0, 1, 1, 0, 1, 1, 0}, 2, 4)
	g, err := FromValue(randomValue(8, 2, 1, 4, 16), SpacePixel, 4,
		Metadata{AttentionMask: attentionMask, PatchMask: patchMask})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, g.MaskedPatches())

	noMask, err := FromValue(randomValue(8, 2, 1, 4, 16), SpacePixel, 4, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, noMask.MaskedPatches())
	assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 1, 1}, tensors.CopyFlatData[float32](noMask.ValidMask()))
}

func TestSpaceEnum(t *testing.T) {
	assert.Equal(t, "pixel", SpacePixel.String())
	space, err := SpaceString("latent")
	require.NoError(t, err)
	assert.Equal(t, SpaceLatent, space)
}
