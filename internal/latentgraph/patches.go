package latentgraph

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Patchify converts a value shaped [batch, channels, height, width] to the sequence of its patches, shaped
// [batch, numPatches, patchSize*patchSize*channels].
//
// Patches are numbered in row-major order, and within a patch values are ordered as (row, column, channel),
// the same order the backbones use.
func Patchify(value *tensors.Tensor, patchSize int) (*tensors.Tensor, error) {
	shape := value.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 {
		return nil, errors.Wrapf(ErrShape, "patchify requires a float32 [batch, channels, height, width] tensor, got %s", shape)
	}
	batchSize, channels, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	if patchSize <= 0 || height%patchSize != 0 || width%patchSize != 0 {
		return nil, errors.Wrapf(ErrShape, "spatial dimensions %dx%d are not multiples of the patch size %d",
			height, width, patchSize)
	}
	cols := width / patchSize
	numPatches := (height / patchSize) * cols
	patchDim := patchSize * patchSize * channels
	src := tensors.CopyFlatData[float32](value)
	dst := make([]float32, len(src))
	for b := range batchSize {
		for c := range channels {
			for y := range height {
				row, p := y/patchSize, y%patchSize
				srcRow := ((b*channels+c)*height + y) * width
				for x := range width {
					col, q := x/patchSize, x%patchSize
					patch := row*cols + col
					dst[(b*numPatches+patch)*patchDim+(p*patchSize+q)*channels+c] = src[srcRow+x]
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, batchSize, numPatches, patchDim), nil
}

// Unpatchify is the inverse of Patchify: it converts patches shaped [batch, numPatches, patchSize*patchSize*channels]
// to a value shaped [batch, channels, layout.Rows*patchSize, layout.Cols*patchSize].
func Unpatchify(patches *tensors.Tensor, layout Layout, patchSize int) (*tensors.Tensor, error) {
	if patches == nil {
		return nil, errors.Wrap(ErrShape, "nil patches")
	}
	shape := patches.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 3 {
		return nil, errors.Wrapf(ErrShape, "unpatchify requires a float32 [batch, numPatches, patchDim] tensor, got %s", shape)
	}
	batchSize, numPatches, patchDim := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2]
	if numPatches != layout.NumPatches() {
		return nil, errors.Wrapf(ErrShape, "got %d patches, but layout %s has %d", numPatches, layout, layout.NumPatches())
	}
	if patchSize <= 0 || patchDim%(patchSize*patchSize) != 0 {
		return nil, errors.Wrapf(ErrShape, "patch dimension %d is not a multiple of %dx%d", patchDim, patchSize, patchSize)
	}
	channels := patchDim / (patchSize * patchSize)
	height, width := layout.Rows*patchSize, layout.Cols*patchSize
	src := tensors.CopyFlatData[float32](patches)
	dst := make([]float32, len(src))
	for b := range batchSize {
		for c := range channels {
			for y := range height {
				row, p := y/patchSize, y%patchSize
				dstRow := ((b*channels+c)*height + y) * width
				for x := range width {
					col, q := x/patchSize, x%patchSize
					patch := row*layout.Cols + col
					dst[dstRow+x] = src[(b*numPatches+patch)*patchDim+(p*patchSize+q)*channels+c]
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, batchSize, channels, height, width), nil
}

// Regrid moves the patches of value, shaped [batch, channels, height, width], from one layout to another with the
// same number of patches, preserving their row-major order.
func Regrid(value *tensors.Tensor, from, to Layout, patchSize int) (*tensors.Tensor, error) {
	if from.NumPatches() != to.NumPatches() {
		return nil, errors.Wrapf(ErrShape, "cannot regrid from layout %s to %s: different number of patches", from, to)
	}
	shape := value.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 ||
		shape.Dimensions[2] != from.Rows*patchSize || shape.Dimensions[3] != from.Cols*patchSize {
		return nil, errors.Wrapf(ErrShape, "value %s doesn't match layout %s with patch size %d", shape, from, patchSize)
	}
	batchSize, channels := shape.Dimensions[0], shape.Dimensions[1]
	srcHeight, srcWidth := from.Rows*patchSize, from.Cols*patchSize
	dstHeight, dstWidth := to.Rows*patchSize, to.Cols*patchSize
	src := tensors.CopyFlatData[float32](value)
	dst := make([]float32, len(src))
	for plane := range batchSize * channels {
		srcPlane := src[plane*srcHeight*srcWidth : (plane+1)*srcHeight*srcWidth]
		dstPlane := dst[plane*dstHeight*dstWidth : (plane+1)*dstHeight*dstWidth]
		for patch := range from.NumPatches() {
			srcY, srcX := (patch/from.Cols)*patchSize, (patch%from.Cols)*patchSize
			dstY, dstX := (patch/to.Cols)*patchSize, (patch%to.Cols)*patchSize
			for p := range patchSize {
				srcStart := (srcY+p)*srcWidth + srcX
				dstStart := (dstY+p)*dstWidth + dstX
				copy(dstPlane[dstStart:dstStart+patchSize], srcPlane[srcStart:srcStart+patchSize])
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, batchSize, channels, dstHeight, dstWidth), nil
}
