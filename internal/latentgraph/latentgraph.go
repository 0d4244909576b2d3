// Package latentgraph implements Graph, the batch representation shared by every stage of the pipeline:
// text rendered as a grid of patches, holding either pixel values or the latent values of a coder,
// plus the per-patch metadata the backbones need (attention mask, patch mask, number of text patches).
//
// Graphs are treated as immutable: every operation returns a new Graph, possibly sharing the tensors
// that were left untouched.
package latentgraph

import (
	"fmt"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Space tells whether the values of a Graph are raw pixels or the output of a coder's encoder.
type Space int

const (
	SpacePixel Space = iota
	SpaceLatent
)

//go:generate go tool enumer -type=Space -trimprefix=Space -transform=snake -values -text latentgraph.go

var (
	// ErrShape is returned (wrapped) for any inconsistency in the patch grid geometry.
	ErrShape = errors.New("latent graph shape mismatch")

	// ErrSpace is returned (wrapped) when a graph is used in the wrong space (pixel vs latent).
	ErrSpace = errors.New("latent graph in the wrong space")
)

// Encoder converts pixel values, shaped [batch, channels, height, width], to latent values.
type Encoder interface {
	Encode(pixels *tensors.Tensor) (*tensors.Tensor, error)
}

// Decoder converts latent values back to pixel values.
type Decoder interface {
	Decode(latents *tensors.Tensor) (*tensors.Tensor, error)
}

// Layout of the patch grid: number of rows and columns of patches.
type Layout struct {
	Rows, Cols int
}

// NumPatches in the layout.
func (l Layout) NumPatches() int { return l.Rows * l.Cols }

// IsZero returns whether the layout is unset.
func (l Layout) IsZero() bool { return l.Rows == 0 && l.Cols == 0 }

// String implements fmt.Stringer.
func (l Layout) String() string { return fmt.Sprintf("%dx%d", l.Rows, l.Cols) }

// Metadata carried by a Graph alongside its values. All fields are optional.
type Metadata struct {
	// AttentionMask marks valid (non-padding) patches, float32 shaped [batch, numPatches].
	AttentionMask *tensors.Tensor

	// PatchMask marks patches hidden from the backbone, float32 shaped [batch, numPatches].
	PatchMask *tensors.Tensor

	// NumTextPatches per example.
	NumTextPatches []int

	// Loss is a scalar set by a forward pass.
	Loss *tensors.Tensor

	// Labels for classification, shaped [batch].
	Labels *tensors.Tensor

	// Native layout of the patch grid. If left zero, the layout of the value is taken as native.
	Native Layout
}

// Graph is a batch of text rendered as patch grids.
//
// Patches are always kept in row-major order, so the per-patch masks are independent of the layout:
// Squarelize and Unsquarelize only rearrange Value.
type Graph struct {
	// Value is float32 shaped [batch, channels, height, width], or [batch, numLabels] for classification results.
	Value *tensors.Tensor

	// Space of Value.
	Space Space

	AttentionMask  *tensors.Tensor
	PatchMask      *tensors.Tensor
	NumTextPatches []int
	Loss           *tensors.Tensor
	Labels         *tensors.Tensor

	// PatchSize is the height and width of each patch, in the units of Value.
	PatchSize int

	layout, native Layout
}

// FromValue builds a Graph from a value shaped [batch, channels, height, width] and its metadata.
// Height and width must be multiples of patchSize, and the masks must be shaped [batch, numPatches].
func FromValue(value *tensors.Tensor, space Space, patchSize int, meta Metadata) (*Graph, error) {
	if value == nil {
		return nil, errors.Wrap(ErrShape, "nil value")
	}
	if patchSize <= 0 {
		return nil, errors.Wrapf(ErrShape, "invalid patch size %d", patchSize)
	}
	shape := value.Shape()
	if shape.DType != dtypes.Float32 {
		return nil, errors.Wrapf(ErrShape, "value must be float32, got %s", shape)
	}
	if shape.Rank() != 4 {
		return nil, errors.Wrapf(ErrShape, "value must be shaped [batch, channels, height, width], got %s", shape)
	}
	height, width := shape.Dimensions[2], shape.Dimensions[3]
	if height%patchSize != 0 || width%patchSize != 0 {
		return nil, errors.Wrapf(ErrShape, "value spatial dimensions %dx%d are not multiples of the patch size %d",
			height, width, patchSize)
	}
	layout := Layout{Rows: height / patchSize, Cols: width / patchSize}
	native := meta.Native
	if native.IsZero() {
		native = layout
	} else if native.NumPatches() != layout.NumPatches() {
		return nil, errors.Wrapf(ErrShape, "native layout %s has %d patches, but value layout %s has %d",
			native, native.NumPatches(), layout, layout.NumPatches())
	}
	batchSize := shape.Dimensions[0]
	if err := checkMask(meta.AttentionMask, "attention mask", batchSize, layout.NumPatches()); err != nil {
		return nil, err
	}
	if err := checkMask(meta.PatchMask, "patch mask", batchSize, layout.NumPatches()); err != nil {
		return nil, err
	}
	if meta.NumTextPatches != nil && len(meta.NumTextPatches) != batchSize {
		return nil, errors.Wrapf(ErrShape, "%d text patch counts given for a batch of %d",
			len(meta.NumTextPatches), batchSize)
	}
	return &Graph{
		Value:          value,
		Space:          space,
		AttentionMask:  meta.AttentionMask,
		PatchMask:      meta.PatchMask,
		NumTextPatches: meta.NumTextPatches,
		Loss:           meta.Loss,
		Labels:         meta.Labels,
		PatchSize:      patchSize,
		layout:         layout,
		native:         native,
	}, nil
}

func checkMask(mask *tensors.Tensor, name string, batchSize, numPatches int) error {
	if mask == nil {
		return nil
	}
	shape := mask.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 2 ||
		shape.Dimensions[0] != batchSize || shape.Dimensions[1] != numPatches {
		return errors.Wrapf(ErrShape, "%s must be float32 shaped [%d, %d], got %s", name, batchSize, numPatches, shape)
	}
	return nil
}

// Reconstruction is the raw output of a masked-reconstruction backbone, in patch sequence form.
type Reconstruction struct {
	// Logits shaped [batch, numPatches, patchSize*patchSize*channels].
	Logits *tensors.Tensor

	// Mask of the patches the loss was computed over, shaped [batch, numPatches].
	Mask *tensors.Tensor

	// Loss is a scalar, optional.
	Loss *tensors.Tensor
}

// FromPixel builds a Graph from a backbone reconstruction. The logits are un-patchified on the layout of like,
// the graph given to the backbone, from which the attention mask, text patch counts and native layout are taken.
func FromPixel(rec Reconstruction, space Space, patchSize int, like *Graph) (*Graph, error) {
	if like == nil {
		return nil, errors.Wrap(ErrShape, "FromPixel needs the graph given to the backbone")
	}
	value, err := Unpatchify(rec.Logits, like.layout, patchSize)
	if err != nil {
		return nil, err
	}
	return FromValue(value, space, patchSize, Metadata{
		AttentionMask:  like.AttentionMask,
		PatchMask:      rec.Mask,
		NumTextPatches: like.NumTextPatches,
		Loss:           rec.Loss,
		Labels:         like.Labels,
		Native:         like.native,
	})
}

// FromLogits builds the result of a classification: it carries only the logits, loss and labels.
func FromLogits(logits, loss, labels *tensors.Tensor) *Graph {
	return &Graph{Value: logits, Loss: loss, Labels: labels}
}

// metadata of g, to build a derived graph.
func (g *Graph) metadata() Metadata {
	return Metadata{
		AttentionMask:  g.AttentionMask,
		PatchMask:      g.PatchMask,
		NumTextPatches: g.NumTextPatches,
		Loss:           g.Loss,
		Labels:         g.Labels,
		Native:         g.native,
	}
}

// IsPatchGrid returns false for graphs that only hold logits (classification results).
func (g *Graph) IsPatchGrid() bool { return !g.layout.IsZero() }

// Layout of the patch grid of Value.
func (g *Graph) Layout() Layout { return g.layout }

// Native layout of the patch grid, the one Unsquarelize returns to.
func (g *Graph) Native() Layout { return g.native }

// IsSquare returns whether the current layout has as many rows as columns.
func (g *Graph) IsSquare() bool { return g.layout.Rows == g.layout.Cols }

// NumPatches per example.
func (g *Graph) NumPatches() int { return g.layout.NumPatches() }

// BatchSize of the graph.
func (g *Graph) BatchSize() int { return g.Value.Shape().Dimensions[0] }

// Channels of the values, for patch grids.
func (g *Graph) Channels() int { return g.Value.Shape().Dimensions[1] }

// ValidMask returns the AttentionMask, or an all-ones mask if it is not set.
func (g *Graph) ValidMask() *tensors.Tensor {
	if g.AttentionMask != nil {
		return g.AttentionMask
	}
	ones := make([]float32, g.BatchSize()*g.NumPatches())
	for ii := range ones {
		ones[ii] = 1
	}
	return tensors.FromFlatDataAndDimensions(ones, g.BatchSize(), g.NumPatches())
}

// MaskedPatches returns, per example, the number of valid patches that are masked for reconstruction.
func (g *Graph) MaskedPatches() []int {
	counts := make([]int, g.BatchSize())
	if g.PatchMask == nil {
		return counts
	}
	numPatches := g.NumPatches()
	masked := tensors.CopyFlatData[float32](g.PatchMask)
	valid := tensors.CopyFlatData[float32](g.ValidMask())
	for ii := range masked {
		if masked[ii] > 0.5 && valid[ii] > 0.5 {
			counts[ii/numPatches]++
		}
	}
	return counts
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	if g == nil {
		return "<nil>"
	}
	if !g.IsPatchGrid() {
		return fmt.Sprintf("LatentGraph[logits %s]", g.Value.Shape())
	}
	return fmt.Sprintf("LatentGraph[%s %s, patch=%d, layout=%s, native=%s]",
		g.Space, g.Value.Shape(), g.PatchSize, g.layout, g.native)
}

// Squarelize rearranges the patches in a square grid, required by backbones trained on square images.
// The number of patches must be a perfect square.
func (g *Graph) Squarelize() (*Graph, error) {
	numPatches := g.NumPatches()
	side := isqrt(numPatches)
	if side*side != numPatches {
		return nil, errors.Wrapf(ErrShape, "cannot squarelize %d patches (layout %s)", numPatches, g.layout)
	}
	return g.relayout(Layout{Rows: side, Cols: side})
}

// Unsquarelize rearranges the patches back to the native layout.
func (g *Graph) Unsquarelize() (*Graph, error) {
	return g.relayout(g.native)
}

func (g *Graph) relayout(to Layout) (*Graph, error) {
	if !g.IsPatchGrid() {
		return nil, errors.Wrap(ErrShape, "graph holds no patch grid")
	}
	if to == g.layout {
		newG := *g
		return &newG, nil
	}
	value, err := Regrid(g.Value, g.layout, to, g.PatchSize)
	if err != nil {
		return nil, err
	}
	return FromValue(value, g.Space, g.PatchSize, g.metadata())
}

// ToPixel returns the graph in pixel space: pixel graphs are returned as is, latent graphs are decoded.
// A latent graph with no decoder is an error.
func (g *Graph) ToPixel(decoder Decoder) (*Graph, error) {
	if g.Space == SpacePixel {
		return g, nil
	}
	if decoder == nil {
		return nil, errors.Wrapf(ErrSpace, "%s needs a decoder to be converted to pixels", g)
	}
	pixels, err := decoder.Decode(g.Value)
	if err != nil {
		return nil, err
	}
	factor, err := spatialFactor(pixels, g.Value)
	if err != nil {
		return nil, err
	}
	return FromValue(pixels, SpacePixel, g.PatchSize*factor, g.metadata())
}

// ToLatent returns the graph in latent space: latent graphs are returned as is, pixel graphs are encoded.
func (g *Graph) ToLatent(encoder Encoder) (*Graph, error) {
	if g.Space == SpaceLatent {
		return g, nil
	}
	if encoder == nil {
		return nil, errors.Wrapf(ErrSpace, "%s needs an encoder to be converted to latents", g)
	}
	latents, err := encoder.Encode(g.Value)
	if err != nil {
		return nil, err
	}
	factor, err := spatialFactor(g.Value, latents)
	if err != nil {
		return nil, err
	}
	if g.PatchSize%factor != 0 {
		return nil, errors.Wrapf(ErrShape, "patch size %d is not divisible by the encoder reduction factor %d",
			g.PatchSize, factor)
	}
	return FromValue(latents, SpaceLatent, g.PatchSize/factor, g.metadata())
}

// spatialFactor returns by how much large is bigger than small, which must be the same for height and width.
func spatialFactor(large, small *tensors.Tensor) (int, error) {
	ls, ss := large.Shape(), small.Shape()
	if ls.Rank() != 4 || ss.Rank() != 4 || ls.Dimensions[0] != ss.Dimensions[0] {
		return 0, errors.Wrapf(ErrShape, "incompatible coder shapes %s and %s", ls, ss)
	}
	lh, lw, sh, sw := ls.Dimensions[2], ls.Dimensions[3], ss.Dimensions[2], ss.Dimensions[3]
	if sh == 0 || lh%sh != 0 || sw == 0 || lw%sw != 0 || lh/sh != lw/sw {
		return 0, errors.Wrapf(ErrShape, "coder changed spatial dimensions from %dx%d to %dx%d by a non-uniform factor",
			lh, lw, sh, sw)
	}
	return lh / sh, nil
}

func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	x := 1
	for x*x <= n {
		x++
	}
	return x - 1
}
