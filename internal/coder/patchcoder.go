package coder

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
)

// Hyperparameters of a PatchCoder, stored in its context.
const (
	ParamFactor         = "coder_factor"
	ParamPixelChannels  = "coder_pixel_channels"
	ParamLatentChannels = "coder_latent_channels"

	// ParamDecoderReleased is set once the decoder is released, so checkpoints saved afterwards load
	// without a decoder.
	ParamDecoderReleased = "coder_decoder_released"
)

const (
	scopeEncoder = "encoder"
	scopeDecoder = "decoder"
)

// PatchCoder is a linear coder: each factor x factor block of pixels is flattened and projected to
// latentChannels values (the encoder), and projected back (the decoder).
// Latents are factor times smaller than the pixels in height and width.
type PatchCoder struct {
	ctx                                   *context.Context
	factor, pixelChannels, latentChannels int
	encodeExec                            *context.Exec
	checkpoints                           *ml.Checkpoints

	muDecoder  sync.Mutex
	decodeExec *context.Exec
}

var _ Encoder = (*PatchCoder)(nil)

// NewPatchCoder creates a PatchCoder with freshly initialized projections.
func NewPatchCoder(pixelChannels, latentChannels, factor int) (*PatchCoder, error) {
	if pixelChannels <= 0 || latentChannels <= 0 || factor <= 0 {
		return nil, errors.Errorf("invalid patch coder dimensions: pixelChannels=%d, latentChannels=%d, factor=%d",
			pixelChannels, latentChannels, factor)
	}
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		ParamFactor:         factor,
		ParamPixelChannels:  pixelChannels,
		ParamLatentChannels: latentChannels,
	})
	p := newPatchCoder(ctx.Checked(false), pixelChannels, latentChannels, factor, true)
	if err := p.warmUp(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPatchCoder loads a PatchCoder saved with Save.
func LoadPatchCoder(dir string) (*PatchCoder, error) {
	ctx, handler, err := ml.LoadContext(dir)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load patch coder")
	}
	dims := make([]int, 3)
	for ii, key := range []string{ParamPixelChannels, ParamLatentChannels, ParamFactor} {
		value, found, err := ml.IntParam(ctx, key)
		if err != nil {
			return nil, errors.WithMessagef(err, "patch coder in %q", dir)
		}
		if !found || value <= 0 {
			return nil, errors.Errorf("patch coder in %q has no valid %q", dir, key)
		}
		dims[ii] = value
	}
	withDecoder := !decoderReleased(ctx)
	if !withDecoder {
		klog.V(1).Infof("Patch coder in %q was saved without its decoder", dir)
	}
	p := newPatchCoder(ctx.Checked(false), dims[0], dims[1], dims[2], withDecoder)
	p.checkpoints.Adopt(dir, handler)
	if err := p.warmUp(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %s from %q", p, dir)
	return p, nil
}

// decoderReleased returns whether the checkpoint loaded into ctx was saved after releasing the decoder, or
// has no decoder variables at all.
func decoderReleased(ctx *context.Context) bool {
	if value, found := ctx.GetParam(ParamDecoderReleased); found {
		if released, ok := value.(bool); ok && released {
			return true
		}
	}
	return len(ml.VariablesInScopes(ctx, context.ScopeSeparator+scopeDecoder)) == 0
}

func newPatchCoder(ctx *context.Context, pixelChannels, latentChannels, factor int, withDecoder bool) *PatchCoder {
	p := &PatchCoder{
		ctx:            ctx,
		factor:         factor,
		pixelChannels:  pixelChannels,
		latentChannels: latentChannels,
		checkpoints:    ml.NewCheckpoints(ctx),
	}
	backend := ml.Backend()
	p.encodeExec = context.NewExec(backend, ctx, func(ctx *context.Context, pixels *Node) *Node {
		return p.encodeGraph(ctx, pixels)
	})
	if withDecoder {
		p.decodeExec = context.NewExec(backend, ctx, func(ctx *context.Context, latents *Node) *Node {
			return p.decodeGraph(ctx, latents)
		})
	}
	return p
}

// warmUp encodes and, if there is a decoder, decodes one blank block of pixels, creating any missing variable.
func (p *PatchCoder) warmUp() error {
	pixels := tensors.FromFlatDataAndDimensions(make([]float32, p.pixelChannels*p.factor*p.factor),
		1, p.pixelChannels, p.factor, p.factor)
	latents, err := p.Encode(pixels)
	if err == nil && p.HasDecoder() {
		_, err = p.decode(latents)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to initialize %s", p)
	}
	return nil
}

// String implements fmt.Stringer.
func (p *PatchCoder) String() string {
	return fmt.Sprintf("PatchCoder[%d->%d channels, factor %d]", p.pixelChannels, p.latentChannels, p.factor)
}

// Factor by which the latents are smaller than the pixels, in height and width.
func (p *PatchCoder) Factor() int { return p.factor }

// LatentChannels is the number of channels of the latents.
func (p *PatchCoder) LatentChannels() int { return p.latentChannels }

// PixelChannels is the number of channels of the pixels.
func (p *PatchCoder) PixelChannels() int { return p.pixelChannels }

// encodeGraph: [batch, pixelChannels, height, width] -> [batch, latentChannels, height/factor, width/factor].
func (p *PatchCoder) encodeGraph(ctx *context.Context, pixels *Node) *Node {
	dims := pixels.Shape().Dimensions
	batchSize, channels, f := dims[0], dims[1], p.factor
	rows, cols := dims[2]/f, dims[3]/f
	x := Reshape(pixels, batchSize, channels, rows, f, cols, f)
	x = TransposeAllDims(x, 0, 2, 4, 3, 5, 1)
	x = Reshape(x, batchSize*rows*cols, f*f*channels)
	x = layers.Dense(ctx.In(scopeEncoder), x, true, p.latentChannels)
	x = Reshape(x, batchSize, rows, cols, p.latentChannels)
	return TransposeAllDims(x, 0, 3, 1, 2)
}

// decodeGraph is the inverse mapping of encodeGraph.
func (p *PatchCoder) decodeGraph(ctx *context.Context, latents *Node) *Node {
	dims := latents.Shape().Dimensions
	batchSize, rows, cols, f := dims[0], dims[2], dims[3], p.factor
	x := TransposeAllDims(latents, 0, 2, 3, 1)
	x = Reshape(x, batchSize*rows*cols, p.latentChannels)
	x = layers.Dense(ctx.In(scopeDecoder), x, true, f*f*p.pixelChannels)
	x = Reshape(x, batchSize, rows, cols, f, f, p.pixelChannels)
	x = TransposeAllDims(x, 0, 5, 1, 3, 2, 4)
	return Reshape(x, batchSize, p.pixelChannels, rows*f, cols*f)
}

// Encode implements Encoder.
func (p *PatchCoder) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) {
	shape := pixels.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[1] != p.pixelChannels ||
		shape.Dimensions[2]%p.factor != 0 || shape.Dimensions[3]%p.factor != 0 {
		return nil, errors.Wrapf(latentgraph.ErrShape, "%s can't encode pixels shaped %s", p, shape)
	}
	outputs, err := ml.Call(p.encodeExec, pixels)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to encode", p)
	}
	return outputs[0], nil
}

func (p *PatchCoder) decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	p.muDecoder.Lock()
	exec := p.decodeExec
	p.muDecoder.Unlock()
	if exec == nil {
		return nil, ErrDecoderUnavailable
	}
	shape := latents.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[1] != p.latentChannels {
		return nil, errors.Wrapf(latentgraph.ErrShape, "%s can't decode latents shaped %s", p, shape)
	}
	outputs, err := ml.Call(exec, latents)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to decode", p)
	}
	return outputs[0], nil
}

// Decoder returns the decoder half of the coder. Releasing it (see Coder.DeleteDecoder) frees
// the decoder variables of the PatchCoder for good.
func (p *PatchCoder) Decoder() Decoder {
	return &patchDecoder{p}
}

type patchDecoder struct {
	p *PatchCoder
}

var _ Releaser = (*patchDecoder)(nil)

// Decode implements Decoder.
func (d *patchDecoder) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return d.p.decode(latents)
}

// Release implements Releaser.
func (d *patchDecoder) Release() {
	p := d.p
	p.muDecoder.Lock()
	defer p.muDecoder.Unlock()
	if p.decodeExec == nil {
		return
	}
	p.decodeExec.Finalize()
	p.decodeExec = nil
	p.ctx.SetParam(ParamDecoderReleased, true)
	numDeleted := ml.DeleteScopes(p.ctx, context.ScopeSeparator+scopeDecoder)
	klog.V(1).Infof("%s: decoder released (%d variables)", p, numDeleted)
}

// HasDecoder returns whether the decoder was not yet released.
func (p *PatchCoder) HasDecoder() bool {
	p.muDecoder.Lock()
	defer p.muDecoder.Unlock()
	return p.decodeExec != nil
}

// Coder returns a Coder using p as encoder and decoder, with the given latent stats.
func (p *PatchCoder) Coder(stats Stats) (*Coder, error) {
	if stats.Channels() != p.latentChannels {
		return nil, errors.Errorf("%s produces %d latent channels, but stats are for %d", p, p.latentChannels,
			stats.Channels())
	}
	var decoder Decoder
	if p.HasDecoder() {
		decoder = p.Decoder()
	}
	return New(p, decoder, stats)
}

// FitStats encodes the pixel batches and returns the stats of the resulting latents.
func (p *PatchCoder) FitStats(pixels ...*tensors.Tensor) (Stats, error) {
	latents := make([]*tensors.Tensor, len(pixels))
	for ii, batch := range pixels {
		var err error
		latents[ii], err = p.Encode(batch)
		if err != nil {
			return Stats{}, err
		}
	}
	return ComputeStats(latents...)
}

// Save the coder variables and hyperparameters to dir.
func (p *PatchCoder) Save(dir string) error {
	if err := p.checkpoints.Save(dir, 0); err != nil {
		return errors.WithMessagef(err, "failed to save %s", p)
	}
	return nil
}
