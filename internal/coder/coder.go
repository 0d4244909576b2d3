// Package coder implements the adapter around a pixel <-> latent encoder/decoder pair, and the normalization
// statistics used to rescale latents before they are fed to a backbone.
//
// A Coder is shared: the same *Coder may be attached to several models. Deleting its decoder (see
// Coder.DeleteDecoder) is a one-way operation visible to every holder of the pointer.
package coder

import (
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDecoderUnavailable is returned when decoding with a Coder whose decoder was deleted (or never given).
var ErrDecoderUnavailable = errors.New("coder decoder unavailable")

// Encoder converts pixels shaped [batch, channels, height, width] to latents.
type Encoder = latentgraph.Encoder

// Decoder converts latents back to pixels.
type Decoder = latentgraph.Decoder

// Releaser is optionally implemented by decoders holding resources that can be freed when the decoder is deleted.
type Releaser interface {
	Release()
}

// Coder pairs an encoder, an optional decoder and the statistics of the latent space.
type Coder struct {
	encoder Encoder
	decoder Decoder
	stats   Stats

	// Executors of Stats.NormalizeGraph and Stats.DenormalizeGraph.
	normExec, denormExec *graph.Exec
}

var (
	_ latentgraph.Encoder = (*Coder)(nil)
	_ latentgraph.Decoder = (*Coder)(nil)
)

// New creates a Coder. The decoder may be nil, for coders only used to encode.
// The stats must have one entry per latent channel.
func New(encoder Encoder, decoder Decoder, stats Stats) (*Coder, error) {
	if encoder == nil {
		return nil, errors.New("coder requires an encoder")
	}
	if err := stats.Validate(); err != nil {
		return nil, err
	}
	c := &Coder{encoder: encoder, decoder: decoder, stats: stats.Clone()}
	c.normExec = graph.NewExec(ml.Backend(), c.stats.NormalizeGraph)
	c.denormExec = graph.NewExec(ml.Backend(), c.stats.DenormalizeGraph)
	return c, nil
}

// Stats returns a copy of the latent normalization statistics.
func (c *Coder) Stats() Stats { return c.stats.Clone() }

// Channels is the number of latent channels.
func (c *Coder) Channels() int { return c.stats.Channels() }

// HasDecoder returns whether the decoder is still attached.
func (c *Coder) HasDecoder() bool { return c != nil && c.decoder != nil }

// Encode implements latentgraph.Encoder.
func (c *Coder) Encode(pixels *tensors.Tensor) (*tensors.Tensor, error) {
	latents, err := c.encoder.Encode(pixels)
	if err != nil {
		return nil, errors.WithMessage(err, "coder failed to encode")
	}
	if err := checkLatents(latents, c.Channels()); err != nil {
		return nil, errors.WithMessage(err, "encoder returned invalid latents")
	}
	return latents, nil
}

// Decode implements latentgraph.Decoder. It fails with ErrDecoderUnavailable if the decoder was deleted.
func (c *Coder) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	if !c.HasDecoder() {
		return nil, ErrDecoderUnavailable
	}
	pixels, err := c.decoder.Decode(latents)
	if err != nil {
		return nil, errors.WithMessage(err, "coder failed to decode")
	}
	return pixels, nil
}

// DeleteDecoder detaches the decoder, releasing its resources if it implements Releaser.
// It returns false if there was no decoder to delete.
//
// The change is visible to every model sharing this Coder, and there is no way to re-attach a decoder.
func (c *Coder) DeleteDecoder() bool {
	if c.decoder == nil {
		return false
	}
	if releaser, ok := c.decoder.(Releaser); ok {
		releaser.Release()
	}
	c.decoder = nil
	klog.V(1).Info("Coder decoder deleted")
	return true
}

// LatentNorm returns (x - mean) / std, per latent channel. x is shaped [batch, channels, height, width].
func (c *Coder) LatentNorm(x *tensors.Tensor) (*tensors.Tensor, error) {
	return c.applyStats(c.normExec, x)
}

// InvLatentNorm is the inverse of LatentNorm: x * std + mean, per latent channel.
func (c *Coder) InvLatentNorm(x *tensors.Tensor) (*tensors.Tensor, error) {
	return c.applyStats(c.denormExec, x)
}

func (c *Coder) applyStats(exec *graph.Exec, x *tensors.Tensor) (*tensors.Tensor, error) {
	if err := c.stats.checkShape(x); err != nil {
		return nil, err
	}
	outputs, err := ml.Call(exec, x)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to apply latent stats")
	}
	return outputs[0], nil
}
