// Package latentmodel adapts a backbone to the geometry of a task, working on latentgraph.Graph batches.
//
// A model owns its backbone, configured for the task LatentSize, and shares a (optional) coder with other
// models. The few backbone layers whose shapes depend on the geometry are the "connection layers":
// they can be re-initialized on their own, so a pretrained backbone body can be reused with other
// patch and channel sizes.
//
// Two tasks are implemented: ForMLM (masked patch reconstruction) and ForClassification.
package latentmodel

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/coder"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LatentModel is implemented by the task models.
type LatentModel interface {
	// LatentSize the model works with.
	LatentSize() LatentSize

	// BackboneConfig derived from the LatentSize.
	BackboneConfig() backbone.Config

	// Coder shared by the model, or nil if it works on pixels.
	Coder() *coder.Coder

	// Backbone of the model, or nil if none was loaded.
	Backbone() backbone.Module

	// LoadBackbone loads the backbone from the checkpoint in path, overriding its geometry to match
	// LatentSize. Layers whose shapes changed are re-initialized. An empty path means no backbone:
	// it returns (nil, nil) and leaves the model unchanged.
	LoadBackbone(path string) (backbone.Module, error)

	// SaveBackbone saves the backbone (unwrapped) to path.
	SaveBackbone(path string) error

	// LatentForward runs the task forward pass.
	LatentForward(g *latentgraph.Graph) (*latentgraph.Graph, error)

	// ConnectionLayers returns the scopes of the backbone layers that depend on the LatentSize.
	ConnectionLayers() []string

	// InitConnectionLayers re-initializes the connection layers, leaving all other backbone variables untouched.
	InitConnectionLayers() error

	// DeleteUnusedLayers deletes the decoder of the coder, if there is a coder. Otherwise, it does nothing.
	DeleteUnusedLayers()
}

// ErrDecoderAttached is returned when classifying with a coder that still has its decoder.
var ErrDecoderAttached = errors.New("coder decoder still attached")

// Options to create a model.
type Options struct {
	LatentSize LatentSize

	// Architecture of the backbone: all but its geometry, which is derived from LatentSize.
	// If left zero, backbone.DefaultConfig is used.
	Architecture backbone.Config

	// Coder shared with other models, or nil to work in pixel space.
	Coder *coder.Coder

	// BackbonePath is the checkpoint to load the backbone from. If empty, no backbone is loaded.
	BackbonePath string

	// InitConnectionLayers re-initializes the connection layers after loading the backbone.
	InitConnectionLayers bool

	// Replicas: if > 1 the backbone is wrapped in a backbone.Replicated.
	Replicas int
}

// Base holds what is common to all task models.
type Base struct {
	latentSize LatentSize
	config     backbone.Config
	coder      *coder.Coder
	backbone   backbone.Module
	replicas   int
}

// newBase validates the options and derives the backbone config from the latent size.
func newBase(opts Options) (Base, error) {
	if err := opts.LatentSize.Validate(); err != nil {
		return Base{}, err
	}
	if opts.Coder != nil && opts.Coder.Channels() != opts.LatentSize.Channels {
		return Base{}, errors.Errorf("latent size %s has %d channels, but the coder produces %d",
			opts.LatentSize, opts.LatentSize.Channels, opts.Coder.Channels())
	}
	cfg := opts.Architecture
	if cfg == (backbone.Config{}) {
		cfg = backbone.DefaultConfig()
	}
	opts.LatentSize.ApplyTo(&cfg)
	cfg.NormPixLoss = false
	return Base{
		latentSize: opts.LatentSize,
		config:     cfg,
		coder:      opts.Coder,
		replicas:   opts.Replicas,
	}, nil
}

// LatentSize implements LatentModel.
func (m *Base) LatentSize() LatentSize { return m.latentSize }

// BackboneConfig implements LatentModel.
func (m *Base) BackboneConfig() backbone.Config { return m.config }

// Coder implements LatentModel.
func (m *Base) Coder() *coder.Coder { return m.coder }

// Backbone implements LatentModel.
func (m *Base) Backbone() backbone.Module { return m.backbone }

// setBackbone wraps b in replicas if configured, and attaches it to the model.
func (m *Base) setBackbone(b *backbone.Backbone) (backbone.Module, error) {
	var module backbone.Module = b
	if m.replicas > 1 {
		var err error
		module, err = backbone.NewReplicated(b, m.replicas)
		if err != nil {
			return nil, err
		}
	}
	m.backbone = module
	m.config = b.Config()
	return module, nil
}

// SaveBackbone implements LatentModel.
func (m *Base) SaveBackbone(path string) error {
	if backbone.IsNil(m.backbone) {
		return errors.Wrap(backbone.ErrNoBackbone, "cannot save backbone")
	}
	if err := backbone.SaveModule(m.backbone, path); err != nil {
		return err
	}
	klog.Infof("Backbone saved to %q", path)
	return nil
}

// DeleteUnusedLayers implements LatentModel.
//
// The coder is shared: deleting its decoder affects every model holding it.
func (m *Base) DeleteUnusedLayers() {
	if m.coder == nil {
		klog.Info("No coder attached, there are no unused layers to delete")
		return
	}
	if m.coder.DeleteDecoder() {
		klog.Info("Coder decoder deleted")
	}
}

// resetScopes re-initializes the variables under the given scopes of the backbone.
func (m *Base) resetScopes(scopes []string) error {
	if backbone.IsNil(m.backbone) {
		return errors.Wrap(backbone.ErrNoBackbone, "cannot initialize connection layers")
	}
	klog.Infof("Re-initializing connection layers %q", scopes)
	return m.backbone.Unwrap().ResetScopes(scopes...)
}

// prepare converts g to the space and layout the backbone works with, and returns it along with the
// values to feed the backbone: normalized latents if there is a coder, pixels otherwise.
func (m *Base) prepare(g *latentgraph.Graph) (*latentgraph.Graph, *tensors.Tensor, error) {
	if backbone.IsNil(m.backbone) {
		return nil, nil, errors.Wrap(backbone.ErrNoBackbone, "forward requires a backbone")
	}
	if g == nil || !g.IsPatchGrid() {
		return nil, nil, errors.Wrapf(latentgraph.ErrShape, "forward requires a patch grid, got %s", g)
	}
	var err error
	work := g
	if m.coder == nil {
		if g.Space != latentgraph.SpacePixel {
			return nil, nil, errors.Wrapf(latentgraph.ErrSpace, "model without coder got %s", g)
		}
	} else {
		work, err = g.ToLatent(m.coder)
		if err != nil {
			return nil, nil, err
		}
	}
	size := m.latentSize
	if work.Channels() != size.Channels || work.PatchSize != size.PatchSize() || work.NumPatches() != size.NumPatches() {
		return nil, nil, errors.Wrapf(latentgraph.ErrShape, "%s doesn't match the model latent size %s", work, size)
	}
	target := size.BackboneLayout()
	switch {
	case work.Layout() == target:
	case target.Rows == target.Cols:
		work, err = work.Squarelize()
	case work.Native() == target:
		work, err = work.Unsquarelize()
	default:
		err = errors.Wrapf(latentgraph.ErrShape, "can't convert %s to layout %s", work, target)
	}
	if err != nil {
		return nil, nil, err
	}
	values := work.Value
	if m.coder != nil {
		values, err = m.coder.LatentNorm(values)
		if err != nil {
			return nil, nil, err
		}
	}
	return work, values, nil
}
