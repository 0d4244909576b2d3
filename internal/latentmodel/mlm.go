package latentmodel

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ForMLM reconstructs the masked patches of its input.
type ForMLM struct {
	Base
}

var _ LatentModel = (*ForMLM)(nil)

// NewForMLM creates the model, loading the backbone from opts.BackbonePath if given.
func NewForMLM(opts Options) (*ForMLM, error) {
	base, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	m := &ForMLM{Base: base}
	if _, err = m.LoadBackbone(opts.BackbonePath); err != nil {
		return nil, err
	}
	if opts.InitConnectionLayers {
		if err = m.InitConnectionLayers(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CreateBackbone attaches a freshly initialized backbone, replacing the current one.
func (m *ForMLM) CreateBackbone() (backbone.Module, error) {
	b, err := backbone.New(backbone.TaskPretraining, m.config)
	if err != nil {
		return nil, err
	}
	b.SetForwardMode(backbone.ModeGeneration)
	return m.setBackbone(b)
}

// LoadBackbone implements LatentModel. The loaded backbone hides exactly the patches marked in the
// patch mask of the inputs (backbone.ModeGeneration).
func (m *ForMLM) LoadBackbone(path string) (backbone.Module, error) {
	if path == "" {
		klog.V(1).Info("No backbone path given, backbone not loaded")
		return nil, nil
	}
	b, err := backbone.Load(backbone.TaskPretraining, path, func(cfg *backbone.Config) {
		m.latentSize.ApplyTo(cfg)
		cfg.NormPixLoss = false
	})
	if err != nil {
		return nil, err
	}
	b.SetForwardMode(backbone.ModeGeneration)
	return m.setBackbone(b)
}

// ConnectionLayers implements LatentModel: the patch embeddings and the decoder prediction head.
func (m *ForMLM) ConnectionLayers() []string {
	return []string{backbone.ScopeEmbeddings, backbone.ScopeDecoderPred}
}

// InitConnectionLayers implements LatentModel.
func (m *ForMLM) InitConnectionLayers() error {
	return m.resetScopes(m.ConnectionLayers())
}

// LatentForward implements LatentModel.
//
// Pixel inputs of a model with a coder are encoded first. The returned graph is in the native (non-square)
// layout, in latent space if the model has a coder and in pixel space otherwise, and carries the loss
// and the mask of the reconstructed patches.
func (m *ForMLM) LatentForward(g *latentgraph.Graph) (*latentgraph.Graph, error) {
	work, values, err := m.prepare(g)
	if err != nil {
		return nil, err
	}
	patchMask := work.PatchMask
	if patchMask == nil {
		patchMask = tensors.FromShape(work.ValidMask().Shape())
	}
	rec, err := m.backbone.Pretrain(values, work.ValidMask(), patchMask)
	if err != nil {
		return nil, err
	}

	var out *latentgraph.Graph
	if m.coder == nil {
		out, err = latentgraph.FromPixel(rec, latentgraph.SpacePixel, m.latentSize.PatchSize(), work)
	} else {
		out, err = m.fromLatentLogits(rec, work)
	}
	if err != nil {
		return nil, err
	}
	return out.Unsquarelize()
}

// fromLatentLogits converts the reconstruction of normalized latent patches back to a latent graph.
func (m *ForMLM) fromLatentLogits(rec latentgraph.Reconstruction, work *latentgraph.Graph) (*latentgraph.Graph, error) {
	normalized, err := m.backbone.Unwrap().Unpatchify(rec.Logits, work.Layout())
	if err != nil {
		return nil, err
	}
	latents, err := m.coder.InvLatentNorm(normalized)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to denormalize reconstruction")
	}
	return latentgraph.FromValue(latents, latentgraph.SpaceLatent, m.latentSize.PatchSize(), latentgraph.Metadata{
		AttentionMask:  work.AttentionMask,
		PatchMask:      rec.Mask,
		NumTextPatches: work.NumTextPatches,
		Loss:           rec.Loss,
		Labels:         work.Labels,
		Native:         work.Native(),
	})
}
