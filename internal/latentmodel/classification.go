package latentmodel

import (
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ForClassification classifies its inputs into NumLabels classes.
//
// It never decodes latents, so loading its backbone deletes the decoder of the coder, which is shared
// with every other model holding the same coder.
type ForClassification struct {
	Base
	numLabels int
}

var _ LatentModel = (*ForClassification)(nil)

// NewForClassification creates the model, loading the backbone from opts.BackbonePath if given.
func NewForClassification(opts Options, numLabels int) (*ForClassification, error) {
	if numLabels <= 0 {
		return nil, errors.Errorf("classification requires a positive number of labels, got %d", numLabels)
	}
	base, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	base.config.NumLabels = numLabels
	m := &ForClassification{Base: base, numLabels: numLabels}
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

// NumLabels is the number of classes.
func (m *ForClassification) NumLabels() int { return m.numLabels }

// CreateBackbone attaches a freshly initialized backbone, replacing the current one.
func (m *ForClassification) CreateBackbone() (backbone.Module, error) {
	b, err := backbone.New(backbone.TaskClassification, m.config)
	if err != nil {
		return nil, err
	}
	return m.setBackbone(b)
}

// LoadBackbone implements LatentModel. It also deletes the decoder of the coder.
func (m *ForClassification) LoadBackbone(path string) (backbone.Module, error) {
	if path == "" {
		klog.V(1).Info("No backbone path given, backbone not loaded")
		return nil, nil
	}
	b, err := backbone.Load(backbone.TaskClassification, path, func(cfg *backbone.Config) {
		m.latentSize.ApplyTo(cfg)
		cfg.NormPixLoss = false
		cfg.NumLabels = m.numLabels
	})
	if err != nil {
		return nil, err
	}
	module, err := m.setBackbone(b)
	if err != nil {
		return nil, err
	}
	m.DeleteUnusedLayers()
	return module, nil
}

// ConnectionLayers implements LatentModel: only the patch embeddings.
func (m *ForClassification) ConnectionLayers() []string {
	return []string{backbone.ScopeEmbeddings}
}

// InitConnectionLayers implements LatentModel.
func (m *ForClassification) InitConnectionLayers() error {
	return m.resetScopes(m.ConnectionLayers())
}

// LatentForward implements LatentModel. The returned graph holds only the logits, the loss (if g has labels)
// and the labels.
//
// It fails with ErrDecoderAttached if the coder still has its decoder: see DeleteUnusedLayers.
func (m *ForClassification) LatentForward(g *latentgraph.Graph) (*latentgraph.Graph, error) {
	if m.coder != nil && m.coder.HasDecoder() {
		return nil, errors.Wrap(ErrDecoderAttached, "classification requires DeleteUnusedLayers first")
	}
	work, values, err := m.prepare(g)
	if err != nil {
		return nil, err
	}
	logits, loss, err := m.backbone.Classify(values, work.ValidMask(), work.Labels)
	if err != nil {
		return nil, err
	}
	return latentgraph.FromLogits(logits, loss, work.Labels), nil
}
