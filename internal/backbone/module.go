package backbone

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
)

// Kind of Module.
type Kind int

const (
	// KindPlain is a *Backbone.
	KindPlain Kind = iota

	// KindReplicated is a *Replicated, wrapping a *Backbone.
	KindReplicated
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -transform=snake -values -text module.go

var (
	// ErrUnknownBackbone is returned when an operation is given a Module of a kind it doesn't handle.
	ErrUnknownBackbone = errors.New("unknown backbone kind")

	// ErrNoBackbone is returned when an operation requires a backbone, but none is attached.
	ErrNoBackbone = errors.New("no backbone attached")
)

// Module is implemented by every variant of backbone. The forward passes are available on all of them,
// while the helpers (Unpatchify, Save, ResetScopes...) live only in the *Backbone returned by Unwrap.
type Module interface {
	// Kind of the variant.
	Kind() Kind

	// Unwrap returns the plain backbone holding the variables.
	Unwrap() *Backbone

	// Config of the backbone.
	Config() Config

	// Pretrain runs the masked reconstruction: see Backbone.Pretrain.
	Pretrain(values, attentionMask, patchMask *tensors.Tensor) (latentgraph.Reconstruction, error)

	// Classify runs the classification head: see Backbone.Classify.
	Classify(values, attentionMask, labels *tensors.Tensor) (logits, loss *tensors.Tensor, err error)
}

// IsNil returns whether m is nil, including a nil pointer of one of the known variants.
func IsNil(m Module) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *Backbone:
		return v == nil
	case *Replicated:
		return v == nil
	}
	return false
}

// SaveModule saves the variables of m into dir. Only the known kinds are accepted.
func SaveModule(m Module, dir string) error {
	if IsNil(m) {
		return ErrNoBackbone
	}
	switch m.Kind() {
	case KindPlain, KindReplicated:
		return m.Unwrap().Save(dir)
	default:
		return errors.Wrapf(ErrUnknownBackbone, "cannot save backbone of kind %s (%T)", m.Kind(), m)
	}
}
