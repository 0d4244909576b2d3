// Package backbone implements the patch transformer used by the latent models: a ViT encoder over patch
// grids, with either a masked reconstruction decoder (pretraining) or a pooled classifier head on top.
//
// All hyperparameters, including the Config, live in the GoMLX context of the model, so checkpoints
// carry everything needed to rebuild it.
package backbone

import (
	"fmt"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
)

// Backbone is a patch transformer built for one Task.
//
// It is safe for concurrent forward calls, but ResetScopes and SetForwardMode must not be called
// concurrently with them.
type Backbone struct {
	task   Task
	config Config
	ctx    *context.Context
	mode   ForwardMode

	// Executors: the classification ones are nil for pretraining backbones and vice versa.
	pretrainExec, classifyExec, classifyLossExec *context.Exec

	// muRandom serializes calls that update the random number generator state.
	muRandom sync.Mutex

	// Unpatchify executors, one per output layout.
	muUnpatchify    sync.Mutex
	unpatchifyExecs map[latentgraph.Layout]*Exec

	checkpoints *ml.Checkpoints

	loadReport *LoadReport

	// KeepCheckpoints is the number of checkpoints kept in each directory when saving.
	KeepCheckpoints int
}

var _ Module = (*Backbone)(nil)

// New creates a backbone for the task, with freshly initialized variables.
func New(task Task, cfg Config) (*Backbone, error) {
	if !task.IsATask() {
		return nil, errors.Errorf("unknown backbone task %d", task)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid backbone config")
	}
	ctx := context.New()
	ctx.RngStateReset()
	cfg.SetParams(ctx)
	setLayerParams(ctx, cfg)
	ctx = ctx.Checked(false)
	b := &Backbone{
		task:            task,
		config:          cfg,
		ctx:             ctx,
		mode:            ModeRandom,
		checkpoints:     ml.NewCheckpoints(ctx),
		KeepCheckpoints: 3,
	}
	if err := b.initialize(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created %s", b)
	return b, nil
}

// setLayerParams configures the feed-forward blocks of the encoder and decoder transformer layers.
func setLayerParams(ctx *context.Context, cfg Config) {
	ctx.SetParams(map[string]any{
		activations.ParamActivation:   "relu",
		fnnLayer.ParamNumHiddenLayers: 1,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	ctx.In(scopeViT).SetParam(fnnLayer.ParamNumHiddenNodes, cfg.IntermediateSize)
	ctx.In(scopeDecoder).SetParam(fnnLayer.ParamNumHiddenNodes, cfg.DecoderIntermediateSize)
}

// initialize (re-)creates the executors and runs them once, which creates any missing variable.
func (b *Backbone) initialize() error {
	b.finalizeExecutors()
	b.createExecutors()
	return b.warmUp()
}

func (b *Backbone) createExecutors() {
	backend := ml.Backend()
	cfg := b.config
	switch b.task {
	case TaskPretraining:
		mode := b.mode
		b.pretrainExec = context.NewExec(backend, b.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			values, attentionMask, patchMask := inputs[0], inputs[1], inputs[2]
			if mode == ModeRandom {
				patchMask = randomMask(ctx, attentionMask, cfg.MaskRatio)
			}
			mask := Mul(patchMask, attentionMask)
			encoded := encoderGraph(ctx, cfg, values, attentionMask, mask)
			logits := decoderGraph(ctx, cfg, encoded, attentionMask)
			loss := maskedPatchLoss(logits, patchifyGraph(values, cfg.PatchSize), mask, cfg.NormPixLoss)
			return []*Node{logits, mask, loss}
		})
	case TaskClassification:
		b.classifyExec = context.NewExec(backend, b.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			values, attentionMask := inputs[0], inputs[1]
			encoded := encoderGraph(ctx, cfg, values, attentionMask, nil)
			return []*Node{classifierGraph(ctx, cfg, encoded, attentionMask)}
		})
		b.classifyLossExec = context.NewExec(backend, b.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			values, attentionMask, labels := inputs[0], inputs[1], inputs[2]
			encoded := encoderGraph(ctx, cfg, values, attentionMask, nil)
			logits := classifierGraph(ctx, cfg, encoded, attentionMask)
			return []*Node{logits, classificationLoss(logits, labels, cfg.NumLabels)}
		})
	}
}

func (b *Backbone) finalizeExecutors() {
	for _, exec := range []*context.Exec{b.pretrainExec, b.classifyExec, b.classifyLossExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	b.pretrainExec, b.classifyExec, b.classifyLossExec = nil, nil, nil
}

// warmUp runs the forward pass on a batch of one blank image, forcing the creation of the variables.
func (b *Backbone) warmUp() error {
	cfg := b.config
	values := tensors.FromShape(shapes.Make(dtypes.Float32, 1, cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth))
	attentionMask := tensors.FromShape(shapes.Make(dtypes.Float32, 1, cfg.NumPatches()))
	tensors.MutableFlatData(attentionMask, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 1
		}
	})
	var err error
	switch b.task {
	case TaskPretraining:
		patchMask := tensors.FromShape(shapes.Make(dtypes.Float32, 1, cfg.NumPatches()))
		_, err = b.Pretrain(values, attentionMask, patchMask)
	case TaskClassification:
		_, _, err = b.Classify(values, attentionMask, nil)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to initialize %s", b)
	}
	return nil
}

// String implements fmt.Stringer.
func (b *Backbone) String() string {
	if b == nil {
		return "<nil>[Backbone]"
	}
	cfg := b.config
	return fmt.Sprintf("Backbone[%s, %dx%dx%d, patch=%d, hidden=%d, layers=%d]", b.task,
		cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth, cfg.PatchSize, cfg.HiddenSize, cfg.NumHiddenLayers)
}

// Kind implements Module.
func (b *Backbone) Kind() Kind { return KindPlain }

// Unwrap implements Module.
func (b *Backbone) Unwrap() *Backbone { return b }

// Task the backbone was built for.
func (b *Backbone) Task() Task { return b.task }

// Config implements Module.
func (b *Backbone) Config() Config { return b.config }

// Context holding the variables and hyperparameters of the backbone.
func (b *Backbone) Context() *context.Context { return b.ctx }

// ForwardMode used by Pretrain.
func (b *Backbone) ForwardMode() ForwardMode { return b.mode }

// SetForwardMode changes how Pretrain selects the masked patches. It rebuilds the executors.
func (b *Backbone) SetForwardMode(mode ForwardMode) {
	if mode == b.mode {
		return
	}
	b.mode = mode
	b.finalizeExecutors()
	b.createExecutors()
	klog.V(1).Infof("%s: forward mode set to %s", b, mode)
}

// checkInputs validates the values and attention mask given to a forward call, and returns the batch size.
func (b *Backbone) checkInputs(values, attentionMask *tensors.Tensor) (int, error) {
	cfg := b.config
	if values == nil || attentionMask == nil {
		return 0, errors.Wrap(latentgraph.ErrShape, "backbone requires values and an attention mask")
	}
	vs := values.Shape()
	if vs.DType != dtypes.Float32 || vs.Rank() != 4 || vs.Dimensions[1] != cfg.NumChannels ||
		vs.Dimensions[2] != cfg.ImageHeight || vs.Dimensions[3] != cfg.ImageWidth {
		return 0, errors.Wrapf(latentgraph.ErrShape, "%s expects float32 values shaped [batch, %d, %d, %d], got %s",
			b, cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth, vs)
	}
	batchSize := vs.Dimensions[0]
	if !attentionMask.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, cfg.NumPatches())) {
		return 0, errors.Wrapf(latentgraph.ErrShape, "%s expects attention mask shaped [%d, %d], got %s",
			b, batchSize, cfg.NumPatches(), attentionMask.Shape())
	}
	return batchSize, nil
}

// Pretrain implements Module: it reconstructs the patches of values.
//
// In ModeGeneration the patches marked in patchMask are hidden from the encoder; in ModeRandom a new mask is
// sampled and patchMask may be nil. The loss is the mean squared error over the patches both masked and valid,
// which is also the returned Mask.
func (b *Backbone) Pretrain(values, attentionMask, patchMask *tensors.Tensor) (latentgraph.Reconstruction, error) {
	var rec latentgraph.Reconstruction
	if b.task != TaskPretraining {
		return rec, errors.Errorf("%s cannot run pretraining", b)
	}
	batchSize, err := b.checkInputs(values, attentionMask)
	if err != nil {
		return rec, err
	}
	if patchMask == nil {
		if b.mode == ModeGeneration {
			return rec, errors.Errorf("%s in generation mode requires a patch mask", b)
		}
		patchMask = tensors.FromShape(attentionMask.Shape())
	} else if !patchMask.Shape().Equal(attentionMask.Shape()) {
		return rec, errors.Wrapf(latentgraph.ErrShape, "patch mask shaped %s, wanted %s",
			patchMask.Shape(), attentionMask.Shape())
	}
	if b.mode == ModeRandom {
		b.muRandom.Lock()
		defer b.muRandom.Unlock()
	}
	outputs, err := ml.Call(b.pretrainExec, values, attentionMask, patchMask)
	if err != nil {
		return rec, errors.WithMessagef(err, "%s failed to pretrain on a batch of %d", b, batchSize)
	}
	rec.Logits, rec.Mask, rec.Loss = outputs[0], outputs[1], outputs[2]
	return rec, nil
}

// Classify implements Module: it returns the logits shaped [batch, numLabels]. If labels (shaped [batch])
// are given, it also returns the loss.
func (b *Backbone) Classify(values, attentionMask, labels *tensors.Tensor) (logits, loss *tensors.Tensor, err error) {
	if b.task != TaskClassification {
		return nil, nil, errors.Errorf("%s cannot classify", b)
	}
	batchSize, err := b.checkInputs(values, attentionMask)
	if err != nil {
		return nil, nil, err
	}
	if labels == nil {
		outputs, err := ml.Call(b.classifyExec, values, attentionMask)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "%s failed to classify a batch of %d", b, batchSize)
		}
		return outputs[0], nil, nil
	}
	if ls := labels.Shape(); ls.Rank() != 1 || ls.Dimensions[0] != batchSize {
		return nil, nil, errors.Wrapf(latentgraph.ErrShape, "labels must be shaped [%d], got %s", batchSize, ls)
	}
	outputs, err := ml.Call(b.classifyLossExec, values, attentionMask, labels)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "%s failed to classify a batch of %d", b, batchSize)
	}
	return outputs[0], outputs[1], nil
}

// Unpatchify converts reconstruction logits shaped [batch, numPatches, patchDim] back to values shaped
// [batch, channels, layout.Rows*patchSize, layout.Cols*patchSize], running on the backend.
func (b *Backbone) Unpatchify(logits *tensors.Tensor, layout latentgraph.Layout) (*tensors.Tensor, error) {
	cfg := b.config
	if logits == nil {
		return nil, errors.Wrapf(latentgraph.ErrShape, "%s cannot unpatchify nil logits", b)
	}
	if logits.Shape().Rank() != 3 ||
		!logits.Shape().Equal(shapes.Make(dtypes.Float32, logits.Shape().Dimensions[0], layout.NumPatches(), cfg.PatchDim())) {
		return nil, errors.Wrapf(latentgraph.ErrShape, "%s cannot unpatchify logits shaped %s on layout %s",
			b, logits.Shape(), layout)
	}
	outputs, err := ml.Call(b.unpatchifyExec(layout), logits)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to unpatchify to layout %s", b, layout)
	}
	return outputs[0], nil
}

// unpatchifyExec returns the executor of unpatchifyGraph for the layout, creating it on first use.
func (b *Backbone) unpatchifyExec(layout latentgraph.Layout) *Exec {
	b.muUnpatchify.Lock()
	defer b.muUnpatchify.Unlock()
	if exec, found := b.unpatchifyExecs[layout]; found {
		return exec
	}
	if b.unpatchifyExecs == nil {
		b.unpatchifyExecs = make(map[latentgraph.Layout]*Exec)
	}
	patchSize := b.config.PatchSize
	exec := NewExec(ml.Backend(), func(x *Node) *Node {
		return unpatchifyGraph(x, layout.Rows, layout.Cols, patchSize)
	})
	b.unpatchifyExecs[layout] = exec
	return exec
}

// ResetScopes deletes the variables under the given scopes and re-creates them with fresh values.
// Variables outside the scopes are left untouched.
func (b *Backbone) ResetScopes(scopes ...string) error {
	numDeleted := ml.DeleteScopes(b.ctx, scopes...)
	klog.V(1).Infof("%s: reset %d variables in scopes %q", b, numDeleted, scopes)
	return b.initialize()
}

// Finalize releases the executors. The backbone can't be used afterwards.
func (b *Backbone) Finalize() {
	b.finalizeExecutors()
	b.muUnpatchify.Lock()
	defer b.muUnpatchify.Unlock()
	for _, exec := range b.unpatchifyExecs {
		exec.Finalize()
	}
	b.unpatchifyExecs = nil
}
