package backbone

import (
	"fmt"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Replicated wraps a Backbone and splits each batch in shards, run concurrently on replicas that share
// the same variables. Results are concatenated back in order, and the losses are averaged as if the
// batch had been run at once.
type Replicated struct {
	backbone    *Backbone
	numReplicas int
}

var _ Module = (*Replicated)(nil)

// NewReplicated wraps b in numReplicas replicas.
func NewReplicated(b *Backbone, numReplicas int) (*Replicated, error) {
	if b == nil {
		return nil, ErrNoBackbone
	}
	if numReplicas < 1 {
		return nil, errors.Errorf("invalid number of replicas %d", numReplicas)
	}
	return &Replicated{backbone: b, numReplicas: numReplicas}, nil
}

// String implements fmt.Stringer.
func (r *Replicated) String() string {
	return fmt.Sprintf("Replicated[%d x %s]", r.numReplicas, r.backbone)
}

// Kind implements Module.
func (r *Replicated) Kind() Kind { return KindReplicated }

// Unwrap implements Module.
func (r *Replicated) Unwrap() *Backbone { return r.backbone }

// Config implements Module.
func (r *Replicated) Config() Config { return r.backbone.Config() }

// NumReplicas the batches are split over.
func (r *Replicated) NumReplicas() int { return r.numReplicas }

// Pretrain implements Module. The loss is the average over all masked patches of the batch.
func (r *Replicated) Pretrain(values, attentionMask, patchMask *tensors.Tensor) (latentgraph.Reconstruction, error) {
	var rec latentgraph.Reconstruction
	batchSize, err := r.backbone.checkInputs(values, attentionMask)
	if err != nil {
		return rec, err
	}
	shards := splitBatch(batchSize, r.numReplicas)
	if len(shards) == 1 {
		return r.backbone.Pretrain(values, attentionMask, patchMask)
	}
	results := make([]latentgraph.Reconstruction, len(shards))
	var group errgroup.Group
	for shardIdx, s := range shards {
		group.Go(func() error {
			inputs, err := sliceInputs(s, values, attentionMask, patchMask)
			if err != nil {
				return err
			}
			results[shardIdx], err = r.backbone.Pretrain(inputs[0], inputs[1], inputs[2])
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return rec, errors.WithMessagef(err, "%s failed to pretrain", r)
	}
	logits := make([]*tensors.Tensor, len(shards))
	masks := make([]*tensors.Tensor, len(shards))
	var weightedLoss, numMasked float64
	for ii, result := range results {
		logits[ii], masks[ii] = result.Logits, result.Mask
		count := sumFloat32(result.Mask)
		weightedLoss += float64(tensors.ToScalar[float32](result.Loss)) * count
		numMasked += count
	}
	var loss float32
	if numMasked > 0 {
		loss = float32(weightedLoss / numMasked)
	}
	rec.Logits = concatBatch(logits)
	rec.Mask = concatBatch(masks)
	rec.Loss = tensors.FromScalar(loss)
	return rec, nil
}

// Classify implements Module. The loss is the average over all examples of the batch.
func (r *Replicated) Classify(values, attentionMask, labels *tensors.Tensor) (logits, loss *tensors.Tensor, err error) {
	batchSize, err := r.backbone.checkInputs(values, attentionMask)
	if err != nil {
		return nil, nil, err
	}
	shards := splitBatch(batchSize, r.numReplicas)
	if len(shards) == 1 {
		return r.backbone.Classify(values, attentionMask, labels)
	}
	shardLogits := make([]*tensors.Tensor, len(shards))
	shardLosses := make([]*tensors.Tensor, len(shards))
	var group errgroup.Group
	for shardIdx, s := range shards {
		group.Go(func() error {
			inputs, err := sliceInputs(s, values, attentionMask, labels)
			if err != nil {
				return err
			}
			shardLogits[shardIdx], shardLosses[shardIdx], err = r.backbone.Classify(inputs[0], inputs[1], inputs[2])
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, errors.WithMessagef(err, "%s failed to classify", r)
	}
	logits = concatBatch(shardLogits)
	if labels != nil {
		var total float64
		for ii, s := range shards {
			total += float64(tensors.ToScalar[float32](shardLosses[ii])) * float64(s.end-s.start)
		}
		loss = tensors.FromScalar(float32(total / float64(batchSize)))
	}
	return logits, loss, nil
}

func sliceInputs(s shard, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	sliced := make([]*tensors.Tensor, len(inputs))
	for ii, input := range inputs {
		var err error
		sliced[ii], err = sliceBatch(input, s)
		if err != nil {
			return nil, err
		}
	}
	return sliced, nil
}
