package backbone

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"slices"
)

// shard is a range [start, end) of examples of a batch.
type shard struct {
	start, end int
}

// splitBatch splits batchSize examples in at most numShards shards of (nearly) equal size.
func splitBatch(batchSize, numShards int) []shard {
	numShards = max(1, min(numShards, batchSize))
	shardSize := (batchSize + numShards - 1) / numShards
	var shards []shard
	for start := 0; start < batchSize; start += shardSize {
		shards = append(shards, shard{start, min(start+shardSize, batchSize)})
	}
	return shards
}

// sliceBatch returns the examples [start, end) of t along its first axis. A nil tensor returns nil.
func sliceBatch(t *tensors.Tensor, s shard) (*tensors.Tensor, error) {
	if t == nil {
		return nil, nil
	}
	switch t.Shape().DType {
	case dtypes.Float32:
		return sliceRows[float32](t, s), nil
	case dtypes.Int32:
		return sliceRows[int32](t, s), nil
	case dtypes.Int64:
		return sliceRows[int64](t, s), nil
	}
	return nil, errors.Errorf("cannot split batch of dtype %s", t.Shape().DType)
}

func sliceRows[T float32 | int32 | int64](t *tensors.Tensor, s shard) *tensors.Tensor {
	dims := slices.Clone(t.Shape().Dimensions)
	rowSize := t.Shape().Size() / dims[0]
	flat := tensors.CopyFlatData[T](t)
	dims[0] = s.end - s.start
	return tensors.FromFlatDataAndDimensions(flat[s.start*rowSize:s.end*rowSize], dims...)
}

// concatBatch concatenates float32 tensors along their first axis.
func concatBatch(parts []*tensors.Tensor) *tensors.Tensor {
	if len(parts) == 1 {
		return parts[0]
	}
	dims := slices.Clone(parts[0].Shape().Dimensions)
	var flat []float32
	dims[0] = 0
	for _, part := range parts {
		flat = append(flat, tensors.CopyFlatData[float32](part)...)
		dims[0] += part.Shape().Dimensions[0]
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// sumFloat32 returns the sum of all values of t.
func sumFloat32(t *tensors.Tensor) float64 {
	var total float64
	for _, v := range tensors.CopyFlatData[float32](t) {
		total += float64(v)
	}
	return total
}
