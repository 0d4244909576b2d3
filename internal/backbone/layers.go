package backbone

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"math"
)

// Scopes of the layers that connect the backbone to the geometry of its inputs and outputs.
const (
	// ScopeEmbeddings holds the patch projection and the mask token.
	ScopeEmbeddings = "/vit/embeddings"

	// ScopeDecoderPred holds the final projection of the reconstruction decoder, back to patch values.
	ScopeDecoderPred = "/decoder/decoder_pred"

	// ScopeClassifier holds the classification head.
	ScopeClassifier = "/classifier"
)

// Names of the sub-scopes of the model, relative to the root.
const (
	scopeViT        = "vit"
	scopeEncoder    = "encoder"
	scopeDecoder    = "decoder"
	scopeClassifier = "classifier"
)

// patchifyGraph converts images shaped [batch, channels, height, width] to patches shaped
// [batch, numPatches, patchSize*patchSize*channels], in the same order as latentgraph.Patchify.
func patchifyGraph(images *Node, patchSize int) *Node {
	dims := images.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	rows, cols := height/patchSize, width/patchSize
	x := Reshape(images, batchSize, channels, rows, patchSize, cols, patchSize)
	x = TransposeAllDims(x, 0, 2, 4, 3, 5, 1)
	return Reshape(x, batchSize, rows*cols, patchSize*patchSize*channels)
}

// unpatchifyGraph is the inverse of patchifyGraph.
func unpatchifyGraph(patches *Node, rows, cols, patchSize int) *Node {
	dims := patches.Shape().Dimensions
	batchSize, patchDim := dims[0], dims[2]
	channels := patchDim / (patchSize * patchSize)
	x := Reshape(patches, batchSize, rows, cols, patchSize, patchSize, channels)
	x = TransposeAllDims(x, 0, 5, 1, 3, 2, 4)
	return Reshape(x, batchSize, channels, rows*patchSize, cols*patchSize)
}

func layerNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	return layers.LayerNormalization(ctx, x, x.Rank()-1).Epsilon(epsilon).Done()
}

// positionalEncoding returns fixed sine/cosine encodings of the patch positions, shaped [numPatches, dim].
// The first half of the features are the sines and the second half the cosines.
func positionalEncoding(g *Graph, numPatches, dim int) *Node {
	half := dim / 2
	shape := shapes.Make(dtypes.Int32, numPatches, half)
	positions := ConvertDType(Iota(g, shape, 0), dtypes.Float32)
	frequencies := ConvertDType(Iota(g, shape, 1), dtypes.Float32)
	frequencies = Exp(MulScalar(frequencies, -2*math.Log(10000)/float64(dim)))
	angles := Mul(positions, frequencies)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, 1)
}

// addPositions adds the positional encodings to x, shaped [batch, numPatches, dim].
func addPositions(x *Node) *Node {
	dims := x.Shape().Dimensions
	encodings := positionalEncoding(x.Graph(), dims[1], dims[2])
	return Add(x, BroadcastToDims(ExpandAxes(encodings, 0), dims...))
}

// keyMask converts the attention mask, shaped [batch, numPatches], to the boolean mask of the keys each
// patch may attend to: padding patches are never attended.
func keyMask(attentionMask *Node) *Node {
	return GreaterThan(attentionMask, ZerosLike(attentionMask))
}

// selfAttention is a multi-head dot-product attention over x, shaped [batch, numPatches, hidden].
func selfAttention(ctx *context.Context, x, mask *Node, numHeads int) *Node {
	headDim := x.Shape().Dimensions[2] / numHeads
	return layers.MultiHeadAttention(ctx, x, x, x, numHeads, headDim).SetKeyMask(mask).Done()
}

// mlp is the feed-forward block of a transformer layer. Its hidden layer is configured by the fnn
// hyperparameters of the enclosing scope.
func mlp(ctx *context.Context, x *Node) *Node {
	return fnnLayer.New(ctx, x, x.Shape().Dimensions[2]).Done()
}

// transformerLayer is a pre-normalized transformer block.
func transformerLayer(ctx *context.Context, x, mask *Node, numHeads int, epsilon float64) *Node {
	normed := layerNorm(ctx.In("attention_norm"), x, epsilon)
	x = Add(x, selfAttention(ctx.In("attention"), normed, mask, numHeads))
	normed = layerNorm(ctx.In("mlp_norm"), x, epsilon)
	return Add(x, mlp(ctx.In("mlp"), normed))
}

func transformerStack(ctx *context.Context, x, attentionMask *Node, numLayers, numHeads int, epsilon float64) *Node {
	mask := keyMask(attentionMask)
	for layerIdx := range numLayers {
		x = transformerLayer(ctx.Inf("layer_%03d", layerIdx), x, mask, numHeads, epsilon)
	}
	return x
}

// encoderGraph embeds the patches of values and runs the transformer encoder, returning the hidden states
// shaped [batch, numPatches, hiddenSize].
//
// If patchMask is not nil, the embeddings of the masked patches are replaced by the mask token.
func encoderGraph(ctx *context.Context, cfg Config, values, attentionMask, patchMask *Node) *Node {
	g := values.Graph()
	ctx = ctx.In(scopeViT)
	embCtx := ctx.In("embeddings")
	x := layers.Dense(embCtx.In("patch_embeddings"), patchifyGraph(values, cfg.PatchSize), true, cfg.HiddenSize)
	if patchMask != nil {
		dims := x.Shape().Dimensions
		maskToken := embCtx.VariableWithShape("mask_token", shapes.Make(dtypes.Float32, cfg.HiddenSize)).ValueGraph(g)
		maskToken = BroadcastToDims(Reshape(maskToken, 1, 1, cfg.HiddenSize), dims...)
		masked := BroadcastToDims(ExpandAxes(patchMask, 2), dims...)
		x = Add(Mul(x, OneMinus(masked)), Mul(maskToken, masked))
	}
	x = addPositions(x)
	x = transformerStack(ctx.In(scopeEncoder), x, attentionMask, cfg.NumHiddenLayers, cfg.NumAttentionHeads,
		cfg.LayerNormEpsilon)
	return layerNorm(ctx.In("layernorm"), x, cfg.LayerNormEpsilon)
}

// decoderGraph reconstructs the patch values from the encoder hidden states: it returns logits shaped
// [batch, numPatches, patchDim].
func decoderGraph(ctx *context.Context, cfg Config, encoded, attentionMask *Node) *Node {
	ctx = ctx.In(scopeDecoder)
	x := layers.Dense(ctx.In("decoder_embed"), encoded, true, cfg.DecoderHiddenSize)
	x = addPositions(x)
	x = transformerStack(ctx, x, attentionMask, cfg.DecoderNumHiddenLayers, cfg.DecoderNumAttentionHeads,
		cfg.LayerNormEpsilon)
	x = layerNorm(ctx.In("decoder_norm"), x, cfg.LayerNormEpsilon)
	return layers.Dense(ctx.In("decoder_pred"), x, true, cfg.PatchDim())
}

// randomMask samples which patches to mask: for each example round(ratio * numValidPatches) of its valid
// patches, picked uniformly. Padding patches are never masked.
func randomMask(ctx *context.Context, attentionMask *Node, ratio float64) *Node {
	g := attentionMask.Graph()
	dims := attentionMask.Shape().Dimensions
	batchSize, numPatches := dims[0], dims[1]
	noise := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, batchSize, numPatches))
	// Padding patches get noise 2, so they rank after all valid ones.
	noise = Add(Mul(noise, attentionMask), MulScalar(OneMinus(attentionMask), 2))

	// rank[b, i] = number of patches j with noise[b, j] < noise[b, i].
	cube := []int{batchSize, numPatches, numPatches}
	self := BroadcastToDims(Reshape(noise, batchSize, numPatches, 1), cube...)
	others := BroadcastToDims(Reshape(noise, batchSize, 1, numPatches), cube...)
	rank := ReduceSum(ConvertDType(LessThan(others, self), dtypes.Float32), 2)

	numMasked := Floor(AddScalar(MulScalar(ReduceSum(attentionMask, 1), ratio), 0.5))
	numMasked = BroadcastToDims(Reshape(numMasked, batchSize, 1), batchSize, numPatches)
	mask := ConvertDType(LessThan(rank, numMasked), dtypes.Float32)
	return Mul(mask, attentionMask)
}

// maskedPatchLoss is the mean squared error between predictions and targets, both shaped
// [batch, numPatches, patchDim], averaged over the patches where mask is 1.
func maskedPatchLoss(predictions, targets, mask *Node, normPix bool) *Node {
	if normPix {
		dims := targets.Shape().Dimensions
		mean := BroadcastToDims(ExpandAxes(ReduceMean(targets, 2), 2), dims...)
		centered := Sub(targets, mean)
		variance := BroadcastToDims(ExpandAxes(ReduceMean(Square(centered), 2), 2), dims...)
		targets = Div(centered, Sqrt(AddScalar(variance, 1e-6)))
	}
	perPatch := ReduceMean(Square(Sub(predictions, targets)), 2)
	total := ReduceAllSum(Mul(perPatch, mask))
	count := ReduceAllSum(mask)
	return Div(total, Max(count, OnesLike(count)))
}

// meanPool averages the hidden states over the valid patches: [batch, numPatches, hidden] -> [batch, hidden].
func meanPool(x, attentionMask *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, hidden := dims[0], dims[2]
	weights := BroadcastToDims(ExpandAxes(attentionMask, 2), dims...)
	summed := ReduceSum(Mul(x, weights), 1)
	count := ReduceSum(attentionMask, 1)
	count = Max(count, OnesLike(count))
	return Div(summed, BroadcastToDims(Reshape(count, batchSize, 1), batchSize, hidden))
}

// classifierGraph returns the logits shaped [batch, numLabels].
func classifierGraph(ctx *context.Context, cfg Config, encoded, attentionMask *Node) *Node {
	pooled := meanPool(encoded, attentionMask)
	return layers.Dense(ctx.In(scopeClassifier), pooled, true, cfg.NumLabels)
}

// classificationLoss is the mean squared error for regressions (numLabels == 1), and the
// sparse softmax cross-entropy otherwise. labels are shaped [batch].
func classificationLoss(logits, labels *Node, numLabels int) *Node {
	batchSize := logits.Shape().Dimensions[0]
	var loss *Node
	if numLabels == 1 {
		targets := Reshape(ConvertDType(labels, dtypes.Float32), batchSize, 1)
		loss = losses.MeanSquaredError([]*Node{targets}, []*Node{logits})
	} else {
		targets := Reshape(ConvertDType(labels, dtypes.Int32), batchSize, 1)
		loss = losses.SparseCategoricalCrossEntropyLogits([]*Node{targets}, []*Node{logits})
	}
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}
