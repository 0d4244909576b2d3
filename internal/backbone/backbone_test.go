package backbone

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// testConfig is a tiny backbone over 2x8x16 images split in 4x4 patches: a 2x4 grid.
func testConfig() Config {
	return Config{
		ImageHeight:              8,
		ImageWidth:               16,
		PatchSize:                4,
		NumChannels:              2,
		HiddenSize:               8,
		NumHiddenLayers:          1,
		NumAttentionHeads:        2,
		IntermediateSize:         16,
		DecoderHiddenSize:        8,
		DecoderNumHiddenLayers:   1,
		DecoderNumAttentionHeads: 2,
		DecoderIntermediateSize:  16,
		NumLabels:                3,
		MaskRatio:                0.5,
		LayerNormEpsilon:         1e-6,
	}
}

func randomValues(seed uint64, batchSize int, cfg Config) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 17))
	flat := make([]float32, batchSize*cfg.NumChannels*cfg.ImageHeight*cfg.ImageWidth)
	for ii := range flat {
		flat[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth)
}

// maskWithValid returns a [batchSize, numPatches] mask with the first numValid[b] patches of each example set.
func maskWithValid(numPatches int, numValid ...int) *tensors.Tensor {
	flat := make([]float32, len(numValid)*numPatches)
	for b, n := range numValid {
		for ii := range n {
			flat[b*numPatches+ii] = 1
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(numValid), numPatches)
}

func newTestBackbone(t *testing.T, task Task) *Backbone {
	b, err := New(task, testConfig())
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.ImageWidth = 18
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.NumAttentionHeads = 3
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.MaskRatio = 1.5
	require.Error(t, cfg.Validate())
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	want := testConfig()
	want.NormPixLoss = true
	want.SetParams(ctx)
	got, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Checkpoints may restore integers as float64.
	ctx.SetParam(ParamHiddenSize, float64(16))
	got, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, got.HiddenSize)

	ctx.SetParam(ParamHiddenSize, 16.5)
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
}

func TestPretrainGeneration(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	b.SetForwardMode(ModeGeneration)
	cfg := b.Config()
	numPatches := cfg.NumPatches()
	require.Equal(t, 8, numPatches)

	values := randomValues(1, 2, cfg)
	attentionMask := maskWithValid(numPatches, 8, 5)
	patchMask := tensors.FromFlatDataAndDimensions([]float32{
		1, 0, 0, 1, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 1, 0, // Patch 6 is padding: it must not be in the resulting mask.
	}, 2, numPatches)
	rec, err := b.Pretrain(values, attentionMask, patchMask)
	require.NoError(t, err)
	assert.Equal(t, []int{2, numPatches, cfg.PatchDim()}, rec.Logits.Shape().Dimensions)
	assert.Equal(t, []float32{
		1, 0, 0, 1, 0, 0, 0, 0,
		0, 0, 0, 0, 1, 0, 0, 0,
	}, tensors.CopyFlatData[float32](rec.Mask))
	loss := tensors.ToScalar[float32](rec.Loss)
	assert.Greater(t, loss, float32(0))

	// Generation mode requires a patch mask.
	_, err = b.Pretrain(values, attentionMask, nil)
	require.Error(t, err)

	// Wrong geometry is a shape error.
	_, err = b.Pretrain(randomValues(1, 2, DefaultConfig()), attentionMask, patchMask)
	require.ErrorIs(t, err, latentgraph.ErrShape)
}

func TestPretrainRandomMask(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	require.Equal(t, ModeRandom, b.ForwardMode())
	cfg := b.Config()
	numPatches := cfg.NumPatches()
	attentionMask := maskWithValid(numPatches, 8, 4, 0)
	rec, err := b.Pretrain(randomValues(2, 3, cfg), attentionMask, nil)
	require.NoError(t, err)

	mask := tensors.CopyFlatData[float32](rec.Mask)
	valid := tensors.CopyFlatData[float32](attentionMask)
	wantMasked := []int{4, 2, 0} // round(0.5 * numValid)
	for b, want := range wantMasked {
		var count int
		for ii := range numPatches {
			if mask[b*numPatches+ii] == 1 {
				count++
				assert.Equal(t, float32(1), valid[b*numPatches+ii], "padding patch %d of example %d was masked", ii, b)
			}
		}
		assert.Equal(t, want, count, "example %d", b)
	}
}

func TestClassify(t *testing.T) {
	b := newTestBackbone(t, TaskClassification)
	cfg := b.Config()
	values := randomValues(3, 2, cfg)
	attentionMask := maskWithValid(cfg.NumPatches(), 8, 3)

	logits, loss, err := b.Classify(values, attentionMask, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, cfg.NumLabels}, logits.Shape().Dimensions)
	assert.Nil(t, loss)

	labels := tensors.FromValue([]int32{0, 2})
	logits2, loss, err := b.Classify(values, attentionMask, labels)
	require.NoError(t, err)
	require.NotNil(t, loss)
	assert.Greater(t, tensors.ToScalar[float32](loss), float32(0))
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](logits), tensors.CopyFlatData[float32](logits2), 1e-5)

	// Pretraining is not available on a classification backbone.
	_, err = b.Pretrain(values, attentionMask, nil)
	require.Error(t, err)
}

func TestClassifyPaddingIgnored(t *testing.T) {
	b := newTestBackbone(t, TaskClassification)
	cfg := b.Config()
	values := randomValues(4, 1, cfg)
	attentionMask := maskWithValid(cfg.NumPatches(), 4)
	logits, _, err := b.Classify(values, attentionMask, nil)
	require.NoError(t, err)

	// With a 2x4 grid the first 4 patches, in row-major order, are the top half of the image: changing the
	// bottom half only touches padding patches.
	flat := tensors.CopyFlatData[float32](values)
	for c := range cfg.NumChannels {
		for y := cfg.ImageHeight / 2; y < cfg.ImageHeight; y++ {
			for x := range cfg.ImageWidth {
				flat[(c*cfg.ImageHeight+y)*cfg.ImageWidth+x] = 100
			}
		}
	}
	changed := tensors.FromFlatDataAndDimensions(flat, 1, cfg.NumChannels, cfg.ImageHeight, cfg.ImageWidth)
	logits2, _, err := b.Classify(changed, attentionMask, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](logits), tensors.CopyFlatData[float32](logits2), 1e-4)
}

func TestUnpatchify(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	cfg := b.Config()
	values := randomValues(5, 2, cfg)
	patches, err := latentgraph.Patchify(values, cfg.PatchSize)
	require.NoError(t, err)

	layout := latentgraph.Layout{Rows: cfg.NumRows(), Cols: cfg.NumCols()}
	got, err := b.Unpatchify(patches, layout)
	require.NoError(t, err)
	assert.Equal(t, values.Shape().Dimensions, got.Shape().Dimensions)
	assert.Equal(t, tensors.CopyFlatData[float32](values), tensors.CopyFlatData[float32](got))

	// Unpatchify on a different layout with the same number of patches.
	wide, err := b.Unpatchify(patches, latentgraph.Layout{Rows: 1, Cols: 8})
	require.NoError(t, err)
	want, err := latentgraph.Unpatchify(patches, latentgraph.Layout{Rows: 1, Cols: 8}, cfg.PatchSize)
	require.NoError(t, err)
	assert.Equal(t, tensors.CopyFlatData[float32](want), tensors.CopyFlatData[float32](wide))

	_, err = b.Unpatchify(patches, latentgraph.Layout{Rows: 3, Cols: 3})
	require.ErrorIs(t, err, latentgraph.ErrShape)
	_, err = b.Unpatchify(nil, layout)
	require.ErrorIs(t, err, latentgraph.ErrShape)

	// Executors are reused for the same layout.
	_, err = b.Unpatchify(randomLogits(6, 3, cfg), layout)
	require.NoError(t, err)
	assert.Len(t, b.unpatchifyExecs, 2)
}

func randomLogits(seed uint64, batchSize int, cfg Config) *tensors.Tensor {
	values := randomValues(seed, batchSize, cfg)
	patches, err := latentgraph.Patchify(values, cfg.PatchSize)
	if err != nil {
		panic(err)
	}
	return patches
}

func TestResetScopes(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	before := ml.TrainableSnapshot(b.Context())
	require.NoError(t, b.ResetScopes(ScopeEmbeddings, ScopeDecoderPred))
	after := ml.TrainableSnapshot(b.Context())
	require.Len(t, after, len(before))

	var numChanged int
	for path, value := range before {
		require.Contains(t, after, path)
		if ml.InScope(path, ScopeEmbeddings) || ml.InScope(path, ScopeDecoderPred) {
			if !assert.ObjectsAreEqual(value, after[path]) {
				numChanged++
			}
			continue
		}
		assert.Equal(t, value, after[path], "variable %q outside the reset scopes changed", path)
	}
	assert.Greater(t, numChanged, 0)
}

func TestSaveAndLoad(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	dir := filepath.Join(t.TempDir(), "backbone")
	require.NoError(t, b.Save(dir))

	loaded, err := Load(TaskPretraining, dir, nil)
	require.NoError(t, err)
	defer loaded.Finalize()
	assert.Equal(t, b.Config(), loaded.Config())
	assert.Equal(t, ml.TrainableSnapshot(b.Context()), ml.TrainableSnapshot(loaded.Context()))
	report := loaded.LoadReport()
	require.NotNil(t, report)
	assert.Empty(t, report.Mismatched)
	assert.Empty(t, report.Missing)

	// Saving again to the same directory adds a checkpoint.
	require.NoError(t, b.Save(dir))

	// But a different backbone can't write there.
	require.Error(t, loaded.Save(dir))

	_, err = Load(TaskPretraining, filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}

func TestLoadMismatched(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	dir := filepath.Join(t.TempDir(), "backbone")
	require.NoError(t, b.Save(dir))

	// More channels: the patch projection and the reconstruction head change shape.
	loaded, err := Load(TaskPretraining, dir, func(cfg *Config) { cfg.NumChannels = 3 })
	require.NoError(t, err)
	defer loaded.Finalize()
	assert.Equal(t, 3, loaded.Config().NumChannels)
	report := loaded.LoadReport()
	require.NotEmpty(t, report.Mismatched)
	for _, path := range report.Mismatched {
		assert.True(t, ml.InScope(path, ScopeEmbeddings) || ml.InScope(path, ScopeDecoderPred),
			"unexpected mismatched variable %q", path)
	}

	// The encoder layers are copied.
	original := ml.TrainableSnapshot(b.Context())
	encoderVars := ml.VariablesInScopes(loaded.Context(), "/vit/encoder")
	require.NotEmpty(t, encoderVars)
	for _, v := range encoderVars {
		assert.Equal(t, original[ml.VariablePath(v)], v.Value().Value(), "variable %q", ml.VariablePath(v))
	}

	// And the adapted backbone runs on the new geometry.
	cfg := loaded.Config()
	_, err = loaded.Pretrain(randomValues(6, 1, cfg), maskWithValid(cfg.NumPatches(), 8), nil)
	require.NoError(t, err)
}

func TestLoadForClassification(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	dir := filepath.Join(t.TempDir(), "backbone")
	require.NoError(t, b.Save(dir))

	loaded, err := Load(TaskClassification, dir, nil)
	require.NoError(t, err)
	defer loaded.Finalize()
	report := loaded.LoadReport()
	require.NotEmpty(t, report.Missing)
	for _, path := range report.Missing {
		assert.True(t, ml.InScope(path, ScopeClassifier), "unexpected missing variable %q", path)
	}
	require.NotEmpty(t, report.Unused)
	for _, path := range report.Unused {
		assert.True(t, ml.InScope(path, "/decoder") || ml.InScope(path, ScopeEmbeddings),
			"unexpected unused variable %q", path)
	}
	// Bookkeeping variables added by the checkpoints are not part of the model.
	assert.Contains(t, report.Skipped, "/global_step")
	assert.NotContains(t, report.Missing, "/global_step")
}

func TestSaveNonEmptyDir(t *testing.T) {
	b := newTestBackbone(t, TaskClassification)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("not a checkpoint"), 0o644))
	require.Error(t, b.Save(dir))
}

// fakeModule is a Module of an unknown kind.
type fakeModule struct {
	*Backbone
}

func (fakeModule) Kind() Kind { return Kind(7) }

func TestSaveModule(t *testing.T) {
	require.ErrorIs(t, SaveModule(nil, t.TempDir()), ErrNoBackbone)
	var nilBackbone *Backbone
	require.ErrorIs(t, SaveModule(nilBackbone, t.TempDir()), ErrNoBackbone)

	b := newTestBackbone(t, TaskClassification)
	require.ErrorIs(t, SaveModule(fakeModule{b}, t.TempDir()), ErrUnknownBackbone)

	r, err := NewReplicated(b, 2)
	require.NoError(t, err)
	require.NoError(t, SaveModule(r, filepath.Join(t.TempDir(), "replicated")))
}

func TestReplicatedPretrain(t *testing.T) {
	b := newTestBackbone(t, TaskPretraining)
	b.SetForwardMode(ModeGeneration)
	r, err := NewReplicated(b, 2)
	require.NoError(t, err)
	assert.Equal(t, KindReplicated, r.Kind())
	assert.Same(t, b, r.Unwrap())

	cfg := b.Config()
	numPatches := cfg.NumPatches()
	values := randomValues(7, 3, cfg)
	attentionMask := maskWithValid(numPatches, 8, 6, 2)
	patchMask := tensors.FromFlatDataAndDimensions([]float32{
		1, 1, 0, 0, 0, 0, 0, 0,
		0, 1, 0, 1, 0, 1, 0, 0,
		1, 0, 0, 0, 0, 0, 0, 0,
	}, 3, numPatches)
	want, err := b.Pretrain(values, attentionMask, patchMask)
	require.NoError(t, err)
	got, err := r.Pretrain(values, attentionMask, patchMask)
	require.NoError(t, err)
	assert.Equal(t, want.Logits.Shape().Dimensions, got.Logits.Shape().Dimensions)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](want.Logits), tensors.CopyFlatData[float32](got.Logits), 1e-4)
	assert.Equal(t, tensors.CopyFlatData[float32](want.Mask), tensors.CopyFlatData[float32](got.Mask))
	assert.InDelta(t, tensors.ToScalar[float32](want.Loss), tensors.ToScalar[float32](got.Loss), 1e-4)
}

func TestReplicatedClassify(t *testing.T) {
	b := newTestBackbone(t, TaskClassification)
	r, err := NewReplicated(b, 3)
	require.NoError(t, err)
	cfg := b.Config()
	values := randomValues(8, 4, cfg)
	attentionMask := maskWithValid(cfg.NumPatches(), 8, 7, 3, 1)
	labels := tensors.FromValue([]int32{0, 1, 2, 1})

	wantLogits, wantLoss, err := b.Classify(values, attentionMask, labels)
	require.NoError(t, err)
	gotLogits, gotLoss, err := r.Classify(values, attentionMask, labels)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](wantLogits), tensors.CopyFlatData[float32](gotLogits), 1e-4)
	assert.InDelta(t, tensors.ToScalar[float32](wantLoss), tensors.ToScalar[float32](gotLoss), 1e-4)
}

func TestSplitBatch(t *testing.T) {
	assert.Equal(t, []shard{{0, 2}, {2, 3}}, splitBatch(3, 2))
	assert.Equal(t, []shard{{0, 2}, {2, 4}}, splitBatch(4, 3))
	assert.Equal(t, []shard{{0, 1}, {1, 2}}, splitBatch(2, 5))
	assert.Equal(t, []shard{{0, 5}}, splitBatch(5, 1))
}
