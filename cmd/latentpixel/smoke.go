package main

import (
	"context"
	"fmt"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/janpfeifer/latentpixel/internal/latentmodel"
	"github.com/janpfeifer/latentpixel/internal/ui/spinning"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"math/rand/v2"
	"time"
)

func runSmoke(ctx context.Context, m latentmodel.LatentModel) error {
	if backbone.IsNil(m.Backbone()) {
		c, ok := m.(creator)
		if !ok {
			return errors.Errorf("model %T has no backbone", m)
		}
		klog.Warning("No backbone given, running with a randomly initialized one")
		if _, err := c.CreateBackbone(); err != nil {
			return err
		}
	}
	if _, ok := m.(*latentmodel.ForClassification); ok {
		m.DeleteUnusedLayers()
	}

	rng := rand.New(rand.NewPCG(*flagSeed, 0))
	for batchIdx := range *flagNumBatches {
		if ctx.Err() != nil {
			fmt.Printf("Interrupted: %s\n", ctx.Err())
			return nil
		}
		g, err := randomBatch(rng, m, *flagBatchSize)
		if err != nil {
			return err
		}
		start := time.Now()
		spinner := spinning.New(ctx, fmt.Sprintf("Batch %d", batchIdx))
		out, err := m.LatentForward(g)
		spinner.Done()
		if err != nil {
			return errors.WithMessagef(err, "batch %d", batchIdx)
		}
		loss := "n/a"
		if out.Loss != nil {
			loss = fmt.Sprintf("%.4f", tensors.ToScalar[float32](out.Loss))
		}
		if out.IsPatchGrid() {
			fmt.Printf("Batch %d: loss=%s, %s, masked patches %v (%s)\n", batchIdx, loss, out, out.MaskedPatches(),
				time.Since(start))
		} else {
			fmt.Printf("Batch %d: loss=%s, %s (%s)\n", batchIdx, loss, out, time.Since(start))
		}
	}
	return nil
}

// checkMaskRatio returns an error if ratio is not a fraction in [0, 1].
func checkMaskRatio(ratio float64) error {
	if !(ratio >= 0 && ratio <= 1) {
		return errors.Errorf("-mask_ratio must be in [0, 1], got %g", ratio)
	}
	return nil
}

// randomBatch of rendered "texts" of random lengths, in the space the model works on.
// Patches of texts shorter than the model width are padding.
func randomBatch(rng *rand.Rand, m latentmodel.LatentModel, batchSize int) (*latentgraph.Graph, error) {
	if err := checkMaskRatio(*flagMaskRatio); err != nil {
		return nil, err
	}
	size := m.LatentSize()
	numPatches := size.NumPatches()
	space := latentgraph.SpacePixel
	mean, std := make([]float32, size.Channels), make([]float32, size.Channels)
	for ch := range size.Channels {
		mean[ch], std[ch] = 0.5, 0.25
	}
	if c := m.Coder(); c != nil {
		space = latentgraph.SpaceLatent
		stats := c.Stats()
		mean, std = stats.Mean, stats.Std
	}

	planeSize := size.Height * size.Width
	values := make([]float32, batchSize*size.Channels*planeSize)
	for ii := range values {
		ch := (ii / planeSize) % size.Channels
		values[ii] = mean[ch] + std[ch]*float32(rng.NormFloat64())
	}
	attention := make([]float32, batchSize*numPatches)
	masked := make([]float32, batchSize*numPatches)
	numText := make([]int, batchSize)
	labels := make([]int32, batchSize)
	for b := range batchSize {
		numText[b] = 1 + rng.IntN(numPatches)
		for p := range numText[b] {
			attention[b*numPatches+p] = 1
		}
		numMasked := int(math.Round(*flagMaskRatio * float64(numText[b])))
		for _, p := range rng.Perm(numText[b])[:numMasked] {
			masked[b*numPatches+p] = 1
		}
		if numLabels := m.BackboneConfig().NumLabels; numLabels > 0 {
			labels[b] = int32(rng.IntN(numLabels))
		}
	}
	return latentgraph.FromValue(
		tensors.FromFlatDataAndDimensions(values, batchSize, size.Channels, size.Height, size.Width),
		space, size.PatchSize(), latentgraph.Metadata{
			AttentionMask:  tensors.FromFlatDataAndDimensions(attention, batchSize, numPatches),
			PatchMask:      tensors.FromFlatDataAndDimensions(masked, batchSize, numPatches),
			NumTextPatches: numText,
			Labels:         tensors.FromValue(labels),
		})
}
