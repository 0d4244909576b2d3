package coder

import (
	"github.com/chewxy/math32"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"slices"
)

// Stats holds the per-channel mean and standard deviation of the latents produced by an encoder.
type Stats struct {
	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`
}

// Channels is the number of latent channels.
func (s Stats) Channels() int { return len(s.Mean) }

// Clone returns a deep copy.
func (s Stats) Clone() Stats {
	return Stats{Mean: slices.Clone(s.Mean), Std: slices.Clone(s.Std)}
}

// Validate returns an error if the stats are empty, of different lengths, or have a non-positive std.
func (s Stats) Validate() error {
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Std) {
		return errors.Errorf("latent stats need the same (non-zero) number of means and stds, got %d and %d",
			len(s.Mean), len(s.Std))
	}
	for ii, std := range s.Std {
		if !(std > 0) || math32.IsInf(std, 0) {
			return errors.Errorf("latent stats std of channel %d is invalid: %g", ii, std)
		}
		if math32.IsNaN(s.Mean[ii]) || math32.IsInf(s.Mean[ii], 0) {
			return errors.Errorf("latent stats mean of channel %d is invalid: %g", ii, s.Mean[ii])
		}
	}
	return nil
}

// checkShape returns ErrShape if x is not float32 shaped [batch, channels, height, width], with one
// channel per stats entry.
func (s Stats) checkShape(x *tensors.Tensor) error {
	if x == nil {
		return errors.Wrap(latentgraph.ErrShape, "latent stats can't be applied to a nil tensor")
	}
	shape := x.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[1] != s.Channels() {
		return errors.Wrapf(latentgraph.ErrShape, "latent stats for %d channels can't be applied to %s",
			s.Channels(), shape)
	}
	return nil
}

// NormalizeGraph returns (x - mean) / std, per channel. x is shaped [batch, channels, height, width].
func (s Stats) NormalizeGraph(x *Node) *Node {
	mean, std := s.constants(x)
	return Div(Sub(x, mean), std)
}

// DenormalizeGraph returns x * std + mean, per channel: the inverse of NormalizeGraph.
func (s Stats) DenormalizeGraph(x *Node) *Node {
	mean, std := s.constants(x)
	return Add(Mul(x, std), mean)
}

// constants returns mean and std broadcast to the shape of x.
func (s Stats) constants(x *Node) (mean, std *Node) {
	g := x.Graph()
	dims := x.Shape().Dimensions
	broadcast := func(values []float32) *Node {
		n := Reshape(Const(g, values), 1, s.Channels(), 1, 1)
		return BroadcastToDims(ConvertDType(n, x.DType()), dims...)
	}
	return broadcast(s.Mean), broadcast(s.Std)
}

// ComputeStats returns the per-channel mean and standard deviation of the given latent batches,
// all float32 shaped [batch, channels, height, width] with the same number of channels.
// Channels with zero variance get std 1.
func ComputeStats(latents ...*tensors.Tensor) (Stats, error) {
	if len(latents) == 0 {
		return Stats{}, errors.New("no latents to compute stats from")
	}
	if err := checkLatents(latents[0], -1); err != nil {
		return Stats{}, err
	}
	channels := latents[0].Shape().Dimensions[1]
	sums := make([]float64, channels)
	sumsSquared := make([]float64, channels)
	counts := make([]int, channels)
	for _, batch := range latents {
		if err := checkLatents(batch, channels); err != nil {
			return Stats{}, err
		}
		shape := batch.Shape()
		planeSize := shape.Dimensions[2] * shape.Dimensions[3]
		for ii, v := range tensors.CopyFlatData[float32](batch) {
			c := (ii / planeSize) % channels
			sums[c] += float64(v)
			sumsSquared[c] += float64(v) * float64(v)
			counts[c]++
		}
	}
	stats := Stats{Mean: make([]float32, channels), Std: make([]float32, channels)}
	for c := range channels {
		if counts[c] == 0 {
			return Stats{}, errors.New("latents have no values")
		}
		mean := sums[c] / float64(counts[c])
		variance := float32(sumsSquared[c]/float64(counts[c]) - mean*mean)
		stats.Mean[c] = float32(mean)
		stats.Std[c] = math32.Sqrt(max(variance, 0))
		if stats.Std[c] < 1e-6 {
			stats.Std[c] = 1
		}
	}
	return stats, nil
}

// checkLatents returns ErrShape if latents is not float32 shaped [batch, channels, height, width].
// Any number of channels is accepted if channels < 0.
func checkLatents(latents *tensors.Tensor, channels int) error {
	if latents == nil {
		return errors.Wrap(latentgraph.ErrShape, "nil latents")
	}
	shape := latents.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || (channels >= 0 && shape.Dimensions[1] != channels) {
		return errors.Wrapf(latentgraph.ErrShape, "latents shaped %s, expected float32 [batch, %d, height, width]",
			shape, channels)
	}
	return nil
}

// LoadStats reads stats from a YAML file.
func LoadStats(path string) (Stats, error) {
	var stats Stats
	contents, err := os.ReadFile(path)
	if err != nil {
		return stats, errors.Wrapf(err, "failed to read latent stats from %q", path)
	}
	if err := yaml.Unmarshal(contents, &stats); err != nil {
		return stats, errors.Wrapf(err, "failed to parse latent stats from %q", path)
	}
	if err := stats.Validate(); err != nil {
		return stats, errors.WithMessagef(err, "latent stats in %q", path)
	}
	return stats, nil
}

// Save the stats to a YAML file.
func (s Stats) Save(path string) error {
	contents, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to serialize latent stats")
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write latent stats to %q", path)
	}
	return nil
}
