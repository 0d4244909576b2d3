package latentmodel

import (
	"fmt"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/latentgraph"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// LatentSize is the working geometry of a task: rendered text is a single row of Height x Height patches,
// Width wide, with Channels channels (in latent space if the model has a coder, pixels otherwise).
type LatentSize struct {
	Channels, Height, Width int
}

// ParseLatentSize parses "CxHxW", e.g. "3x16x8464".
func ParseLatentSize(s string) (LatentSize, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 3 {
		return LatentSize{}, errors.Errorf("invalid latent size %q, expected CxHxW", s)
	}
	var dims [3]int
	for ii, part := range parts {
		var err error
		dims[ii], err = strconv.Atoi(part)
		if err != nil {
			return LatentSize{}, errors.Wrapf(err, "invalid latent size %q", s)
		}
	}
	size := LatentSize{Channels: dims[0], Height: dims[1], Width: dims[2]}
	return size, size.Validate()
}

// String implements fmt.Stringer, in the format accepted by ParseLatentSize.
func (s LatentSize) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// Validate returns an error if the width is not a whole number of patches.
func (s LatentSize) Validate() error {
	if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
		return errors.Errorf("invalid latent size %s", s)
	}
	if s.Width%s.Height != 0 {
		return errors.Errorf("latent size %s: width is not a multiple of the patch size %d", s, s.Height)
	}
	return nil
}

// PatchSize is the height (and width) of each patch.
func (s LatentSize) PatchSize() int { return s.Height }

// NumPatches per example.
func (s LatentSize) NumPatches() int { return s.Width / s.Height }

// Native layout of the patches: a single row.
func (s LatentSize) Native() latentgraph.Layout {
	return latentgraph.Layout{Rows: 1, Cols: s.NumPatches()}
}

// BackboneLayout is the layout of the patches fed to the backbone: square when the number of patches is
// a perfect square, the native row otherwise.
func (s LatentSize) BackboneLayout() latentgraph.Layout {
	n := s.NumPatches()
	side := 1
	for (side+1)*(side+1) <= n {
		side++
	}
	if side*side == n {
		return latentgraph.Layout{Rows: side, Cols: side}
	}
	return s.Native()
}

// ApplyTo overrides the geometry of the backbone config (image size, patch size and channels) to match s.
func (s LatentSize) ApplyTo(cfg *backbone.Config) {
	layout := s.BackboneLayout()
	cfg.PatchSize = s.Height
	cfg.NumChannels = s.Channels
	cfg.ImageHeight = layout.Rows * s.Height
	cfg.ImageWidth = layout.Cols * s.Height
}
