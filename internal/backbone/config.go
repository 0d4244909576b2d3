package backbone

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/pkg/errors"
)

// Config of the backbone. It is stored as hyperparameters of the model context, so it is saved and restored
// along with the checkpoints.
type Config struct {
	ImageHeight, ImageWidth int
	PatchSize               int
	NumChannels             int

	HiddenSize        int
	NumHiddenLayers   int
	NumAttentionHeads int
	IntermediateSize  int

	DecoderHiddenSize        int
	DecoderNumHiddenLayers   int
	DecoderNumAttentionHeads int
	DecoderIntermediateSize  int

	// NumLabels of the classifier head. If 1 the head is a regression trained with mean squared error.
	NumLabels int

	// MaskRatio is the fraction of valid patches masked in ModeRandom.
	MaskRatio float64

	// NormPixLoss normalizes each target patch (zero mean, unit variance) before computing the reconstruction loss.
	NormPixLoss bool

	LayerNormEpsilon float64
}

// Hyperparameter keys used to store Config in the context.
const (
	ParamImageHeight              = "image_height"
	ParamImageWidth               = "image_width"
	ParamPatchSize                = "patch_size"
	ParamNumChannels              = "num_channels"
	ParamHiddenSize               = "hidden_size"
	ParamNumHiddenLayers          = "num_hidden_layers"
	ParamNumAttentionHeads        = "num_attention_heads"
	ParamIntermediateSize         = "intermediate_size"
	ParamDecoderHiddenSize        = "decoder_hidden_size"
	ParamDecoderNumHiddenLayers   = "decoder_num_hidden_layers"
	ParamDecoderNumAttentionHeads = "decoder_num_attention_heads"
	ParamDecoderIntermediateSize  = "decoder_intermediate_size"
	ParamNumLabels                = "num_labels"
	ParamMaskRatio                = "mask_ratio"
	ParamNormPixLoss              = "norm_pix_loss"
	ParamLayerNormEpsilon         = "layer_norm_epsilon"
)

// DefaultConfig returns a small backbone over 32x32 RGB images split in 16x16 patches.
func DefaultConfig() Config {
	return Config{
		ImageHeight:              32,
		ImageWidth:               32,
		PatchSize:                16,
		NumChannels:              3,
		HiddenSize:               64,
		NumHiddenLayers:          2,
		NumAttentionHeads:        4,
		IntermediateSize:         128,
		DecoderHiddenSize:        32,
		DecoderNumHiddenLayers:   1,
		DecoderNumAttentionHeads: 4,
		DecoderIntermediateSize:  64,
		NumLabels:                2,
		MaskRatio:                0.25,
		NormPixLoss:              false,
		LayerNormEpsilon:         1e-6,
	}
}

// NumRows of the patch grid.
func (c Config) NumRows() int { return c.ImageHeight / c.PatchSize }

// NumCols of the patch grid.
func (c Config) NumCols() int { return c.ImageWidth / c.PatchSize }

// NumPatches per image.
func (c Config) NumPatches() int { return c.NumRows() * c.NumCols() }

// PatchDim is the number of values in one patch: patchSize*patchSize*channels.
func (c Config) PatchDim() int { return c.PatchSize * c.PatchSize * c.NumChannels }

// Validate returns an error if the config is inconsistent.
func (c Config) Validate() error {
	if c.PatchSize <= 0 || c.NumChannels <= 0 {
		return errors.Errorf("invalid patch size %d or number of channels %d", c.PatchSize, c.NumChannels)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 || c.ImageHeight%c.PatchSize != 0 || c.ImageWidth%c.PatchSize != 0 {
		return errors.Errorf("image size %dx%d is not a multiple of the patch size %d",
			c.ImageHeight, c.ImageWidth, c.PatchSize)
	}
	if err := validateStack("encoder", c.HiddenSize, c.NumHiddenLayers, c.NumAttentionHeads, c.IntermediateSize); err != nil {
		return err
	}
	if err := validateStack("decoder", c.DecoderHiddenSize, c.DecoderNumHiddenLayers, c.DecoderNumAttentionHeads,
		c.DecoderIntermediateSize); err != nil {
		return err
	}
	if c.NumLabels <= 0 {
		return errors.Errorf("num_labels must be >= 1, got %d", c.NumLabels)
	}
	if c.MaskRatio < 0 || c.MaskRatio > 1 {
		return errors.Errorf("mask_ratio must be in [0, 1], got %g", c.MaskRatio)
	}
	if c.LayerNormEpsilon <= 0 {
		return errors.Errorf("layer_norm_epsilon must be > 0, got %g", c.LayerNormEpsilon)
	}
	return nil
}

func validateStack(name string, hidden, layers, heads, intermediate int) error {
	if hidden <= 0 || layers < 0 || heads <= 0 || intermediate <= 0 {
		return errors.Errorf("invalid %s dimensions: hidden=%d, layers=%d, heads=%d, intermediate=%d",
			name, hidden, layers, heads, intermediate)
	}
	if hidden%heads != 0 {
		return errors.Errorf("%s hidden size %d is not divisible by the number of heads %d", name, hidden, heads)
	}
	// Sine/cosine positional encodings take half of the dimensions each.
	if hidden%2 != 0 {
		return errors.Errorf("%s hidden size %d must be even", name, hidden)
	}
	return nil
}

// SetParams writes the config as hyperparameters in the root scope of ctx.
func (c Config) SetParams(ctx *context.Context) {
	ctx.InAbsPath(context.RootScope).SetParams(map[string]any{
		ParamImageHeight:              c.ImageHeight,
		ParamImageWidth:               c.ImageWidth,
		ParamPatchSize:                c.PatchSize,
		ParamNumChannels:              c.NumChannels,
		ParamHiddenSize:               c.HiddenSize,
		ParamNumHiddenLayers:          c.NumHiddenLayers,
		ParamNumAttentionHeads:        c.NumAttentionHeads,
		ParamIntermediateSize:         c.IntermediateSize,
		ParamDecoderHiddenSize:        c.DecoderHiddenSize,
		ParamDecoderNumHiddenLayers:   c.DecoderNumHiddenLayers,
		ParamDecoderNumAttentionHeads: c.DecoderNumAttentionHeads,
		ParamDecoderIntermediateSize:  c.DecoderIntermediateSize,
		ParamNumLabels:                c.NumLabels,
		ParamMaskRatio:                c.MaskRatio,
		ParamNormPixLoss:              c.NormPixLoss,
		ParamLayerNormEpsilon:         c.LayerNormEpsilon,
	})
}

// ConfigFromContext reads the config from the hyperparameters of ctx.
// Missing values are taken from DefaultConfig.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	c := DefaultConfig()
	ints := []struct {
		key    string
		target *int
	}{
		{ParamImageHeight, &c.ImageHeight},
		{ParamImageWidth, &c.ImageWidth},
		{ParamPatchSize, &c.PatchSize},
		{ParamNumChannels, &c.NumChannels},
		{ParamHiddenSize, &c.HiddenSize},
		{ParamNumHiddenLayers, &c.NumHiddenLayers},
		{ParamNumAttentionHeads, &c.NumAttentionHeads},
		{ParamIntermediateSize, &c.IntermediateSize},
		{ParamDecoderHiddenSize, &c.DecoderHiddenSize},
		{ParamDecoderNumHiddenLayers, &c.DecoderNumHiddenLayers},
		{ParamDecoderNumAttentionHeads, &c.DecoderNumAttentionHeads},
		{ParamDecoderIntermediateSize, &c.DecoderIntermediateSize},
		{ParamNumLabels, &c.NumLabels},
	}
	for _, param := range ints {
		value, found, err := ml.IntParam(ctx, param.key)
		if err != nil {
			return c, err
		}
		if found {
			*param.target = value
		}
	}
	floats := []struct {
		key    string
		target *float64
	}{
		{ParamMaskRatio, &c.MaskRatio},
		{ParamLayerNormEpsilon, &c.LayerNormEpsilon},
	}
	for _, param := range floats {
		value, found, err := ml.FloatParam(ctx, param.key)
		if err != nil {
			return c, err
		}
		if found {
			*param.target = value
		}
	}
	if value, found := ctx.InAbsPath(context.RootScope).GetParam(ParamNormPixLoss); found {
		normPix, ok := value.(bool)
		if !ok {
			return c, errors.Errorf("hyperparameter %q has unexpected type %T", ParamNormPixLoss, value)
		}
		c.NormPixLoss = normPix
	}
	return c, nil
}
