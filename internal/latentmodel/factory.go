package latentmodel

import (
	"fmt"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/latentpixel/internal/backbone"
	"github.com/janpfeifer/latentpixel/internal/coder"
	"github.com/janpfeifer/latentpixel/internal/generics"
	"github.com/janpfeifer/latentpixel/internal/parameters"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
	"strings"
)

// Parameters read by New. The backbone architecture hyperparameters (see backbone.Param*) can be given as well.
const (
	ParamTask           = "task"
	ParamLatentSize     = "latent_size"
	ParamBackbone       = "backbone"
	ParamCoder          = "coder"
	ParamCoderStats     = "coder_stats"
	ParamInitConnection = "init_connection"
	ParamReplicas       = "replicas"
)

// New creates the model configured by params: consumed parameters are removed from it, and any parameter
// left over is an error.
//
//   - "task": "pretraining" (ForMLM, the default) or "classification" (ForClassification, requires "num_labels").
//   - "latent_size": CxHxW, required.
//   - "backbone": checkpoint to load the backbone from.
//   - "coder", "coder_stats": directory of a saved coder.PatchCoder and the YAML file with its latent stats.
//     Without a coder the model works in pixel space.
//   - "init_connection": re-initialize the connection layers after loading.
//   - "replicas": number of replicas to split batches across.
func New(params parameters.Params) (LatentModel, error) {
	taskName, _ := parameters.PopParamOr(params, ParamTask, backbone.TaskPretraining.String())
	task, err := backbone.TaskString(taskName)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s=%q, valid values are %q", ParamTask, taskName, backbone.TaskStrings())
	}
	var opts Options
	sizeStr, _ := parameters.PopParamOr(params, ParamLatentSize, "")
	if sizeStr == "" {
		return nil, errors.Errorf("parameter %q is required", ParamLatentSize)
	}
	if opts.LatentSize, err = ParseLatentSize(sizeStr); err != nil {
		return nil, err
	}
	opts.BackbonePath, _ = parameters.PopParamOr(params, ParamBackbone, "")
	if opts.InitConnectionLayers, err = parameters.PopParamOr(params, ParamInitConnection, false); err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", ParamInitConnection)
	}
	if opts.Replicas, err = parameters.PopParamOr(params, ParamReplicas, 1); err != nil {
		return nil, err
	}
	if opts.Coder, err = coderFromParams(params); err != nil {
		return nil, err
	}

	// Architecture hyperparameters, as a context, so they are parsed with the types of their defaults.
	ctx := context.New()
	defaults := backbone.DefaultConfig()
	defaults.SetParams(ctx)
	if err = extractParams(task.String(), params, ctx); err != nil {
		return nil, err
	}
	if opts.Architecture, err = backbone.ConfigFromContext(ctx); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		return nil, errors.Errorf("unknown parameters for latent model: %q", slices.Collect(generics.SortedKeys(params)))
	}

	var m LatentModel
	switch task {
	case backbone.TaskPretraining:
		m, err = NewForMLM(opts)
	case backbone.TaskClassification:
		m, err = NewForClassification(opts, opts.Architecture.NumLabels)
	default:
		err = errors.Errorf("task %s defined but not implemented", task)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created %s model for latent size %s", task, opts.LatentSize)
	return m, nil
}

// coderFromParams loads the coder, if one is configured.
func coderFromParams(params parameters.Params) (*coder.Coder, error) {
	dir, _ := parameters.PopParamOr(params, ParamCoder, "")
	statsPath, _ := parameters.PopParamOr(params, ParamCoderStats, "")
	if dir == "" {
		if statsPath != "" {
			return nil, errors.Errorf("%q given without %q", ParamCoderStats, ParamCoder)
		}
		return nil, nil
	}
	if statsPath == "" {
		return nil, errors.Errorf("%q requires %q with the latent stats", ParamCoder, ParamCoderStats)
	}
	p, err := coder.LoadPatchCoder(dir)
	if err != nil {
		return nil, err
	}
	stats, err := coder.LoadStats(statsPath)
	if err != nil {
		return nil, err
	}
	return p.Coder(stats)
}

// extractParams pops from params the root scope hyperparameters of ctx, parsed to the type of their current value.
func extractParams(modelName string, params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		if _, found := params[key]; !found {
			return
		}
		var value any
		var newErr error
		switch defaultValue := valueAny.(type) {
		case string:
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
		case int:
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
		case float64:
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
		case bool:
			value, newErr = parameters.PopParamOr(params, key, defaultValue)
		default:
			newErr = errors.Errorf("unknown type %T", defaultValue)
		}
		if newErr != nil {
			err = errors.WithMessagef(newErr, "parsing %q for %s model", key, modelName)
			return
		}
		ctx.SetParam(key, value)
	})
	return err
}

// ParamsHelp lists the parameters accepted by New, one per line.
func ParamsHelp() string {
	var sb strings.Builder
	for _, key := range []string{ParamTask, ParamLatentSize, ParamBackbone, ParamCoder, ParamCoderStats,
		ParamInitConnection, ParamReplicas} {
		sb.WriteString("\t" + key + "\n")
	}
	ctx := context.New()
	backbone.DefaultConfig().SetParams(ctx)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			fmt.Fprintf(&sb, "\t%s=%v\n", key, value)
		}
	})
	return sb.String()
}
