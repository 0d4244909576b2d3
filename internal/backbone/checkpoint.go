package backbone

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/latentpixel/internal/generics"
	"github.com/janpfeifer/latentpixel/internal/ml"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"slices"
)

// LoadReport lists, by full variable path, what happened to each variable when loading a checkpoint.
type LoadReport struct {
	Dir string

	// Loaded variables had a matching shape and were copied.
	Loaded []string

	// Mismatched variables exist in both, with different shapes: they keep their fresh values.
	Mismatched []string

	// Missing variables are not in the checkpoint: they keep their fresh values.
	Missing []string

	// Unused variables of the checkpoint are not used by the backbone task.
	Unused []string

	// Skipped bookkeeping variables of the checkpoint, like the global step: they are not model parameters.
	Skipped []string
}

// isBookkeeping returns whether v is kept by the checkpoints or the training loop, rather than by the model.
func isBookkeeping(v *context.Variable) bool {
	return v.Scope() == context.RootScope && v.Name() == optimizers.GlobalStepVariableName
}

// Load builds a backbone for the task from the checkpoint in dir.
//
// The config is read from the checkpoint hyperparameters and then passed to override (if not nil), which
// is how callers adapt the geometry (image size, patch size, channels, labels) to their inputs.
// Checkpoint variables with the same scope, name and shape as the new backbone's are copied, the others
// keep their freshly initialized values. Mismatches are logged, not errors.
func Load(task Task, dir string, override func(cfg *Config)) (*Backbone, error) {
	loaded, _, err := ml.LoadContext(dir)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load backbone")
	}
	cfg, err := ConfigFromContext(loaded)
	if err != nil {
		return nil, errors.WithMessagef(err, "backbone checkpoint %q", dir)
	}
	if override != nil {
		override(&cfg)
	}
	b, err := New(task, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "backbone checkpoint %q", dir)
	}
	report := b.copyVariables(loaded)
	report.Dir = dir
	b.loadReport = report
	klog.V(1).Infof("%s loaded from %q: %d variables loaded, %d mismatched, %d missing, %d unused", b, dir,
		len(report.Loaded), len(report.Mismatched), len(report.Missing), len(report.Unused))
	return b, nil
}

// copyVariables copies the values of the variables of src whose scope, name and shape match.
func (b *Backbone) copyVariables(src *context.Context) *LoadReport {
	report := &LoadReport{}
	fresh := generics.MakeSet[string]()
	b.ctx.EnumerateVariables(func(v *context.Variable) {
		if !isBookkeeping(v) {
			fresh.Insert(ml.VariablePath(v))
		}
	})
	copied := generics.MakeSet[string]()
	src.EnumerateVariables(func(v *context.Variable) {
		path := ml.VariablePath(v)
		target := b.ctx.InspectVariable(v.Scope(), v.Name())
		switch {
		case isBookkeeping(v):
			report.Skipped = append(report.Skipped, path)
		case target == nil:
			report.Unused = append(report.Unused, path)
		case !target.Shape().Equal(v.Shape()):
			klog.Warningf("%s: variable %q has shape %s in the checkpoint but %s in the model, it is newly initialized",
				b, path, v.Shape(), target.Shape())
			report.Mismatched = append(report.Mismatched, path)
			copied.Insert(path)
		default:
			target.SetValue(v.Value())
			report.Loaded = append(report.Loaded, path)
			copied.Insert(path)
		}
	})
	report.Missing = slices.Collect(generics.SortedKeys(fresh.Sub(copied)))
	if len(report.Missing) > 0 {
		klog.Warningf("%s: %d variables not in the checkpoint are newly initialized: %q", b, len(report.Missing),
			report.Missing)
	}
	if len(report.Unused) > 0 {
		klog.V(1).Infof("%s: %d checkpoint variables not used: %q", b, len(report.Unused), report.Unused)
	}
	return report
}

// LoadReport of the checkpoint the backbone was loaded from, or nil if it was created from scratch.
func (b *Backbone) LoadReport() *LoadReport { return b.loadReport }

// Save the variables and hyperparameters of the backbone to dir, keeping the last KeepCheckpoints
// checkpoints.
//
// The directory must be empty (or not exist) the first time, so a backbone never mixes its checkpoints with
// the ones of another model: later saves to the same directory add new checkpoints.
func (b *Backbone) Save(dir string) error {
	if err := b.checkpoints.Save(dir, b.KeepCheckpoints); err != nil {
		return errors.WithMessagef(err, "failed to save %s", b)
	}
	return nil
}
