package ml

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"sync"
)

// LoadContext creates a new context with the variables and hyperparameters of the latest checkpoint in dir.
// The returned handler is attached to the context and can be used to save it back to dir.
func LoadContext(dir string) (*context.Context, *checkpoints.Handler, error) {
	if dir == "" {
		return nil, nil, errors.New("checkpoint directory not given")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "checkpoint %q", dir)
	}
	if !info.IsDir() {
		return nil, nil, errors.Errorf("checkpoint %q is not a directory", dir)
	}
	ctx := context.New()
	handler, err := buildHandler(ctx, dir, 0, true)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load checkpoint %q", dir)
	}
	return ctx, handler, nil
}

func buildHandler(ctx *context.Context, dir string, keep int, immediate bool) (handler *checkpoints.Handler, err error) {
	var buildErr error
	err = exceptions.TryCatch[error](func() {
		config := checkpoints.Build(ctx).Dir(dir)
		if immediate {
			config = config.Immediate()
		}
		if keep > 0 {
			config = config.Keep(keep)
		}
		handler, buildErr = config.Done()
	})
	if err == nil {
		err = buildErr
	}
	return
}

// Checkpoints saves one context to any number of directories, with one checkpoint handler per directory.
type Checkpoints struct {
	ctx      *context.Context
	mu       sync.Mutex
	handlers map[string]*checkpoints.Handler
}

// NewCheckpoints creates the savers for ctx.
func NewCheckpoints(ctx *context.Context) *Checkpoints {
	return &Checkpoints{ctx: ctx, handlers: make(map[string]*checkpoints.Handler)}
}

// Adopt registers the handler (attached to the same context) used to load the context from dir,
// so later saves to dir go through it.
func (c *Checkpoints) Adopt(dir string, handler *checkpoints.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[dir] = handler
}

// Save the context to dir, keeping the last keep checkpoints (all of them if keep <= 0).
//
// The first time a directory is used it must be empty or not exist, so the checkpoints of different
// models are never mixed.
func (c *Checkpoints) Save(dir string, keep int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	handler, found := c.handlers[dir]
	if !found {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to inspect checkpoint directory %q", dir)
		}
		if len(entries) > 0 {
			return errors.Errorf("can't save checkpoint to %q: directory not empty", dir)
		}
		handler, err = buildHandler(c.ctx, dir, keep, false)
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
		}
		c.handlers[dir] = handler
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint to %q", dir)
	}
	klog.V(1).Infof("Checkpoint saved to %q", dir)
	return nil
}
