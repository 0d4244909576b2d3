// Package ml holds the GoMLX plumbing shared by the coder and the backbones: the backend singleton,
// error-returning execution and helpers to manipulate groups of variables by scope.
package ml

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
	"strings"
	"sync"
)

// Backend is a singleton, the same for all models and coders.
var Backend = sync.OnceValue(func() backends.Backend {
	b := backends.New()
	klog.V(1).Infof("GoMLX backend: %s", b.Name())
	return b
})

// Executor is implemented by both graph.Exec and context.Exec.
type Executor interface {
	Call(args ...any) []*tensors.Tensor
}

// Call executes exec with the given arguments, converting any panic raised while building or running
// the computation graph into an error.
func Call(exec Executor, args ...any) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(args...)
	})
	return
}

// InScope returns whether scope is the same as or nested under prefix.
// Both are absolute scope paths, like "/vit/embeddings".
func InScope(scope, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, context.ScopeSeparator)
	if prefix == "" {
		return true
	}
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

// VariablesInScopes returns the variables of ctx living under any of the given scopes.
func VariablesInScopes(ctx *context.Context, scopes ...string) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		for _, scope := range scopes {
			if InScope(v.Scope(), scope) {
				vars = append(vars, v)
				return
			}
		}
	})
	return vars
}

// DeleteScopes removes from ctx every variable under the given scopes, and returns how many were removed.
// Variables are re-created (with freshly initialized values) the next time a graph uses them.
func DeleteScopes(ctx *context.Context, scopes ...string) int {
	vars := VariablesInScopes(ctx, scopes...)
	for _, v := range vars {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	return len(vars)
}

// TrainableSnapshot returns a copy of the values of all trainable variables, indexed by their full path.
func TrainableSnapshot(ctx *context.Context) map[string]any {
	snapshot := make(map[string]any)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || v.Value() == nil {
			return
		}
		snapshot[VariablePath(v)] = v.Value().Value()
	})
	return snapshot
}

// VariablePath returns scope and name of the variable joined as one path.
func VariablePath(v *context.Variable) string {
	scope := v.Scope()
	if !strings.HasSuffix(scope, context.ScopeSeparator) {
		scope += context.ScopeSeparator
	}
	return scope + v.Name()
}
