// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package state provides name-based lazy getters for trainable modules and
// parameters, layered on the active parameter store.
//
// GetParam and GetModule look names up in the active store and the
// process-wide module registry, creating the entry on a miss from the
// caller's constructor thunk; a missing name with no constructor is a fatal
// error naming the missing entry. Saved state attached to the store is
// honored when a parameter is first created.
//
// The "eval" session item switches the getters to evaluation mode: returned
// parameter values are detached copies, modules are set to evaluation
// behavior, and the store's "training" context param is cleared so GoMLX
// graph building sees the same flag.
package state

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/xfuse/params"
	"github.com/gomlx/xfuse/session"
)

// EvalItemName is the session item that switches the getters to evaluation
// mode. It defaults to false.
const EvalItemName = "eval"

// Module is a named bundle of trainable parameters living in a parameter
// store. Implementations usually hold the *context.Variable handles they
// bind in AttachTo and build their computation from them.
type Module interface {
	// AttachTo binds the module's parameters to variables under the given
	// context's scope, creating them when missing. It is called on every
	// fetch of the module, so for a fixed store it must be idempotent.
	AttachTo(ctx *context.Context)

	// SetTraining switches the module between training and evaluation
	// behavior.
	SetTraining(training bool)
}

var (
	mu      sync.Mutex
	modules = make(map[string]Module)

	// store is the getters' binding to the active parameter store. It is
	// rebound by the params swap hook whenever the "param_store" session item
	// changes, mirroring params.Active.
	store *params.Store
)

func init() {
	session.Register(EvalItemName, session.Item{
		Default: false,
		Setter:  func(value any) { applyTraining(!value.(bool)) },
	})
	params.OnSwap(func(st *params.Store) {
		mu.Lock()
		store = st
		mu.Unlock()
		applyTraining(!Eval())
	})
}

// boundStore returns the getters' current binding to the active store.
func boundStore() *params.Store {
	mu.Lock()
	defer mu.Unlock()
	return store
}

// applyTraining propagates the training flag to the bound store's context,
// where GoMLX graph building consults it.
func applyTraining(training bool) {
	st := boundStore()
	st.Context().SetParam(context.GraphParamIsTraining, training)
	klog.V(1).Infof("state: %s training=%v", st, training)
}

// Eval reports whether the "eval" session flag is set.
func Eval() bool {
	return session.Get[bool](EvalItemName)
}

// GetParam returns the value of the named parameter in the active store,
// creating it when missing from the value built by init. An existing value
// -- materialized earlier or restored from saved state attached to the store
// -- wins, and init is not invoked. With a nil init, a missing name panics
// with an error identifying it.
//
// In evaluation mode the returned tensor is a copy detached from the store;
// otherwise it is the live tensor backing the store variable, the same
// instance on repeated calls.
func GetParam(name string, init func() *tensors.Tensor) *tensors.Tensor {
	st := boundStore()
	var v *context.Variable
	if init == nil {
		var found bool
		v, found = st.Param(name)
		if !found {
			exceptions.Panicf("parameter %q does not exist", name)
		}
	} else {
		v = st.ParamWithInit(name, init)
	}
	value := v.MustValue()
	if Eval() {
		detached, err := value.LocalClone()
		if err != nil {
			panic(errors.WithMessagef(err, "detaching parameter %q", name))
		}
		return detached
	}
	return value
}

// GetModule returns the named module, constructing and registering it with
// ctor when it is not yet known. The cached module is returned on repeated
// calls. With a nil ctor, a missing name panics with an error identifying
// it.
//
// On every call the module is re-attached to the active store -- so its
// parameters follow session store swaps -- and its training mode is set from
// the "eval" session flag.
func GetModule(name string, ctor func() Module) Module {
	mu.Lock()
	mod, found := modules[name]
	mu.Unlock()
	if !found {
		if ctor == nil {
			exceptions.Panicf("module %q does not exist", name)
		}
		mod = ctor()
		mu.Lock()
		if cached, present := modules[name]; present {
			mod = cached
		} else {
			modules[name] = mod
		}
		mu.Unlock()
		klog.V(1).Infof("state: created module %q", name)
	}
	st := boundStore()
	mod.AttachTo(st.Scope(name))
	mod.SetTraining(!Eval())
	return mod
}

// Modules returns the sorted names of all registered modules.
func Modules() []string {
	mu.Lock()
	defer mu.Unlock()
	return xslices.SortedKeys(modules)
}

// Reset clears the module registry. Meant for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	clear(modules)
}
