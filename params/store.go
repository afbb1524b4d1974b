// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params implements the parameter store: named trainable tensors
// backed by a GoMLX context.Context, with optional checkpoint-backed saved
// state that is consulted when a parameter is first looked up.
//
// A process-wide active store is selected by the "param_store" session item
// (see ItemName): entering a session that sets it swaps the active store for
// the session's extent, and leaving restores the previously effective one.
// The state package layers name-based lazy getters on top of the active
// store.
package params

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store is a named collection of trainable parameters backed by a GoMLX
// context. Parameter names map onto the context's scope and variable name:
// "w" is the variable "w" at the root scope, "encoder/w" is the variable "w"
// at scope "/encoder".
//
// Like the underlying context, a Store is not safe for concurrent building.
type Store struct {
	ctx        *context.Context
	checkpoint *checkpoints.Handler
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{ctx: context.New()}
}

// Context returns the store's underlying GoMLX context, at the root scope.
func (s *Store) Context() *context.Context { return s.ctx }

// splitName maps a parameter name to the context scope and variable name.
// It panics on names that cannot name a variable.
func splitName(name string) (scope, base string) {
	if name == "" ||
		strings.HasPrefix(name, context.ScopeSeparator) ||
		strings.HasSuffix(name, context.ScopeSeparator) ||
		strings.Contains(name, context.ScopeSeparator+context.ScopeSeparator) {
		exceptions.Panicf("invalid parameter name %q", name)
	}
	return context.SplitScope(context.RootScope + name)
}

// joinName is the inverse of splitName.
func joinName(scope, base string) string {
	return strings.TrimPrefix(context.JoinScope(scope, base), context.ScopeSeparator)
}

// Param returns the variable registered under name. Saved state attached
// with AttachCheckpoint is consulted before reporting absence, so a
// parameter present in the latest checkpoint is materialized and found.
func (s *Store) Param(name string) (*context.Variable, bool) {
	scope, base := splitName(name)
	v := s.ctx.GetVariableByScopeAndName(scope, base)
	if v == nil {
		return nil, false
	}
	return v, true
}

// ParamWithInit returns the variable registered under name, creating it when
// missing with the value built by init. An existing value -- materialized
// earlier or restored from attached saved state -- wins, and init is not
// invoked. Repeated calls with the same name return the same variable.
func (s *Store) ParamWithInit(name string, init func() *tensors.Tensor) *context.Variable {
	if v, found := s.Param(name); found {
		return v
	}
	scope, base := splitName(name)
	v := s.ctx.InAbsPath(scope).Checked(false).VariableWithValue(base, init())
	klog.V(1).Infof("params: created %q with shape %s", name, v.Shape())
	return v
}

// Scope returns the store's context scoped for the named module's
// parameters. The returned context tolerates variable reuse, so modules can
// bind their parameters on every fetch.
func (s *Store) Scope(name string) *context.Context {
	scope, base := splitName(name)
	return s.ctx.InAbsPath(context.JoinScope(scope, base)).Checked(false)
}

// Names returns the sorted names of all parameters materialized in the
// store. Parameters still pending in attached saved state are not listed.
func (s *Store) Names() []string {
	var names []string
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		names = append(names, joinName(v.Scope(), v.Name()))
	})
	slices.Sort(names)
	return names
}

// NumParams returns the number of parameters materialized in the store.
func (s *Store) NumParams() int { return s.ctx.NumVariables() }

// Memory returns the bytes held by the store's parameter values.
func (s *Store) Memory() uintptr { return s.ctx.Memory() }

// Delete removes the parameter from the store and from any attached saved
// state. Deleting a name that was never materialized is not an error.
func (s *Store) Delete(name string) error {
	scope, base := splitName(name)
	return s.ctx.DeleteVariable(scope, base)
}

// AttachCheckpoint attaches a checkpoint handler rooted at dir to the store,
// creating the directory when missing. Values saved by a previous run are
// from then on consulted whenever a parameter is first looked up, and Save
// writes new checkpoints. If keep > 0 only that many checkpoints are kept in
// dir, otherwise the GoMLX default applies.
func (s *Store) AttachCheckpoint(dir string, keep int) error {
	return s.attach(checkpoints.Build(s.ctx), dir, keep)
}

// LoadCheckpoint is like AttachCheckpoint, but fails when dir does not hold
// a previously saved checkpoint.
func (s *Store) LoadCheckpoint(dir string) error {
	return s.attach(checkpoints.Load(s.ctx), dir, 0)
}

func (s *Store) attach(config *checkpoints.Config, dir string, keep int) error {
	if s.checkpoint != nil {
		return errors.Errorf("store already has a checkpoint attached at %q", s.checkpoint.Dir())
	}
	config = config.Dir(dir)
	if keep > 0 {
		config = config.Keep(keep)
	}
	handler, err := config.Done()
	if err != nil {
		return errors.WithMessagef(err, "attaching checkpoint at %q", dir)
	}
	s.checkpoint = handler
	klog.V(1).Infof("params: attached checkpoint at %q", handler.Dir())
	return nil
}

// Save writes a new checkpoint with the store's current values. It fails if
// no checkpoint was attached.
func (s *Store) Save() error {
	if s.checkpoint == nil {
		return errors.Errorf("store has no checkpoint attached")
	}
	if err := s.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint at %q", s.checkpoint.Dir())
	}
	klog.V(1).Infof("params: saved checkpoint at %q", s.checkpoint.Dir())
	return nil
}

// Checkpoint returns the attached checkpoint handler, or nil.
func (s *Store) Checkpoint() *checkpoints.Handler { return s.checkpoint }

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("Store(%d parameters)", s.NumParams())
}
