// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session implements named, stackable session-scoped values.
//
// Long-lived knobs of a training program -- the active parameter store, the
// evaluation flag -- are registered once as items, each with a default value
// and an optional setter. A Session overrides a subset of items for a
// dynamic extent: entering pushes it onto a process-wide stack and fires the
// setters of the items it sets with the newly effective values; leaving pops
// it and fires them again with the restored values. Lookup walks the stack
// innermost-outward and falls back to the item's default.
//
// Example:
//
//	sess := session.New().With("eval", true)
//	sess.Enter()
//	defer sess.Exit()
//
// Sessions are meant for single-threaded training programs. The package
// locks only its registries, so registration at init time and test
// interleavings are safe; setters are always invoked outside the lock.
package session

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// Item is a registered session-scoped value.
type Item struct {
	// Default is the effective value when no entered session sets the item.
	Default any

	// Setter, if not nil, is called with the newly effective value whenever a
	// session that sets the item is entered or left.
	Setter func(value any)
}

var (
	mu    sync.Mutex
	items = make(map[string]Item)
	stack []*Session
)

// Register defines a new session item under the given name. It panics if the
// name is already taken. Typically called from the init function of the
// package that owns the item.
func Register(name string, item Item) {
	mu.Lock()
	defer mu.Unlock()
	if _, found := items[name]; found {
		exceptions.Panicf("session item %q registered twice", name)
	}
	items[name] = item
}

// Registered returns the sorted names of all registered items.
func Registered() []string {
	mu.Lock()
	defer mu.Unlock()
	return xslices.SortedKeys(items)
}

// Get returns the effective value of the named item: the value set by the
// innermost entered session that sets it, or the item's default. It panics
// if the name was never registered or if the value is not a T.
func Get[T any](name string) T {
	mu.Lock()
	defer mu.Unlock()
	value := effectiveValueLocked(name)
	typed, ok := value.(T)
	if !ok {
		exceptions.Panicf("session item %q holds a value of type %T, requested as %T", name, value, typed)
	}
	return typed
}

func effectiveValueLocked(name string) any {
	item, found := items[name]
	if !found {
		exceptions.Panicf("session item %q does not exist", name)
	}
	for ii := len(stack) - 1; ii >= 0; ii-- {
		if value, set := stack[ii].values[name]; set {
			return value
		}
	}
	return item.Default
}

// Session is a set of item overrides whose dynamic extent is delimited by
// Enter and Exit.
type Session struct {
	values  map[string]any
	order   []string
	entered bool
}

// New creates an empty session. Values are added with With.
func New() *Session {
	return &Session{values: make(map[string]any)}
}

// With sets the item's value for the extent of the session and returns the
// session, so calls can be chained. It panics if the name was never
// registered or if the session was already entered.
func (s *Session) With(name string, value any) *Session {
	mu.Lock()
	defer mu.Unlock()
	if s.entered {
		exceptions.Panicf("session already entered, cannot set item %q", name)
	}
	if _, found := items[name]; !found {
		exceptions.Panicf("session item %q does not exist", name)
	}
	if _, dup := s.values[name]; !dup {
		s.order = append(s.order, name)
	}
	s.values[name] = value
	return s
}

// Enter pushes the session onto the stack and fires the setters of the items
// it sets with the newly effective values. It returns the session, so that
// `defer session.New().With(...).Enter().Exit()` works as a one-liner.
func (s *Session) Enter() *Session {
	mu.Lock()
	if s.entered {
		mu.Unlock()
		exceptions.Panicf("session entered twice")
	}
	s.entered = true
	stack = append(stack, s)
	fire := s.pendingSettersLocked()
	mu.Unlock()
	klog.V(1).Infof("session: entered, overriding %d item(s)", len(s.order))
	for _, setter := range fire {
		setter()
	}
	return s
}

// Exit pops the session from the stack and fires the setters of the items it
// set with the values effective after the pop. Sessions must exit in LIFO
// order: exiting a session that is not the innermost one panics.
func (s *Session) Exit() {
	mu.Lock()
	if len(stack) == 0 || stack[len(stack)-1] != s {
		mu.Unlock()
		exceptions.Panicf("session exited out of order")
	}
	stack = stack[:len(stack)-1]
	s.entered = false
	fire := s.pendingSettersLocked()
	mu.Unlock()
	klog.V(1).Infof("session: exited, restoring %d item(s)", len(s.order))
	for _, setter := range fire {
		setter()
	}
}

// pendingSettersLocked captures the setters of the items this session sets,
// each bound to the currently effective value, in the order the items were
// added to the session.
func (s *Session) pendingSettersLocked() []func() {
	fire := make([]func(), 0, len(s.order))
	for _, name := range s.order {
		item := items[name]
		if item.Setter == nil {
			continue
		}
		setter, value := item.Setter, effectiveValueLocked(name)
		fire = append(fire, func() { setter(value) })
	}
	return fire
}
