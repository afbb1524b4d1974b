// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/xfuse/session"
)

// ItemName is the session item that selects the active store. Entering a
// session that sets it swaps the active store; leaving restores the
// previously effective one (the process default when no outer session sets
// it).
const ItemName = "param_store"

var (
	muActive     sync.Mutex
	defaultStore *Store
	active       *Store
	swapHooks    []func(*Store)
)

func init() {
	defaultStore = NewStore()
	active = defaultStore
	session.Register(ItemName, session.Item{
		Default: defaultStore,
		Setter: func(value any) {
			st, ok := value.(*Store)
			if !ok {
				exceptions.Panicf("session item %q must be set to a *params.Store, got %T", ItemName, value)
			}
			setActive(st)
		},
	})
}

// Default returns the process-default store: the one active when no entered
// session sets the "param_store" item.
func Default() *Store {
	muActive.Lock()
	defer muActive.Unlock()
	return defaultStore
}

// Active returns the store currently selected by the "param_store" session
// item.
func Active() *Store {
	muActive.Lock()
	defer muActive.Unlock()
	return active
}

// OnSwap registers fn to run whenever the active store changes, and runs it
// once immediately with the current store. Hooks let other layers keep their
// own binding to the active store in step with session enters and exits.
func OnSwap(fn func(*Store)) {
	muActive.Lock()
	swapHooks = append(swapHooks, fn)
	st := active
	muActive.Unlock()
	fn(st)
}

func setActive(st *Store) {
	muActive.Lock()
	active = st
	hooks := slices.Clone(swapHooks)
	muActive.Unlock()
	klog.V(1).Infof("params: active store is now %s", st)
	for _, fn := range hooks {
		fn(st)
	}
}
