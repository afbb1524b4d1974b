// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package state_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/xfuse/params"
	"github.com/gomlx/xfuse/session"
	. "github.com/gomlx/xfuse/state"
)

// denseModule is a minimal Module for the tests: two parameters and a
// training flag.
type denseModule struct {
	weight, bias *context.Variable
	training     bool
	attachCount  int
}

func (m *denseModule) AttachTo(ctx *context.Context) {
	m.attachCount++
	m.weight = ctx.VariableWithValue("weight", [][]float32{{1, 2}, {3, 4}})
	m.bias = ctx.VariableWithValue("bias", []float32{0, 0})
}

func (m *denseModule) SetTraining(training bool) { m.training = training }

// panicMessage runs fn, which must panic, and returns the panic message.
func panicMessage(t *testing.T, fn func()) (msg string) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		msg = fmt.Sprint(r)
	}()
	fn()
	return
}

func TestGetModuleCreatesOnce(t *testing.T) {
	Reset()
	ctorCalls := 0
	ctor := func() Module { ctorCalls++; return &denseModule{} }
	m1 := GetModule("net", ctor)
	m2 := GetModule("net", ctor)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, ctorCalls)
	dense := m1.(*denseModule)
	assert.Equal(t, 2, dense.attachCount)
	assert.True(t, dense.training)
	_, found := params.Active().Param("net/weight")
	assert.True(t, found)
}

func TestGetModuleMissing(t *testing.T) {
	Reset()
	msg := panicMessage(t, func() { GetModule("decoder", nil) })
	assert.Contains(t, msg, `module "decoder" does not exist`)
}

func TestGetParamCreatesOnce(t *testing.T) {
	initCalls := 0
	init := func() *tensors.Tensor {
		initCalls++
		return tensors.FromValue([]float32{1, 2})
	}
	p1 := GetParam("test_w", init)
	p2 := GetParam("test_w", init)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, initCalls)
}

func TestGetParamMissing(t *testing.T) {
	msg := panicMessage(t, func() { GetParam("test_absent", nil) })
	assert.Contains(t, msg, `parameter "test_absent" does not exist`)
}

func TestEvalDetachesParams(t *testing.T) {
	live := GetParam("test_detach", func() *tensors.Tensor {
		return tensors.FromValue([]float32{7, 7})
	})

	sess := session.New().With(EvalItemName, true).Enter()
	detached := GetParam("test_detach", nil)
	sess.Exit()

	require.NotSame(t, live, detached)
	assert.True(t, live.Equal(detached))

	require.NoError(t, tensors.MutableFlatData(detached, func(flat []float32) { flat[0] = 99 }))
	assert.False(t, live.Equal(detached), "mutating the detached copy must not touch the store")

	stored := GetParam("test_detach", nil)
	assert.Same(t, live, stored)
	require.NoError(t, tensors.ConstFlatData(stored, func(flat []float32) {
		assert.Equal(t, float32(7), flat[0])
	}))
}

func TestEvalSwitchesModules(t *testing.T) {
	Reset()
	sess := session.New().With(EvalItemName, true).Enter()
	m := GetModule("eval_net", func() Module { return &denseModule{} }).(*denseModule)
	assert.False(t, m.training)
	sess.Exit()

	GetModule("eval_net", nil)
	assert.True(t, m.training)
}

func TestStoreSwapVisibleToBothLayers(t *testing.T) {
	Reset()
	fresh := params.NewStore()
	sess := session.New().With(params.ItemName, fresh).Enter()

	assert.Same(t, fresh, params.Active())

	GetParam("swap_w", func() *tensors.Tensor { return tensors.FromScalar(float32(1)) })
	_, found := fresh.Param("swap_w")
	assert.True(t, found, "getter must write through to the swapped store")
	_, found = params.Default().Param("swap_w")
	assert.False(t, found, "default store must not see the swapped-in parameter")

	sess.Exit()
	assert.Same(t, params.Default(), params.Active())
	require.Panics(t, func() { GetParam("swap_w", nil) })
}

func TestModuleFollowsStoreSwap(t *testing.T) {
	Reset()
	m := GetModule("roaming", func() Module { return &denseModule{} }).(*denseModule)
	inDefault := m.weight

	fresh := params.NewStore()
	sess := session.New().With(params.ItemName, fresh).Enter()
	GetModule("roaming", nil)
	assert.NotSame(t, inDefault, m.weight, "re-attach must bind variables in the swapped store")
	_, found := fresh.Param("roaming/weight")
	assert.True(t, found)
	sess.Exit()

	GetModule("roaming", nil)
	assert.Same(t, inDefault, m.weight)
}

func TestEvalPropagatesTrainingParam(t *testing.T) {
	training := func() bool {
		return context.GetParamOr(params.Active().Context(), context.GraphParamIsTraining, true)
	}
	assert.True(t, training())

	sess := session.New().With(EvalItemName, true).Enter()
	assert.False(t, training())

	fresh := params.NewStore()
	inner := session.New().With(params.ItemName, fresh).Enter()
	assert.False(t, training(), "freshly swapped store must inherit the eval flag")
	inner.Exit()

	sess.Exit()
	assert.True(t, training())
}

func TestSavedStateRestore(t *testing.T) {
	dir := t.TempDir()
	seed := params.NewStore()
	require.NoError(t, seed.AttachCheckpoint(dir, 0))
	seed.ParamWithInit("restored_w", func() *tensors.Tensor {
		return tensors.FromScalar(float32(42))
	})
	require.NoError(t, seed.Save())

	fresh := params.NewStore()
	require.NoError(t, fresh.AttachCheckpoint(dir, 0))
	sess := session.New().With(params.ItemName, fresh).Enter()
	defer sess.Exit()

	initCalls := 0
	got := GetParam("restored_w", func() *tensors.Tensor {
		initCalls++
		return tensors.FromScalar(float32(0))
	})
	assert.Zero(t, initCalls, "saved state wins over the init thunk")
	assert.True(t, got.Equal(tensors.FromScalar(float32(42))))
}

func TestModulesListing(t *testing.T) {
	Reset()
	GetModule("b_mod", func() Module { return &denseModule{} })
	GetModule("a_mod", func() Module { return &denseModule{} })
	assert.Equal(t, []string{"a_mod", "b_mod"}, Modules())
	Reset()
	assert.Empty(t, Modules())
}
