// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microflow/pkg/mferrors"
	"microflow/pkg/task"
)

func TestApply_ShallowLastWriterWins(t *testing.T) {
	base := task.Context{"a": 1, "items": []any{1, 2}}
	delta := task.Context{"items": []any{3}, "b": 2}

	out := Apply(base, delta)
	assert.Equal(t, []any{3}, out["items"])
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
}

func TestApply_DoesNotMutateBase(t *testing.T) {
	base := task.Context{"a": 1}
	delta := task.Context{"a": 2}

	_ = Apply(base, delta)
	assert.Equal(t, 1, base["a"])
}

func TestSnapshot_RoundTripsValues(t *testing.T) {
	ctx := task.Context{"n": 1, "s": "hi"}
	snap, err := Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap["n"])
	assert.Equal(t, "hi", snap["s"])
}

func TestSnapshot_NilBecomesEmptyMap(t *testing.T) {
	snap, err := Snapshot(nil)
	require.NoError(t, err)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestSnapshot_RejectsNonSerializable(t *testing.T) {
	ctx := task.Context{"fn": func() {}}
	_, err := Snapshot(ctx)
	assert.Error(t, err)
}

func TestValidate_NilDeltaIsFine(t *testing.T) {
	assert.NoError(t, Validate("t", nil))
}

func TestValidate_RejectsNonSerializable(t *testing.T) {
	err := Validate("t", task.Context{"fn": func() {}})
	require.Error(t, err)
	var serErr *mferrors.SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "t", serErr.Task)
}
