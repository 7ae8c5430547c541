package dtype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanCast(t *testing.T) {
	ok, err := CanCast(Int32, Int64, CastSafe)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CanCast(Int64, Float64, CastSafe)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CanCast(Int16, Int8, CastSafe)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CanCast(Int16, Int8, CastSameKind)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CanCast(Int16, Int8, CastUnsafe)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CanCast(Int16, Int8, CastNo)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteTypes(t *testing.T) {
	got, err := PromoteTypes(Uint8, Uint8)
	require.NoError(t, err)
	assert.Equal(t, Uint8, got)

	got, err = PromoteTypes(Int8, Uint8)
	require.NoError(t, err)
	assert.Equal(t, Int16, got)

	got, err = PromoteTypes(Int8, Float32)
	require.NoError(t, err)
	assert.Equal(t, Float32, got)

	// Symmetric.
	got2, err := PromoteTypes(Float32, Int8)
	require.NoError(t, err)
	assert.Equal(t, got, got2)
}

func TestPromoteTypesInvalid(t *testing.T) {
	_, err := PromoteTypes(DType(200), Float64)
	require.Error(t, err)
}
