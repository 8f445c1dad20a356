package helpers

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultValue(t *testing.T) {
	r := NewValueResult("text")
	require.True(t, r.Ok())
	v, err := r.Value()
	require.NoError(t, err)
	assert.Equal(t, "text", v)
	assert.Equal(t, "text", r.ValueOr("other"))
}

func TestResultError(t *testing.T) {
	boom := errors.New("boom")
	r := NewErrorResult[string](boom)
	require.False(t, r.Ok())
	assert.Equal(t, boom, r.Error())
	assert.Equal(t, "fallback", r.ValueOr("fallback"))
}

func TestMapResult(t *testing.T) {
	upper := MapResult(NewValueResult("abc"), strings.ToUpper)
	assert.Equal(t, "ABC", upper.ValueOr(""))

	boom := errors.New("boom")
	failed := MapResult(NewResult("", boom), strings.ToUpper)
	assert.False(t, failed.Ok())
	assert.ErrorIs(t, failed.Error(), boom)
}
