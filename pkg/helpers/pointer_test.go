package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointers(t *testing.T) {
	f := Float64Pointer(0.7)
	require.NotNil(t, f)
	assert.Equal(t, 0.7, *f)

	i := IntPointer(512)
	require.NotNil(t, i)
	assert.Equal(t, 512, *i)

	// every call returns a fresh pointer
	assert.NotSame(t, IntPointer(1), IntPointer(1))
}
