package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesWellFormedID(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	prefix := "-" + ClientID + ClientVersion + "-"
	assert.Equal(t, prefix, string(id[:len(prefix)]))
	for _, b := range id[len(prefix):] {
		assert.True(t, b >= '0' && b <= '9', "expected digit, got %q", b)
	}
}

func TestNewProducesDistinctIDs(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
