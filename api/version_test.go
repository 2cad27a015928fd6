package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseApiVersion(t *testing.T) {
	v, err := ParseApiVersion("2019-01-30")
	require.NoError(t, err)
	assert.True(t, v.Equal(V2019_01_30))
	assert.Equal(t, "2019-01-30", v.String())

	_, err = ParseApiVersion("")
	assert.ErrorIs(t, err, ErrMissingApiVersion)

	_, err = ParseApiVersion("2019-01-31")
	assert.ErrorIs(t, err, ErrUnknownApiVersion)

	_, err = ParseApiVersion("yesterday")
	assert.ErrorIs(t, err, ErrUnknownApiVersion)
}

func TestApiVersionOrdering(t *testing.T) {
	for i := 1; i < len(KnownVersions); i++ {
		assert.Equal(t, 1, KnownVersions[i].Compare(KnownVersions[i-1]))
		assert.True(t, KnownVersions[i].AtLeast(KnownVersions[i-1]))
		assert.False(t, KnownVersions[i-1].AtLeast(KnownVersions[i]))
	}
	assert.True(t, V2018_06_28.AtLeast(V2018_06_28))
	assert.True(t, ApiVersion{}.IsZero())
}
