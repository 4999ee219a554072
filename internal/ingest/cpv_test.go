package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCPV(t *testing.T) {
	assert.Equal(t, "45233142", normalizeCPV("45233142-6"))
	assert.Equal(t, "45233142", normalizeCPV("452331426789"))
	assert.Equal(t, "4523", normalizeCPV("4523"))
	assert.Equal(t, "", normalizeCPV("no digits"))
	assert.Equal(t, "", normalizeCPV(""))
}

func TestDeriveCPVPrefixesPrincipal(t *testing.T) {
	p4, p6, secondary := deriveCPVPrefixes("45233142-6", "")
	require.NotNil(t, p4)
	require.NotNil(t, p6)
	assert.Equal(t, int64(4523), *p4)
	assert.Equal(t, int64(452331), *p6)
	assert.Empty(t, secondary)
}

func TestDeriveCPVPrefixesSecondary(t *testing.T) {
	p4, p6, secondary := deriveCPVPrefixes("", "45233142-6; 33600000-6 ;bad; 1234")
	assert.Nil(t, p4)
	assert.Nil(t, p6)
	assert.Equal(t, []int64{452331, 336000}, secondary)
}

func TestDeriveCPVPrefixesTooShort(t *testing.T) {
	p4, p6, secondary := deriveCPVPrefixes("4523", "45")
	assert.Nil(t, p4)
	assert.Nil(t, p6)
	assert.Empty(t, secondary)
}
