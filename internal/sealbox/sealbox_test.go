package sealbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box := New("token-key")
	sealed, err := box.Seal("access-token-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, prefix))
	assert.NotContains(t, sealed, "access-token-123")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "access-token-123", opened)
}

func TestSealUsesFreshNonce(t *testing.T) {
	box := New("token-key")
	a, err := box.Seal("same")
	require.NoError(t, err)
	b, err := box.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	sealed, err := New("one").Seal("secret")
	require.NoError(t, err)
	_, err = New("two").Open(sealed)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestNilBoxPassesThrough(t *testing.T) {
	var box *Box = New("  ")
	assert.Nil(t, box)
	sealed, err := box.Seal("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", sealed)
	opened, err := box.Open("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", opened)

	_, err = box.Open(prefix + "abc")
	assert.ErrorIs(t, err, ErrOpen)
}

func TestEmptyValueStaysEmpty(t *testing.T) {
	box := New("k")
	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Equal(t, "", sealed)
}

func TestOpenRejectsGarbage(t *testing.T) {
	box := New("k")
	_, err := box.Open(prefix + "!!!")
	assert.ErrorIs(t, err, ErrOpen)
	_, err = box.Open(prefix + "AAAA")
	assert.ErrorIs(t, err, ErrOpen)
}
