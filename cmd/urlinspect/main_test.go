package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHexPK = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestParseFeedURLBareHex(t *testing.T) {
	pk, err := parseFeedURL(testHexPK)
	require.NoError(t, err)
	assert.Equal(t, testHexPK, pk.String())
}

func TestParseFeedURLDatScheme(t *testing.T) {
	pk, err := parseFeedURL("dat://" + testHexPK)
	require.NoError(t, err)
	assert.Equal(t, testHexPK, pk.String())
}

func TestParseFeedURLDatSchemeWithTrailingSlash(t *testing.T) {
	pk, err := parseFeedURL("dat://" + testHexPK + "/")
	require.NoError(t, err)
	assert.Equal(t, testHexPK, pk.String())
}

func TestParseFeedURLRejectsOtherScheme(t *testing.T) {
	_, err := parseFeedURL("https://" + testHexPK)
	assert.Error(t, err)
}

func TestParseFeedURLRejectsBadHex(t *testing.T) {
	_, err := parseFeedURL("not-hex")
	assert.Error(t, err)
}
