package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("open-sesame")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.NotEqual(t, "open-sesame", hash)

	assert.True(t, CheckPassword("open-sesame", hash))
	assert.False(t, CheckPassword("wrong", hash))
	assert.False(t, CheckPassword("open-sesame", "not-a-bcrypt-hash"))
}
