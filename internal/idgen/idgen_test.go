package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscrowID(t *testing.T) {
	id := Escrow()
	require.True(t, strings.HasPrefix(id, PrefixEscrow))
	assert.Len(t, id, len(PrefixEscrow)+32)
	assert.True(t, HasPrefix(id, PrefixEscrow))
	assert.NotEqual(t, id, Escrow())
}

func TestAttemptKey(t *testing.T) {
	key := AttemptKey()
	assert.True(t, HasPrefix(key, PrefixAttempt), key)
	assert.Len(t, key, len(PrefixAttempt)+36)
}

func TestSecret(t *testing.T) {
	s := Secret(32)
	require.True(t, strings.HasPrefix(s, PrefixSigningToken))
	assert.Len(t, s, len(PrefixSigningToken)+64)
	assert.NotEqual(t, s, Secret(32))
}

func TestHasPrefix(t *testing.T) {
	assert.False(t, HasPrefix("esc_not-a-uuid", PrefixEscrow))
	assert.False(t, HasPrefix(WithPrefix(PrefixEvent), PrefixEscrow))
	assert.False(t, HasPrefix("", PrefixEscrow))
}
