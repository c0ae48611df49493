package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/crypto"
)

func TestBcryptHasher_RoundTrip(t *testing.T) {
	hasher := crypto.NewBcryptHasher()

	hash, err := hasher.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.NotContains(t, hash, "correct horse")

	assert.NoError(t, hasher.Compare(hash, "correct horse battery staple"))
	assert.ErrorIs(t, hasher.Compare(hash, "wrong password"), crypto.ErrPasswordMismatch)
}

func TestArgon2Hasher_RoundTrip(t *testing.T) {
	hasher := crypto.NewPasswordHasher(config.Config{
		HashAlgorithm: config.HashArgon2id,
		Argon2Memory:  8 * 1024,
		Argon2Time:    1,
		Argon2Threads: 2,
	})

	hash, err := hasher.Hash("hunter2hunter2")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	assert.NoError(t, hasher.Compare(hash, "hunter2hunter2"))
	assert.ErrorIs(t, hasher.Compare(hash, "hunter3hunter3"), crypto.ErrPasswordMismatch)
}

func TestArgon2Hasher_MalformedHash(t *testing.T) {
	hasher := crypto.NewPasswordHasher(config.Config{
		HashAlgorithm: config.HashArgon2id,
		Argon2Memory:  8 * 1024,
		Argon2Time:    1,
		Argon2Threads: 2,
	})

	assert.ErrorIs(t, hasher.Compare("not-a-hash", "whatever"), crypto.ErrPasswordMismatch)
	assert.ErrorIs(t, hasher.Compare("$bcrypt$nope", "whatever"), crypto.ErrPasswordMismatch)
}

func TestRandomToken_UniqueAndURLSafe(t *testing.T) {
	a, err := crypto.RandomToken(crypto.TokenBytes)
	require.NoError(t, err)
	b, err := crypto.RandomToken(crypto.TokenBytes)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, "=")
}

func TestHashToken_Deterministic(t *testing.T) {
	assert.Equal(t, crypto.HashToken("abc"), crypto.HashToken("abc"))
	assert.NotEqual(t, crypto.HashToken("abc"), crypto.HashToken("abd"))
	assert.Len(t, crypto.HashToken("abc"), 64)
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, crypto.SecureCompare("same", "same"))
	assert.False(t, crypto.SecureCompare("same", "different"))
	assert.False(t, crypto.SecureCompare("", "x"))
}
