package prng

import (
	"bytes"
	"io"
	"testing"

	faker "github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderIsDeterministic(t *testing.T) {
	a, b := make([]byte, 21), make([]byte, 21)
	_, err := io.ReadFull(New(7), a)
	require.NoError(t, err)
	_, err = io.ReadFull(New(7), b)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, bytes.Equal(a, make([]byte, 21)))

	c := make([]byte, 21)
	_, _ = io.ReadFull(New(8), c)
	assert.NotEqual(t, a, c)
}

func TestSeed(t *testing.T) {
	t.Setenv(SeedEnv, "")
	assert.Equal(t, int64(42), Seed(t, 42))

	t.Setenv(SeedEnv, "1337")
	assert.Equal(t, int64(1337), Seed(t, 42))
}

func TestSeedFaker(t *testing.T) {
	t.Setenv(SeedEnv, "")
	SeedFaker(t, 1234)
	first := faker.UUIDHyphenated()
	SeedFaker(t, 1234)
	assert.Equal(t, first, faker.UUIDHyphenated())
}
