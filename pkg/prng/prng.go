// Package prng provides reproducible randomness for tests that generate data
// with faker.
package prng

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"strconv"
	"testing"

	faker "github.com/go-faker/faker/v4"
)

// SeedEnv overrides the seed chosen by Seed.
const SeedEnv = "LIVEVIEW_SEED"

// Reader is a deterministic io.Reader backed by a math/rand RNG.
type Reader struct {
	r *rand.Rand
}

// New returns a new deterministic PRNG reader seeded by an integer.
func New(seed int64) io.Reader {
	return &Reader{r: rand.New(rand.NewSource(seed))}
}

// Read fills p with pseudorandom bytes.
func (r *Reader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], r.r.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}

// Seed picks the seed for a test run: LIVEVIEW_SEED when set, otherwise
// fallback, otherwise a random value. The seed is logged so a failing run
// can be replayed.
func Seed(tb testing.TB, fallback int64) int64 {
	tb.Helper()
	seed := fallback
	if s := os.Getenv(SeedEnv); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			tb.Fatalf("%s: %v", SeedEnv, err)
		}
		seed = v
	} else if seed == 0 {
		var b [8]byte
		_, _ = cryptorand.Read(b[:])
		seed = int64(binary.LittleEndian.Uint64(b[:]))
	}
	tb.Logf("%s=%d", SeedEnv, seed)
	return seed
}

// SeedFaker installs a deterministic source for faker and returns the seed.
func SeedFaker(tb testing.TB, fallback int64) int64 {
	tb.Helper()
	seed := Seed(tb, fallback)
	faker.SetCryptoSource(New(seed))
	return seed
}
