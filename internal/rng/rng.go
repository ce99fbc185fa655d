// Package rng provides the random number stream and the distribution
// kernel used by the generative models and the synthesizer.
//
// The stream comes from a Fortuna AES-256-CTR generator keyed from a
// 64-bit seed, which gives cryptographic strength while staying fully
// deterministic: two RNGs built from the same seed produce identical
// streams. Determinism is load-bearing: the generator output must be
// byte-for-byte reproducible for a fixed seed.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"os"
	"time"

	"github.com/maruel/fortuna"
)

// RNG is the process-wide random source. It is not safe for concurrent
// use; the engine runs its synthesis loop single-threaded.
type RNG struct {
	gen      io.Reader
	procSeed uint64
	saved    []io.Reader
}

// New returns an RNG keyed from seed.
func New(seed uint64) *RNG {
	r := &RNG{}
	r.Seed(seed)
	return r
}

func newGenerator(seed uint64) io.Reader {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seed)
	return fortuna.NewGenerator(sha256.New(), b[:])
}

// Seed re-keys the stream and records seed as the process seed.
func (r *RNG) Seed(seed uint64) {
	r.procSeed = seed
	r.gen = newGenerator(seed)
}

// ProcessSeed returns the seed the RNG was last keyed with via Seed.
func (r *RNG) ProcessSeed() uint64 { return r.procSeed }

// ResetToProcessSeed re-keys the stream with the recorded process seed.
func (r *RNG) ResetToProcessSeed() {
	r.gen = newGenerator(r.procSeed)
}

// PushSeed installs a temporary generator keyed from seed, saving the
// current stream untouched. Used by the seeded-noise protocol: noise for
// a given query key must be identical across callers, and the main
// stream must not observe that the noise was ever drawn.
func (r *RNG) PushSeed(seed uint64) {
	r.saved = append(r.saved, r.gen)
	r.gen = newGenerator(seed)
}

// PopSeed discards the temporary generator and restores the stream saved
// by the matching PushSeed.
func (r *RNG) PopSeed() {
	n := len(r.saved)
	if n == 0 {
		panic("rng: PopSeed without matching PushSeed")
	}
	r.gen = r.saved[n-1]
	r.saved = r.saved[:n-1]
}

// Uint64 returns the next 64 bits of the stream.
func (r *RNG) Uint64() uint64 {
	var b [8]byte
	if _, err := io.ReadFull(r.gen, b[:]); err != nil {
		panic("rng: generator read failed: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// Uniform returns a uniform double in (0, 1), both endpoints excluded
// by rejection.
func (r *RNG) Uniform() float64 {
	const mult = 1.0 / float64(math.MaxUint64)
	for {
		u := float64(r.Uint64()) * mult
		if u > 0.0 && u < 1.0 {
			return u
		}
	}
}

// UniformInt returns a uniformly random integer in [lo, hi] inclusive.
func (r *RNG) UniformInt(lo, hi uint64) uint64 {
	return lo + uint64(math.Floor(float64(hi-lo+1)*r.Uniform()))
}

// RandomPermutation shuffles v in place (Fisher–Yates).
func (r *RNG) RandomPermutation(v []uint32) {
	n := uint64(len(v))
	if n <= 1 {
		return
	}
	for i := uint64(0); i < n-1; i++ {
		j := r.UniformInt(i, n-1)
		v[i], v[j] = v[j], v[i]
	}
}

// DeriveProcessSeed mixes the clock, the wall time, and the pid into a
// seed for runs that did not pin one in the config.
func DeriveProcessSeed() uint64 {
	return mix(uint64(time.Now().UnixNano()), uint64(time.Now().Unix()), uint64(os.Getpid()))
}

// mix is Wang's 96-bit integer hash.
func mix(a, b, c uint64) uint64 {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return c
}
