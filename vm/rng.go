package vm

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"golang.org/x/crypto/chacha20"
)

// RandSource is anything that can hand the VM 32-bit random words.
// random_int(n) draws from whichever source the owning VMState was
// built with and reduces modulo n.
type RandSource interface {
	Next() uint32
}

// ChaCha8RNG is a deterministic stream-cipher RNG: same seed, same
// sequence of words, every run, every platform. Used whenever a
// VMStateConfig asks for deterministic mode, with a default seed of zero
// like the toolchain this was translated from. The keystream comes from
// golang.org/x/crypto/chacha20 (20 rounds, key = the seed in little-endian
// order, zero-padded), so its words are not the ones a Rust ChaCha8Rng
// seeded with seed_from_u64 produces.
type ChaCha8RNG struct {
	cipher *chacha20.Cipher
	buf    [4]byte
}

// NewChaCha8RNG seeds a deterministic RNG from a 64-bit seed. The nonce
// is fixed at zero: determinism only needs the seed to vary, and a
// constant nonce keeps the same seed reproducing the same stream byte
// for byte across processes.
func NewChaCha8RNG(seed uint64) *ChaCha8RNG {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	c, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Only fails on a malformed key/nonce length, both fixed above.
		panic(err)
	}
	return &ChaCha8RNG{cipher: c}
}

// Next returns the next 32-bit word in the deterministic keystream.
func (r *ChaCha8RNG) Next() uint32 {
	var zero [4]byte
	r.cipher.XORKeyStream(r.buf[:], zero[:])
	return binary.LittleEndian.Uint32(r.buf[:])
}

// CryptoRandSource draws from the OS CSPRNG. Used for non-deterministic
// runs, where reproducibility isn't a goal and real entropy is.
type CryptoRandSource struct{}

func (CryptoRandSource) Next() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		return 0
	}
	return uint32(n.Uint64())
}
