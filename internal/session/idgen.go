package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sync"
)

// IDGenerator draws uniformly-distributed 64-bit session ids from a PRNG
// seeded with entropy read from randFile. No cryptographic guarantee is
// required here: session endpoints, not ids, carry authority. One mutex
// protects the PRNG's state, matching the single generator instance a
// CreateConnection handler shares across goroutines.
type IDGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewIDGenerator seeds a generator by reading 16 bytes from randFile (default
// /dev/urandom, overridable via TABD_RAND_FILE).
func NewIDGenerator(randFile string) (*IDGenerator, error) {
	f, err := os.Open(randFile)
	if err != nil {
		return nil, fmt.Errorf("opening entropy source %s: %w", randFile, err)
	}
	defer f.Close()

	var seedBytes [16]byte
	if _, err := io.ReadFull(f, seedBytes[:]); err != nil {
		return nil, fmt.Errorf("reading entropy from %s: %w", randFile, err)
	}

	seed1 := binary.LittleEndian.Uint64(seedBytes[:8])
	seed2 := binary.LittleEndian.Uint64(seedBytes[8:])
	return &IDGenerator{rng: rand.New(rand.NewPCG(seed1, seed2))}, nil
}

// Draw returns the next id. Zero is never returned so that callers may use 0
// as a sentinel for "no session".
func (g *IDGenerator) Draw() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := g.rng.Uint64()
		if id != 0 {
			return id
		}
	}
}

// Unique draws ids from Draw, retrying on collision against exists, until a
// fresh one is found. Collisions are resolved internally and never
// surfaced to the caller.
func (g *IDGenerator) Unique(exists func(uint64) bool) uint64 {
	for {
		id := g.Draw()
		if !exists(id) {
			return id
		}
	}
}
