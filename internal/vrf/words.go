package vrf

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// deriveWords produces n deterministic 256-bit words for a request. Each word
// is keccak256(seed || requestID || index), matching the width of the words a
// VRF coordinator delivers on chain.
func deriveWords(seed []byte, requestID uint64, n uint32) []*big.Int {
	words := make([]*big.Int, 0, n)
	for i := uint32(0); i < n; i++ {
		h := sha3.NewLegacyKeccak256()
		h.Write(seed)

		var suffix [12]byte
		binary.BigEndian.PutUint64(suffix[:8], requestID)
		binary.BigEndian.PutUint32(suffix[8:], i)
		h.Write(suffix[:])

		words = append(words, new(big.Int).SetBytes(h.Sum(nil)))
	}
	return words
}

// parseSeed turns the configured seed string into bytes. Hex strings are
// decoded; anything else is used verbatim. An empty seed yields 32 random
// bytes so unseeded coordinators still produce distinct words per process.
func parseSeed(raw string) []byte {
	if raw == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err == nil {
			return seed
		}
		return []byte("raffle-engine")
	}
	if decoded, err := hex.DecodeString(raw); err == nil {
		return decoded
	}
	return []byte(raw)
}
