package sourcemap

import "hash/fnv"

// HashGenerated computes the FNV-1a integrity hash of generated code.
// Fast and non-cryptographic: it detects accidental drift between the
// generated text and its source map, nothing more.
func HashGenerated(code string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(code))
	return h.Sum64()
}
