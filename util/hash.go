package util

import "github.com/cespare/xxhash/v2"

// Checksum returns the xxhash64 digest of the given chunks, in order.
func Checksum(chunks ...[]byte) uint64 {
	d := xxhash.New()
	for _, c := range chunks {
		_, _ = d.Write(c)
	}
	return d.Sum64()
}
