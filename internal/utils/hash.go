// Package utils holds small helpers shared by the responders.
package utils

import (
	"hash/fnv"
	"strings"
)

// Bucket maps text onto [0, n) deterministically. Case and surrounding
// whitespace are ignored so a retyped question lands in the same bucket.
func Bucket(text string, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(text))))
	return int(h.Sum64() % uint64(n))
}
