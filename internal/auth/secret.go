// ABOUTME: Constant-time secret comparison used by every credential check
// ABOUTME: Execution time is independent of mismatch position and length difference

package auth

import "crypto/subtle"

// SecureEqual reports whether two secrets are identical, in time
// independent of where the first mismatch occurs and of whether the
// lengths differ. An absent (empty) secret on either side compares
// false, so an unset config value can never be satisfied.
func SecureEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	// Compare over the longer length so a length mismatch is rejected
	// only after a full sweep.
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	ab := make([]byte, n)
	bb := make([]byte, n)
	copy(ab, a)
	copy(bb, b)

	match := subtle.ConstantTimeCompare(ab, bb) == 1
	sameLen := subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1
	return match && sameLen
}
