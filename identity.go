package main

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const identityHashLength = sha256.Size * 2

// hashIdentity maps a verified email address to the pseudonymous key used
// by the ledger. Case is folded first, so every spelling of one address
// lands on the same key.
func hashIdentity(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

func validIdentityHash(s string) bool {
	if len(s) != identityHashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
