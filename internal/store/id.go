package store

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

// idEncoding uses a lowercase, padding-free base32 alphabet; 8 characters give
// 40 bits of entropy, plenty for collision avoidance within a single node's
// live ID set (spec.md §4.A).
var idEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

const bulletIDLength = 8

// newBulletID generates a fresh candidate ID of the form "b-" + 8 base32
// characters. Callers retry against the live ID set on collision.
func newBulletID() (string, error) {
	var buf [5]byte // 5 bytes -> 8 base32 chars
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "b-" + strings.ToLower(idEncoding.EncodeToString(buf[:])), nil
}
