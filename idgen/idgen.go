// Package idgen provides pluggable ID generation for dashd.
//
// Constructors across the repository accept a Generator, making the ID
// strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// New is the default generator: RFC 9562 UUID v7. Time-sortable and
// globally unique, which keeps SQLite primary-key inserts append-mostly.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// UUIDv7 returns New as a Generator.
func UUIDv7() Generator { return New }

// NanoID returns a Generator producing base-36 IDs of the given length.
// Use where a UUID is too verbose (short-lived keys, queue job ids).
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		out := make([]byte, length)
		for i := range out {
			out[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(out)
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID,
// for type-scoped identifiers (e.g. "doc_", "job_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}
