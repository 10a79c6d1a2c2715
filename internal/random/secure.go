// Package random provides the cryptographically secure transaction IDs
// the query engine needs to resist off-path spoofing. The 0x20 case masks
// are drawn separately, by internal/name, also from crypto/rand. math/rand
// must never be used for either — a predictable transaction ID turns the
// 0x20 defence into the attacker's only remaining obstacle.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// TransactionID generates a cryptographically random 16-bit DNS
// transaction ID (spec.md §4.2, §9's entropy discussion).
func TransactionID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("random: crypto/rand failed: %v", err))
	}
	return binary.BigEndian.Uint16(buf[:])
}

// UniqueTransactionID draws transaction IDs until it finds one for which
// taken returns false, per spec.md's "callback uniqueness" property: a
// channel with N pending queries never reuses a wire ID among them. taken
// is expected to be O(1) (a map lookup on the channel's pending-query
// table); the loop is bounded only by the 16-bit ID space, which a
// correctly-functioning channel never comes close to exhausting.
func UniqueTransactionID(taken func(uint16) bool) uint16 {
	for {
		id := TransactionID()
		if !taken(id) {
			return id
		}
	}
}
