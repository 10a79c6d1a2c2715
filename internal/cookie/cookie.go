// Package cookie implements the client side of DNS Cookies (RFC 7873,
// RFC 9018): generating an 8-byte client cookie per server, remembering
// the opaque server cookie a server hands back, and attaching both to
// subsequent queries sent to that same server. Unlike an authoritative
// server, a stub resolver never mints a server cookie — it only ever
// proves its own identity and caches what the server proved back.
package cookie

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/dchest/siphash"
)

// Cookie sizes per RFC 7873 §4.
const (
	ClientCookieSize    = 8
	minServerCookieSize = 8
	maxServerCookieSize = 32
)

var (
	ErrServerCookieSize = errors.New("cookie: server cookie must be 8-32 bytes")
	ErrOptionTooShort   = errors.New("cookie: COOKIE option shorter than a client cookie")
	ErrEchoMismatch     = errors.New("cookie: echoed client cookie does not match what was sent")
)

// Jar tracks, per server endpoint, the client cookie this channel has
// committed to and the most recent server cookie that endpoint echoed
// back. One Jar is owned by a Channel and shared across all of that
// channel's queries, grounded on the teacher's Manager holding one secret
// per process rather than per query.
type Jar struct {
	mu      sync.Mutex
	secret  [16]byte
	entries map[string]*entry
}

type entry struct {
	client [ClientCookieSize]byte
	server []byte // opaque, as handed back by the server; nil until learned
}

// NewJar creates a cookie jar with a fresh random SipHash key. The key is
// never sent on the wire; it only seeds this process's client cookies so
// that two channels on the same host don't coincidentally pick the same
// value for the same server.
func NewJar() (*Jar, error) {
	j := &Jar{entries: make(map[string]*entry)}
	if _, err := rand.Read(j.secret[:]); err != nil {
		return nil, err
	}
	return j, nil
}

// ClientCookieFor returns the client cookie this jar uses for serverKey
// (generating one on first use) and the server cookie previously learned
// for that server, if any.
func (j *Jar) ClientCookieFor(serverKey string) (client [ClientCookieSize]byte, server []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[serverKey]
	if !ok {
		e = &entry{client: j.deriveClientCookie(serverKey)}
		j.entries[serverKey] = e
	}
	return e.client, append([]byte(nil), e.server...)
}

// deriveClientCookie computes SipHash-2-4(secret, serverKey), truncated to
// 8 bytes. Deterministic per (jar, serverKey) so a retransmit to the same
// server reuses the same client cookie, as RFC 7873 §5.1 expects ("a
// client SHOULD use the same Client Cookie... for all queries sent to the
// same server").
func (j *Jar) deriveClientCookie(serverKey string) [ClientCookieSize]byte {
	h := siphash.New(j.secret[:])
	h.Write([]byte(serverKey))
	var out [ClientCookieSize]byte
	binary.LittleEndian.PutUint64(out[:], h.Sum64())
	return out
}

// Observe records the server cookie returned in a reply's COOKIE option,
// after verifying the echoed client cookie matches what this jar sent.
// An off-path attacker that never saw the query cannot have learned the
// client cookie to echo back, so a mismatch means the caller should treat
// the reply as spoofed rather than trust the new server cookie.
func (j *Jar) Observe(serverKey string, opt []byte) error {
	client, server, err := Parse(opt)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[serverKey]
	if !ok || subtle.ConstantTimeCompare(e.client[:], client[:]) != 1 {
		return ErrEchoMismatch
	}
	if len(server) > 0 {
		e.server = append([]byte(nil), server...)
	}
	return nil
}

// Parse splits a raw COOKIE option value into its client and (optional)
// server cookie parts, per RFC 7873 §4.
func Parse(data []byte) (client [ClientCookieSize]byte, server []byte, err error) {
	if len(data) < ClientCookieSize {
		return client, nil, ErrOptionTooShort
	}
	copy(client[:], data[:ClientCookieSize])
	if len(data) == ClientCookieSize {
		return client, nil, nil
	}
	server = append([]byte(nil), data[ClientCookieSize:]...)
	if len(server) < minServerCookieSize || len(server) > maxServerCookieSize {
		return client, nil, ErrServerCookieSize
	}
	return client, server, nil
}

// Format assembles the COOKIE option value to send: the client cookie
// followed by the server cookie, if one has been learned yet.
func Format(client [ClientCookieSize]byte, server []byte) []byte {
	out := make([]byte, ClientCookieSize+len(server))
	copy(out[:ClientCookieSize], client[:])
	copy(out[ClientCookieSize:], server)
	return out
}
