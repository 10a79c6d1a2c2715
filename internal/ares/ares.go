// Package ares is the thin public-facing surface over internal/channel:
// it re-exports the Status taxonomy and Options shape so an embedder
// never has to import internal/query or internal/channel directly, the
// same layering the teacher uses for internal/server.Server composing
// internal/resolver.Recursive.
package ares

import (
	"time"

	"github.com/dnsscience/aresgo/internal/channel"
	"github.com/dnsscience/aresgo/internal/message"
	"github.com/dnsscience/aresgo/internal/query"
	"github.com/dnsscience/aresgo/internal/rr"
)

// Status is the closed outcome taxonomy spec.md §4.6 defines.
type Status = query.Status

const (
	StatusSuccess      = query.StatusSuccess
	StatusNoMemory     = query.StatusNoMemory
	StatusBadName      = query.StatusBadName
	StatusBadResp      = query.StatusBadResp
	StatusTimeout      = query.StatusTimeout
	StatusNotFound     = query.StatusNotFound
	StatusNoData       = query.StatusNoData
	StatusServerFailure = query.StatusServerFailure
	StatusRefused      = query.StatusRefused
	StatusNotImp       = query.StatusNotImp
	StatusFormErr      = query.StatusFormErr
	StatusCancelled    = query.StatusCancelled
	StatusDestroyed    = query.StatusDestroyed
	StatusConnRefused  = query.StatusConnRefused
	StatusFileError    = query.StatusFileError
)

// Options configures a Channel. See channel.Options for field docs.
type Options = channel.Options

// DefaultOptions returns sensible defaults, following channel.DefaultOptions.
func DefaultOptions() Options { return channel.DefaultOptions() }

// Result is delivered to a Submit callback on every terminal outcome.
type Result = query.Result

// Callback receives a query's terminal Result.
type Callback = channel.Callback

// Channel is one independent resolver context. Every method must be
// called from the single goroutine driving its poll loop — see
// internal/channel's doc comment for the concurrency contract this
// carries forward unchanged.
type Channel struct {
	c *channel.Channel
}

// New constructs a Channel from opts.
func New(opts Options) (*Channel, error) {
	c, err := channel.New(opts)
	if err != nil {
		return nil, err
	}
	return &Channel{c: c}, nil
}

// Submit starts an asynchronous query for qname/qtype/qclass, returning
// the transaction ID Cancel accepts. cb fires exactly once.
func (ch *Channel) Submit(qname string, qtype rr.Type, qclass rr.Class, cb Callback) (uint16, error) {
	return ch.c.Submit(qname, qtype, qclass, cb)
}

// SubmitRaw sends a caller-built wire message as-is, identified by the
// transaction ID already encoded in wire, and returns that ID.
func (ch *Channel) SubmitRaw(wire []byte, cb Callback) (uint16, error) {
	return ch.c.SubmitRaw(wire, cb)
}

// ReadyFDs reports which sockets the host's poll loop should watch.
func (ch *Channel) ReadyFDs() (readable, writable []int) { return ch.c.ReadyFDs() }

// NextTimeout reports how long the host may block before Process must
// run again to service a timer, capped at hint.
func (ch *Channel) NextTimeout(hint time.Duration) time.Duration { return ch.c.NextTimeout(hint) }

// Process services whichever of readableFDs/writableFDs are actually
// ready and fires any timers due as of now.
func (ch *Channel) Process(readableFDs, writableFDs []int, now time.Time) {
	ch.c.Process(readableFDs, writableFDs, now)
}

// Cancel ends one pending query immediately with StatusCancelled.
func (ch *Channel) Cancel(id uint16) error { return ch.c.Cancel(id) }

// Destroy ends every pending query with StatusDestroyed and releases
// every socket the Channel opened. The Channel must not be reused.
func (ch *Channel) Destroy() { ch.c.Destroy() }

// PendingCount reports how many queries are currently in flight.
func (ch *Channel) PendingCount() int { return ch.c.PendingCount() }

// AddrInfoResult is the joined outcome of a dual-stack GetAddrInfo call.
type AddrInfoResult struct {
	Status    Status
	Addresses []interface{ String() string }
	Err       error
}

type addrInfoJoin struct {
	cb           func(AddrInfoResult)
	gotA, gotAAAA bool
	a, aaaa      Result
	fired        bool
}

func (j *addrInfoJoin) deliver(r Result, isAAAA bool) {
	if isAAAA {
		j.aaaa, j.gotAAAA = r, true
	} else {
		j.a, j.gotA = r, true
	}
	if j.gotA && j.gotAAAA && !j.fired {
		j.fired = true
		j.cb(joinAddrInfo(j.a, j.aaaa))
	}
}

// GetAddrInfo submits independent A and AAAA queries for qname and joins
// them once both terminate, per spec.md §4.4's mixed-family rule: if one
// family errors and the other succeeds with data, the successful family
// wins with no error reported. cb fires exactly once, after both
// underlying queries have completed.
func (ch *Channel) GetAddrInfo(qname string, cb func(AddrInfoResult)) error {
	join := &addrInfoJoin{cb: cb}
	if _, err := ch.c.Submit(qname, rr.TypeA, rr.ClassIN, func(r Result) {
		join.deliver(r, false)
	}); err != nil {
		return err
	}
	if _, err := ch.c.Submit(qname, rr.TypeAAAA, rr.ClassIN, func(r Result) {
		join.deliver(r, true)
	}); err != nil {
		return err
	}
	return nil
}

func joinAddrInfo(a, aaaa Result) AddrInfoResult {
	aOK := a.Status == StatusSuccess
	aaaaOK := aaaa.Status == StatusSuccess

	switch {
	case aOK && aaaaOK:
		return AddrInfoResult{
			Status:    StatusSuccess,
			Addresses: append(addresses(a.Message), addresses(aaaa.Message)...),
		}
	case aOK:
		return AddrInfoResult{Status: StatusSuccess, Addresses: addresses(a.Message)}
	case aaaaOK:
		return AddrInfoResult{Status: StatusSuccess, Addresses: addresses(aaaa.Message)}
	default:
		// Both families failed: report the A-record outcome, the
		// traditional getaddrinfo(3) precedent for which errno wins
		// when every family comes back empty.
		return AddrInfoResult{Status: a.Status, Err: a.Err}
	}
}

func addresses(m *message.Message) []interface{ String() string } {
	if m == nil {
		return nil
	}
	var out []interface{ String() string }
	for _, rec := range m.Answer {
		if addr, ok := rec.Values["Address"].(interface{ String() string }); ok {
			out = append(out, addr)
		}
	}
	return out
}
