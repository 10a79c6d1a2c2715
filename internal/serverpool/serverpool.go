// Package serverpool owns the set of configured upstream DNS servers: it
// lazily creates non-blocking UDP and TCP sockets per endpoint (spec.md
// §5 requires the channel never block in a read/write syscall), applies
// round-robin-with-primary-bias endpoint selection, skips endpoints after
// too many consecutive failures, reassembles TCP's 2-byte length-prefixed
// stream into whole messages, and throttles per-endpoint send rate.
//
// Socket creation is grounded on the teacher's transport listeners
// (fast_udp.go's UDP buffer sizing, dot.go's TCP length-prefix framing)
// adapted from "accept inbound connections" to "dial outbound, don't
// block doing it"; per-endpoint throttling reuses engine.RateLimiter's
// token-bucket idiom (golang.org/x/time/rate) re-keyed by endpoint
// instead of by client IP.
package serverpool

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Errors returned by endpoint socket operations. The query/channel layers
// map these onto ares.StatusConnRefused.
var (
	ErrNoEndpoints     = errors.New("serverpool: no usable endpoints configured")
	ErrAllSkipped      = errors.New("serverpool: every endpoint has exceeded its failure threshold")
	ErrFrameTooLarge   = errors.New("serverpool: TCP length prefix exceeds the 65535-byte message limit")
	ErrUnsupportedAddr = errors.New("serverpool: address is neither IPv4 nor IPv6")
)

// DefaultFailureThreshold is the number of consecutive failures (the
// channel records one per timed-out attempt) an endpoint tolerates before
// Select skips it.
const DefaultFailureThreshold = 5

// DefaultRatePerSecond and DefaultBurst bound how fast this resolver will
// hammer a single upstream server even when many queries are pending.
const (
	DefaultRatePerSecond = 100
	DefaultBurst         = 200
)

// Endpoint is one configured upstream server: an address/port pair, plus
// the lazily-created sockets and bookkeeping the pool needs to use it.
type Endpoint struct {
	Family int // unix.AF_INET or unix.AF_INET6
	IP     net.IP
	Port   uint16

	udpFD int // -1 until EnsureUDP succeeds
	tcpFD int // -1 until EnsureTCP succeeds

	tcpOut     []byte    // pending bytes not yet written to the TCP socket
	tcpIn      []byte    // bytes read but not yet assembled into a full message
	consecFail int
	lastUse    time.Time
	limiter    *rate.Limiter
}

// Key identifies an endpoint for cookie jars, metrics labels, and the
// excluded-endpoint bookkeeping a query's retry loop keeps.
func (e *Endpoint) Key() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// UDPFD returns the endpoint's UDP socket descriptor, or -1 if none has
// been created yet.
func (e *Endpoint) UDPFD() int { return e.udpFD }

// TCPFD returns the endpoint's TCP socket descriptor, or -1 if none has
// been created yet.
func (e *Endpoint) TCPFD() int { return e.tcpFD }

func newEndpoint(ip net.IP, port uint16, rps float64, burst int) (*Endpoint, error) {
	family := unix.AF_INET
	if ip.To4() == nil {
		if ip.To16() == nil {
			return nil, ErrUnsupportedAddr
		}
		family = unix.AF_INET6
	}
	return &Endpoint{
		Family:  family,
		IP:      ip,
		Port:    port,
		udpFD:   -1,
		tcpFD:   -1,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func sockaddr(family int, ip net.IP, port uint16) (unix.Sockaddr, error) {
	if family == unix.AF_INET {
		var addr [4]byte
		copy(addr[:], ip.To4())
		return &unix.SockaddrInet4{Port: int(port), Addr: addr}, nil
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return &unix.SockaddrInet6{Port: int(port), Addr: addr}, nil
}

// EnsureUDP lazily creates (connect()ing, so reads/writes don't need to
// re-specify the peer) a non-blocking UDP socket for this endpoint.
func (e *Endpoint) EnsureUDP() (int, error) {
	if e.udpFD >= 0 {
		return e.udpFD, nil
	}
	fd, err := unix.Socket(e.Family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("serverpool: socket: %w", err)
	}
	sa, err := sockaddr(e.Family, e.IP, e.Port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("serverpool: connect: %w", err)
	}
	e.udpFD = fd
	return fd, nil
}

// EnsureTCP lazily creates a non-blocking TCP socket and starts an
// asynchronous connect(); EINPROGRESS is not an error here — the channel
// learns the connect finished when the fd becomes writable.
func (e *Endpoint) EnsureTCP() (int, error) {
	if e.tcpFD >= 0 {
		return e.tcpFD, nil
	}
	fd, err := unix.Socket(e.Family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("serverpool: socket: %w", err)
	}
	sa, err := sockaddr(e.Family, e.IP, e.Port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("serverpool: connect: %w", err)
	}
	e.tcpFD = fd
	e.tcpOut = e.tcpOut[:0]
	e.tcpIn = e.tcpIn[:0]
	return fd, nil
}

// CloseUDP and CloseTCP drop a socket after a fatal error, so the next
// EnsureUDP/EnsureTCP call creates a fresh one.
func (e *Endpoint) CloseUDP() {
	if e.udpFD >= 0 {
		unix.Close(e.udpFD)
		e.udpFD = -1
	}
}

func (e *Endpoint) CloseTCP() {
	if e.tcpFD >= 0 {
		unix.Close(e.tcpFD)
		e.tcpFD = -1
		e.tcpOut = nil
		e.tcpIn = nil
	}
}

// QueueTCP appends a length-prefixed DNS message to the endpoint's
// pending TCP write buffer, per RFC 1035 §4.2.2's 2-byte length prefix.
func (e *Endpoint) QueueTCP(msg []byte) {
	var prefix [2]byte
	prefix[0] = byte(len(msg) >> 8)
	prefix[1] = byte(len(msg))
	e.tcpOut = append(e.tcpOut, prefix[0], prefix[1])
	e.tcpOut = append(e.tcpOut, msg...)
}

// PendingWrite returns the bytes still waiting to be written to the TCP
// socket.
func (e *Endpoint) PendingWrite() []byte { return e.tcpOut }

// AdvanceWrite drops n bytes from the front of the pending write buffer
// after a successful partial (or full) write(2).
func (e *Endpoint) AdvanceWrite(n int) {
	e.tcpOut = e.tcpOut[n:]
}

// FeedTCP appends newly-read bytes to the endpoint's reassembly buffer
// and extracts every complete length-prefixed message now available.
// Leftover partial bytes remain buffered for the next read.
func (e *Endpoint) FeedTCP(data []byte) ([][]byte, error) {
	e.tcpIn = append(e.tcpIn, data...)

	var out [][]byte
	for {
		if len(e.tcpIn) < 2 {
			break
		}
		msgLen := int(e.tcpIn[0])<<8 | int(e.tcpIn[1])
		if msgLen > 65535 {
			return out, ErrFrameTooLarge
		}
		if len(e.tcpIn) < 2+msgLen {
			break
		}
		out = append(out, append([]byte(nil), e.tcpIn[2:2+msgLen]...))
		e.tcpIn = e.tcpIn[2+msgLen:]
	}
	return out, nil
}

// RecordSuccess resets the consecutive-failure counter; RecordFailure
// increments it, and reports whether the endpoint just crossed the
// skip threshold.
func (e *Endpoint) RecordSuccess() { e.consecFail = 0; e.lastUse = time.Now() }

func (e *Endpoint) RecordFailure(threshold int) (justSkipped bool) {
	e.consecFail++
	e.lastUse = time.Now()
	return e.consecFail == threshold
}

func (e *Endpoint) skipped(threshold int) bool { return e.consecFail >= threshold }

// Allow reports whether a query may be sent to this endpoint right now,
// per its token-bucket throttle.
func (e *Endpoint) Allow() bool { return e.limiter.Allow() }

// Pool is the set of configured upstream servers for one channel.
type Pool struct {
	endpoints []*Endpoint
	next      int
	threshold int
	primary   bool
}

// Options configures a new Pool.
type Options struct {
	FailureThreshold int // 0 -> DefaultFailureThreshold
	RatePerSecond    float64
	Burst            int
	Primary          bool // if set, Select always prefers endpoints[0] over rotation (spec's PRIMARY flag)
}

// New builds a Pool from a list of "ip:port" strings, in the order given
// (servers[0] is the primary: with Options.Primary set, Select prefers it
// while it has not crossed the failure threshold).
func New(servers []string, opts Options) (*Pool, error) {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RatePerSecond == 0 {
		opts.RatePerSecond = DefaultRatePerSecond
	}
	if opts.Burst == 0 {
		opts.Burst = DefaultBurst
	}

	p := &Pool{threshold: opts.FailureThreshold, primary: opts.Primary}
	for _, s := range servers {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			return nil, fmt.Errorf("serverpool: %q: %w", s, err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("serverpool: %q: not a literal IP address", s)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("serverpool: %q: bad port: %w", s, err)
		}
		ep, err := newEndpoint(ip, uint16(port), opts.RatePerSecond, opts.Burst)
		if err != nil {
			return nil, err
		}
		p.endpoints = append(p.endpoints, ep)
	}
	if len(p.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return p, nil
}

// Endpoints returns every configured endpoint, in configuration order.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Primary returns the first configured endpoint if it hasn't crossed the
// failure threshold.
func (p *Pool) Primary() (*Endpoint, bool) {
	ep := p.endpoints[0]
	if ep.skipped(p.threshold) {
		return nil, false
	}
	return ep, true
}

// Select returns the next endpoint a query should try. With the pool's
// primary bias enabled (spec.md §4.3's PRIMARY flag), it always prefers
// endpoints[0] first, provided that endpoint hasn't exceeded the failure
// threshold and isn't excluded; otherwise it round-robins across every
// endpoint that qualifies. It returns ErrAllSkipped if nothing qualifies.
func (p *Pool) Select(excluded map[string]bool) (*Endpoint, error) {
	if p.primary {
		if ep, ok := p.Primary(); ok && !(excluded != nil && excluded[ep.Key()]) {
			return ep, nil
		}
	}
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		ep := p.endpoints[idx]
		if ep.skipped(p.threshold) {
			continue
		}
		if excluded != nil && excluded[ep.Key()] {
			continue
		}
		p.next = (idx + 1) % n
		return ep, nil
	}
	return nil, ErrAllSkipped
}

// Reset clears every endpoint's failure counter. Nothing in this module
// calls it; Select itself never clears a skip.
func (p *Pool) Reset() {
	for _, ep := range p.endpoints {
		ep.consecFail = 0
	}
}
