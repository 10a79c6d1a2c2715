// Package channel implements the host-owned event loop the rest of this
// module is built around (spec.md §5): a Channel never blocks in a
// read/write syscall and never spawns a goroutine that could mutate its
// own state concurrently. The embedding application drives it by polling
// ReadyFDs()/NextTimeout() into its own select/epoll/kqueue loop and
// calling Process() when something is ready — the same non-blocking,
// single-threaded contract c-ares gives callers, reimplemented with
// golang.org/x/sys/unix sockets instead of cgo.
//
// Options/DefaultOptions follows the teacher's ServerConfig/DefaultServerConfig
// shape. Every event (a readable socket, a fired timer) is handled inline
// by Process; there is no separate event dispatcher.
package channel

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dnsscience/aresgo/internal/cookie"
	"github.com/dnsscience/aresgo/internal/message"
	"github.com/dnsscience/aresgo/internal/metrics"
	"github.com/dnsscience/aresgo/internal/name"
	"github.com/dnsscience/aresgo/internal/pool"
	"github.com/dnsscience/aresgo/internal/query"
	"github.com/dnsscience/aresgo/internal/random"
	"github.com/dnsscience/aresgo/internal/rr"
	"github.com/dnsscience/aresgo/internal/serverpool"
	"github.com/dnsscience/aresgo/internal/sortlist"
)

var (
	ErrDestroyed    = errors.New("channel: destroyed")
	ErrUnknownQuery = errors.New("channel: no such pending query")
)

// Options configures a new Channel. An empty Servers list falls back to
// DefaultOptions' servers; a zero FailureThreshold, RatePerSecond or Burst
// and the zero numeric fields of Query take the package defaults. Boolean
// fields (including Query.EDNS and Query.Use0x20) are used as given, so a
// zero Options turns them off.
type Options struct {
	Servers          []string
	Query            query.Config
	FailureThreshold int
	RatePerSecond    float64
	Burst            int
	Primary          bool // always prefer Servers[0] over rotation (spec's PRIMARY flag)
	EnableCookies    bool
	Hosts            map[string][]string // static name -> address table (/etc/hosts equivalent)
	Sortlist         []string            // CIDR-ranked reorder of A/AAAA answers (resolv.conf "sortlist")
}

// DefaultOptions mirrors DefaultServerConfig: sensible defaults the
// caller can selectively override.
func DefaultOptions() Options {
	return Options{
		Servers: []string{"127.0.0.1:53"},
		Query:   query.DefaultConfig(),
	}
}

// Callback receives the terminal result of a submitted query.
type Callback func(query.Result)

type inflight struct {
	pending  *query.Pending
	callback Callback
	qtype    string
}

// Channel is one independent resolver context: its own server pool,
// pending-query table, and timer heap. Every exported method must be
// called from the single goroutine that owns the Channel — spec.md §5's
// cooperative-concurrency model assumes no internal locking.
type Channel struct {
	opts     Options
	pool     *serverpool.Pool
	jar      *cookie.Jar
	hosts    map[string][]string
	sortlist sortlist.List

	pending   map[uint16]*inflight
	timers    *timerHeap
	destroyed bool
}

// New constructs a Channel from opts, creating (but not yet connecting)
// its server pool.
func New(opts Options) (*Channel, error) {
	if len(opts.Servers) == 0 {
		opts = mergeDefaults(opts)
	}
	if opts.Query.Timeout == 0 {
		opts.Query.Timeout = query.DefaultConfig().Timeout
	}
	p, err := serverpool.New(opts.Servers, serverpool.Options{
		FailureThreshold: opts.FailureThreshold,
		RatePerSecond:    opts.RatePerSecond,
		Burst:            opts.Burst,
		Primary:          opts.Primary,
	})
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	c := &Channel{
		opts:    opts,
		pool:    p,
		hosts:   opts.Hosts,
		pending: make(map[uint16]*inflight),
		timers:  newTimerHeap(),
	}
	if opts.EnableCookies {
		c.jar, err = cookie.NewJar()
		if err != nil {
			return nil, fmt.Errorf("channel: cookie jar: %w", err)
		}
	}
	if len(opts.Sortlist) > 0 {
		list, err := sortlist.Parse(opts.Sortlist)
		if err != nil {
			return nil, fmt.Errorf("channel: sortlist: %w", err)
		}
		c.sortlist = list
	}
	return c, nil
}

func mergeDefaults(opts Options) Options {
	def := DefaultOptions()
	opts.Servers = def.Servers
	return opts
}

// Submit starts a new asynchronous query, returning the transaction ID the
// caller can later pass to Cancel. cb is invoked exactly once, either from
// a later Process() call or (if the channel is destroyed or the name is
// malformed before any I/O happens) synchronously from within Submit itself.
func (c *Channel) Submit(qname string, qtype rr.Type, qclass rr.Class, cb Callback) (uint16, error) {
	if c.destroyed {
		cb(query.Result{Status: query.StatusDestroyed, Err: ErrDestroyed})
		return 0, nil
	}

	// Static hosts-table lookup short-circuits the network entirely, the
	// same synchronous fast path getaddrinfo(3) takes for /etc/hosts.
	if addrs, ok := c.hosts[qname]; ok {
		m := hostsAnswer(qname, qtype, qclass, addrs)
		c.applySortlist(m)
		status := query.StatusSuccess
		if len(m.Answer) == 0 {
			status = query.StatusNoData
		}
		cb(query.Result{Status: status, Message: m, Server: "hosts"})
		return 0, nil
	}

	id := random.UniqueTransactionID(func(id uint16) bool {
		_, taken := c.pending[id]
		return taken
	})
	p := query.New(id, qname, qtype, qclass, c.opts.Query)

	metrics.QueriesSubmitted.WithLabelValues(qtype.String()).Inc()

	ep, err := c.pool.Select(nil)
	if err != nil {
		cb(query.Result{Status: query.StatusConnRefused, Err: err})
		return 0, nil
	}

	c.pending[id] = &inflight{pending: p, callback: cb, qtype: qtype.String()}
	if err := c.send(p, ep, false); err != nil {
		delete(c.pending, id)
		status := query.StatusConnRefused
		if errors.Is(err, name.ErrLabelTooLong) || errors.Is(err, name.ErrNameTooLong) {
			status = query.StatusBadName
		}
		cb(query.Result{Status: status, Err: err})
		return 0, nil
	}
	return id, nil
}

// SubmitRaw sends a caller-built wire message as-is (spec.md §6's
// submit_raw), identified by the transaction ID already encoded in wire.
// It gets the same retry/timeout/TC-fallback handling as Submit, but no
// name/search-list/CNAME logic: the reply is delivered to cb unexamined
// beyond the header's own success/failure rcode.
func (c *Channel) SubmitRaw(wire []byte, cb Callback) (uint16, error) {
	if c.destroyed {
		cb(query.Result{Status: query.StatusDestroyed, Err: ErrDestroyed})
		return 0, nil
	}

	hdr, err := message.PeekHeader(wire)
	if err != nil {
		cb(query.Result{Status: query.StatusBadName, Err: err})
		return 0, nil
	}
	if _, taken := c.pending[hdr.ID]; taken {
		cb(query.Result{Status: query.StatusBadName, Err: fmt.Errorf("channel: transaction id %d already in flight", hdr.ID)})
		return 0, nil
	}

	p := query.NewRaw(hdr.ID, wire, c.opts.Query)
	metrics.QueriesSubmitted.WithLabelValues("RAW").Inc()

	ep, err := c.pool.Select(nil)
	if err != nil {
		cb(query.Result{Status: query.StatusConnRefused, Err: err})
		return 0, nil
	}

	c.pending[hdr.ID] = &inflight{pending: p, callback: cb, qtype: "RAW"}
	if err := c.send(p, ep, false); err != nil {
		delete(c.pending, hdr.ID)
		cb(query.Result{Status: query.StatusConnRefused, Err: err})
		return 0, nil
	}
	return hdr.ID, nil
}

// hostsAnswer synthesizes a reply message from a static hosts-table entry,
// matching only the address family the caller actually asked for (an A
// query never yields an AAAA record from the same hosts line, and vice
// versa) — the same family filtering getaddrinfo(3) applies to /etc/hosts.
func hostsAnswer(qname string, qtype rr.Type, qclass rr.Class, addrs []string) *message.Message {
	m := &message.Message{
		Header:   message.Header{QR: true},
		Question: []message.Question{{Name: qname, Type: qtype, Class: qclass}},
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			if qtype != rr.TypeA {
				continue
			}
			m.Answer = append(m.Answer, rr.Record{
				Name: qname, Type: rr.TypeA, Class: qclass,
				Values: map[string]any{"Address": net.IP(v4)},
			})
		} else {
			if qtype != rr.TypeAAAA {
				continue
			}
			m.Answer = append(m.Answer, rr.Record{
				Name: qname, Type: rr.TypeAAAA, Class: qclass,
				Values: map[string]any{"Address": ip},
			})
		}
	}
	return m
}

// attachCookie installs the client/server cookie pair this channel's jar
// holds for ep onto p, so the next BuildQuery call carries it.
func (c *Channel) attachCookie(p *query.Pending, ep *serverpool.Endpoint) {
	if c.jar == nil {
		return
	}
	client, server := c.jar.ClientCookieFor(ep.Key())
	p.SetOptions([]rr.OptOption{{Code: rr.OptCodeCookie, Value: cookie.Format(client, server)}})
}

// send renders and transmits the query's current attempt against ep,
// over UDP unless useTCP is set, and arms its retry timer. If ep's
// token-bucket throttle is exhausted, the datagram/segment is withheld
// for this round (no syscall happens) but the timer is still armed, so
// the existing retry machinery naturally retries the send once the
// bucket has refilled, rather than hammering a server that's already
// being retried hard.
func (c *Channel) send(p *query.Pending, ep *serverpool.Endpoint, useTCP bool) error {
	c.attachCookie(p, ep)
	wire, err := p.BuildQuery()
	if err != nil {
		return err
	}
	p.BeginAttempt(ep.Key(), useTCP || c.opts.Query.UseTCP)

	if ep.Allow() {
		if p.UseTCPNow() {
			freshTCP := ep.TCPFD() < 0
			if _, err := ep.EnsureTCP(); err != nil {
				return err
			}
			if freshTCP {
				metrics.SocketsOpened.WithLabelValues(ep.Key(), "tcp").Inc()
			}
			ep.QueueTCP(wire)
		} else {
			fresh := ep.UDPFD() < 0
			fd, err := ep.EnsureUDP()
			if err != nil {
				return err
			}
			if fresh {
				metrics.SocketsOpened.WithLabelValues(ep.Key(), "udp").Inc()
			}
			if _, err := unix.Write(fd, wire); err != nil && err != unix.EAGAIN {
				ep.CloseUDP()
				return err
			}
		}
	} else {
		metrics.SendsThrottled.WithLabelValues(ep.Key()).Inc()
	}

	c.timers.Schedule(p.ID, time.Now().Add(c.opts.Query.Timeout))
	return nil
}

// ReadyFDs returns every socket descriptor a host poll loop should watch
// for readability (and, for TCP endpoints with a pending write, also for
// writability).
func (c *Channel) ReadyFDs() (readable, writable []int) {
	for _, ep := range c.pool.Endpoints() {
		if fd := ep.UDPFD(); fd >= 0 {
			readable = append(readable, fd)
		}
		if fd := ep.TCPFD(); fd >= 0 {
			readable = append(readable, fd)
			if len(ep.PendingWrite()) > 0 {
				writable = append(writable, fd)
			}
		}
	}
	return readable, writable
}

// NextTimeout reports how long the host's poll call should block before
// Process must be called again to service a timer, capped at hint.
func (c *Channel) NextTimeout(hint time.Duration) time.Duration {
	deadline, ok := c.timers.NextDeadline()
	if !ok {
		return hint
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	if d > hint {
		return hint
	}
	return d
}

// Process drains whatever is ready on readableFDs/writableFDs and fires
// any timers whose deadline has passed. It performs only non-blocking
// syscalls; EAGAIN on a descriptor the host claimed was ready is treated
// as "nothing to do" rather than an error.
func (c *Channel) Process(readableFDs, writableFDs []int, now time.Time) {
	readSet := toSet(readableFDs)
	writeSet := toSet(writableFDs)

	for _, ep := range c.pool.Endpoints() {
		if writeSet[ep.TCPFD()] {
			c.flushTCPWrite(ep)
		}
		if readSet[ep.UDPFD()] {
			c.drainUDP(ep)
		}
		if readSet[ep.TCPFD()] {
			c.drainTCP(ep)
		}
	}

	for {
		id, ok := c.timers.Next(now)
		if !ok {
			break
		}
		c.fireTimeout(id)
	}
}

func toSet(fds []int) map[int]bool {
	s := make(map[int]bool, len(fds))
	for _, fd := range fds {
		s[fd] = true
	}
	return s
}

func (c *Channel) flushTCPWrite(ep *serverpool.Endpoint) {
	buf := ep.PendingWrite()
	if len(buf) == 0 {
		return
	}
	n, err := unix.Write(ep.TCPFD(), buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		ep.CloseTCP()
		return
	}
	ep.AdvanceWrite(n)
}

func (c *Channel) drainUDP(ep *serverpool.Endpoint) {
	buf := pool.Get(pool.MaxSize)
	defer pool.Put(buf)

	n, err := unix.Read(ep.UDPFD(), buf)
	if err != nil || n <= 0 {
		return
	}
	c.handleWire(buf[:n], ep, false)
}

func (c *Channel) drainTCP(ep *serverpool.Endpoint) {
	buf := pool.Get(pool.TCPSize)
	defer pool.Put(buf)

	n, err := unix.Read(ep.TCPFD(), buf)
	if err != nil || n <= 0 {
		return
	}
	msgs, err := ep.FeedTCP(buf[:n])
	if err != nil {
		metrics.SocketsClosed.WithLabelValues(ep.Key(), "tcp").Inc()
		ep.CloseTCP()
		return
	}
	for _, m := range msgs {
		c.handleWire(m, ep, true)
	}
}

func (c *Channel) handleWire(wire []byte, ep *serverpool.Endpoint, fromTCP bool) {
	hdr, err := message.PeekHeader(wire)
	if err != nil {
		return
	}
	inf, ok := c.pending[hdr.ID]
	if !ok {
		return // no pending query with this id: drop silently
	}

	m, err := message.Parse(wire)
	if err != nil {
		return
	}
	if !inf.pending.Matches(m, ep.Key(), fromTCP) {
		return // id collided with an unrelated reply: drop, never misattribute
	}

	if c.jar != nil {
		if opt := m.OPT; opt != nil {
			for _, o := range opt.Options {
				if o.Code == rr.OptCodeCookie {
					if err := c.jar.Observe(ep.Key(), o.Value); errors.Is(err, cookie.ErrEchoMismatch) {
						return // echoed client cookie is not ours: treat as spoofed
					}
				}
			}
		}
	}

	c.timers.Cancel(hdr.ID)
	ep.RecordSuccess()

	action, err := inf.pending.OnReply(m)
	if err != nil {
		c.finish(hdr.ID, query.Result{Status: query.StatusBadResp, Err: err})
		return
	}
	c.applyAction(hdr.ID, action)
}

func (c *Channel) fireTimeout(id uint16) {
	inf, ok := c.pending[id]
	if !ok {
		return
	}

	ep := c.endpointByKey(inf.pending.Server())
	if ep != nil {
		if justSkipped := ep.RecordFailure(c.failureThreshold()); justSkipped {
			metrics.ServerFailuresSkipped.WithLabelValues(ep.Key()).Inc()
		}
	}
	metrics.QueryRetries.WithLabelValues(inf.qtype).Inc()

	action, err := inf.pending.OnTimeout()
	if err != nil {
		c.finish(id, query.Result{Status: query.StatusBadResp, Err: err})
		return
	}
	c.applyActionAfterTimeout(id, action)
}

// applyAction carries out the Action a state-machine call returned,
// whether it came from a reply or a timeout: ActionSend asks the pool for
// an endpoint (honoring ExcludeKey when the state machine wants this one
// skipped, e.g. after a SERVFAIL or an exhausted-retries timeout) and
// resends against it. If the pool has no endpoint left to offer, the
// query gives up, preserving whatever rcode-derived status it last saw.
func (c *Channel) applyAction(id uint16, action query.Action) {
	switch action.Kind {
	case query.ActionDeliver:
		c.finish(id, action.Result)
	case query.ActionSend:
		inf := c.pending[id]
		excluded := map[string]bool{}
		if action.ExcludeKey != "" {
			excluded[action.ExcludeKey] = true
		}
		ep, err := c.pool.Select(excluded)
		if err != nil {
			c.finish(id, inf.pending.GiveUp().Result)
			return
		}
		if err := c.resend(inf.pending, ep, action.UseTCP); err != nil {
			c.finish(id, query.Result{Status: query.StatusConnRefused, Err: err})
		}
	}
}

func (c *Channel) applyActionAfterTimeout(id uint16, action query.Action) {
	c.applyAction(id, action)
}

// resend re-renders the query's wire against ep and transmits it. It
// rebuilds rather than reusing whatever Action.Wire the state machine
// produced, because the endpoint — and therefore the cookie pair
// attachCookie installs — is only known once the pool has picked a
// server to retry or switch to.
func (c *Channel) resend(p *query.Pending, ep *serverpool.Endpoint, useTCP bool) error {
	c.attachCookie(p, ep)
	wire, err := p.BuildQuery()
	if err != nil {
		return err
	}
	wasTCP := p.UseTCPNow()
	p.BeginAttempt(ep.Key(), useTCP)
	if ep.Allow() {
		if useTCP {
			freshTCP := ep.TCPFD() < 0
			if _, err := ep.EnsureTCP(); err != nil {
				return err
			}
			if freshTCP {
				metrics.SocketsOpened.WithLabelValues(ep.Key(), "tcp").Inc()
			}
			ep.QueueTCP(wire)
			if !wasTCP {
				metrics.TCPFallbacks.WithLabelValues(ep.Key()).Inc()
			}
		} else {
			fresh := ep.UDPFD() < 0
			fd, err := ep.EnsureUDP()
			if err != nil {
				return err
			}
			if fresh {
				metrics.SocketsOpened.WithLabelValues(ep.Key(), "udp").Inc()
			}
			if _, err := unix.Write(fd, wire); err != nil && err != unix.EAGAIN {
				ep.CloseUDP()
				return err
			}
		}
	} else {
		metrics.SendsThrottled.WithLabelValues(ep.Key()).Inc()
	}
	c.timers.Schedule(p.ID, time.Now().Add(c.opts.Query.Timeout))
	return nil
}

func (c *Channel) finish(id uint16, result query.Result) {
	inf, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	c.timers.Cancel(id)
	c.applySortlist(result.Message)
	metrics.QueriesCompleted.WithLabelValues(inf.qtype, result.Status.String()).Inc()
	inf.callback(result)
}

// applySortlist reorders m's A/AAAA answers in place by the channel's
// configured sortlist (spec.md §4.4/§8.7), leaving every other record
// (CNAMEs, etc.) at its original position. A nil sortlist or a message
// with fewer than two addresses is left untouched.
func (c *Channel) applySortlist(m *message.Message) {
	if c.sortlist == nil || m == nil {
		return
	}
	var slots []int
	var ips []net.IP
	for i, rec := range m.Answer {
		ip, ok := rec.Values["Address"].(net.IP)
		if !ok {
			continue
		}
		slots = append(slots, i)
		ips = append(ips, ip)
	}
	if len(ips) < 2 {
		return
	}
	order := make([]int, len(ips))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.sortlist.Rank(ips[order[a]]) < c.sortlist.Rank(ips[order[b]])
	})
	records := make([]rr.Record, len(slots))
	for i, slot := range slots {
		records[i] = m.Answer[slot]
	}
	for i, slot := range slots {
		m.Answer[slot] = records[order[i]]
	}
}

func (c *Channel) endpointByKey(key string) *serverpool.Endpoint {
	for _, ep := range c.pool.Endpoints() {
		if ep.Key() == key {
			return ep
		}
	}
	return nil
}

func (c *Channel) failureThreshold() int {
	if c.opts.FailureThreshold == 0 {
		return serverpool.DefaultFailureThreshold
	}
	return c.opts.FailureThreshold
}

// Cancel ends a single pending query immediately with StatusCancelled.
func (c *Channel) Cancel(id uint16) error {
	inf, ok := c.pending[id]
	if !ok {
		return ErrUnknownQuery
	}
	action := inf.pending.Cancel()
	c.finish(id, action.Result)
	return nil
}

// Destroy ends every pending query with StatusDestroyed and releases all
// sockets. The Channel must not be used afterwards.
func (c *Channel) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for id, inf := range c.pending {
		action := inf.pending.Destroy()
		delete(c.pending, id)
		c.timers.Cancel(id)
		inf.callback(action.Result)
	}
	for _, ep := range c.pool.Endpoints() {
		ep.CloseUDP()
		ep.CloseTCP()
	}
}

// PendingCount reports how many queries are currently in flight.
func (c *Channel) PendingCount() int { return len(c.pending) }
