// Package query implements the per-query state machine (spec.md §4.4,
// §6): search-list expansion, CNAME chain following, UDP-truncated-to-TCP
// fallback, retry and server-failover decisions, and the reply-matching
// rule that decides whether an inbound message actually answers this
// query. Every attempt waits the same Config.Timeout; the wait is not
// lengthened on later attempts. It
// holds no sockets and starts no timers itself — internal/channel drives
// it by calling in on every event (timeout, reply, cancel) and acting on
// the Action it returns. Config/Stats follow the teacher's
// zero-value-fills-in-defaults constructor shape (resolver.Config /
// resolver.Recursive).
package query

import (
	"errors"
	"fmt"
	"time"

	"github.com/dnsscience/aresgo/internal/message"
	"github.com/dnsscience/aresgo/internal/name"
	"github.com/dnsscience/aresgo/internal/rr"
)

// Status is the terminal (or informational) outcome of a query, the
// taxonomy spec.md §4.5 names. ares.Status is this type re-exported at
// the public facade.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoMemory
	StatusBadName
	StatusBadResp
	StatusTimeout
	StatusNotFound
	StatusNoData
	StatusServerFailure
	StatusRefused
	StatusNotImp
	StatusFormErr
	StatusCancelled
	StatusDestroyed
	StatusConnRefused
	StatusFileError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNoMemory:
		return "NOMEM"
	case StatusBadName:
		return "BADNAME"
	case StatusBadResp:
		return "BADRESP"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusNoData:
		return "NODATA"
	case StatusServerFailure:
		return "SERVFAIL"
	case StatusRefused:
		return "REFUSED"
	case StatusNotImp:
		return "NOTIMP"
	case StatusFormErr:
		return "FORMERR"
	case StatusCancelled:
		return "ECANCELLED"
	case StatusDestroyed:
		return "EDESTRUCTION"
	case StatusConnRefused:
		return "ECONNREFUSED"
	case StatusFileError:
		return "EFILE"
	default:
		return "UNKNOWN"
	}
}

// state is the internal life-cycle stage of a Pending query (spec.md §6).
type state int

const (
	stateInit state = iota
	stateSend
	stateAwait
	stateDone
)

// Config is the per-channel policy every Pending query is created from.
type Config struct {
	Timeout       time.Duration // per-attempt timeout before retrying
	Retries       int           // timeouts resent before OnTimeout asks the channel to exclude the endpoint that timed out
	SearchList    []string      // domains to append to non-dot-terminated, below-Ndots names
	Ndots         int           // names with fewer embedded dots than this use the search list first
	UseTCP        bool          // force every query over TCP (spec.md "Non-goals" allows an opt-out of UDP entirely)
	EDNS          bool          // attach EDNS(0) OPT to outgoing queries
	UDPSize       uint16
	Use0x20       bool
	MaxCNAMEDepth int // open question, decided at 8 (DESIGN.md)
}

// DefaultConfig returns the zero-value-safe defaults, following the
// teacher's resolver.Config/NewRecursive pattern of filling in anything
// left unset by the caller.
func DefaultConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		Retries:       3,
		Ndots:         1,
		EDNS:          true,
		UDPSize:       1232,
		Use0x20:       true,
		MaxCNAMEDepth: 8,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Ndots == 0 {
		c.Ndots = 1
	}
	if c.MaxCNAMEDepth == 0 {
		c.MaxCNAMEDepth = 8
	}
	if c.UDPSize == 0 {
		c.UDPSize = 1232
	}
	return c
}

// Stats counts lifetime query outcomes for a channel; fields are meant to
// be read with atomic loads by a caller holding its own counters, mirroring
// the teacher's plain-struct Stats (no built-in atomics, same as pool.Stats).
type Stats struct {
	Submitted    uint64
	Completed    uint64
	Retried      uint64
	TimedOut     uint64
	TCPFallbacks uint64
	CNAMEFollows uint64
}

// Result is delivered to the caller's callback on every terminal Action.
type Result struct {
	Status  Status
	Message *message.Message
	Server  string
	Err     error
}

// ActionKind tells the channel what to do after a state-machine call.
type ActionKind int

const (
	ActionSend    ActionKind = iota // send the query again; the channel picks the endpoint from its pool, skipping ExcludeKey if set
	ActionNone                      // nothing to do yet (e.g. waiting on a send completion)
	ActionDeliver                   // the query reached a terminal state; invoke the callback with Result
)

// Action is the instruction Pending hands back to the channel after
// processing an event.
type Action struct {
	Kind       ActionKind
	Wire       []byte
	UseTCP     bool
	ExcludeKey string // endpoint key to add to the exclusion set, if any
	Result     Result
}

var (
	ErrCancelled = errors.New("query: cancelled by caller")
	ErrDestroyed = errors.New("query: channel destroyed with query pending")
)

// Pending is one in-flight query's state machine.
type Pending struct {
	cfg Config

	ID     uint16
	Qtype  rr.Type
	Qclass rr.Class

	origName  string   // exactly as submitted
	curName   string   // name actually queried right now (post search-list/CNAME)
	sentWire  string   // the 0x20-randomised name actually placed on the wire
	mask      name.Mask
	searchIdx int // -1 means "tried the bare name, not a search-list entry"

	cnameDepth int
	tries      int // attempts at the current name+server combination
	state      state

	server string // endpoint key the current attempt targets, set by the channel
	useTCP bool

	extraOptions []rr.OptOption // e.g. a DNS Cookie option, set by the channel before BuildQuery

	raw     bool   // true for NewRaw: wire is caller-supplied, skip name/search/CNAME logic
	rawWire []byte

	lastFailStatus    Status // most recent rcode-derived failure, remembered across server switches
	hasLastFailStatus bool

	startedAt time.Time
}

// SetOptions installs the EDNS(0) options (beyond the OPT record's own
// fixed fields) the channel wants attached to the next BuildQuery call —
// used to carry a DNS Cookie option, which only the channel (owner of the
// cookie jar) knows how to produce.
func (p *Pending) SetOptions(opts []rr.OptOption) { p.extraOptions = opts }

// New creates a Pending query for name/qtype/qclass under cfg.
func New(id uint16, qname string, qtype rr.Type, qclass rr.Class, cfg Config) *Pending {
	cfg = cfg.withDefaults()
	p := &Pending{
		cfg:       cfg,
		ID:        id,
		Qtype:     qtype,
		Qclass:    qclass,
		origName:  qname,
		state:     stateInit,
		searchIdx: -1,
		startedAt: time.Now(),
	}
	p.curName = p.firstName()
	return p
}

// NewRaw creates a Pending query around a caller-supplied wire message
// (spec.md §6's submit_raw), identified only by the transaction ID
// already encoded in wire. It bypasses name/search-list/CNAME handling
// entirely: the channel retries and times it out exactly like a normal
// query, but BuildQuery always returns wire unchanged and Matches checks
// only the transaction ID and (server, transport) pair.
func NewRaw(id uint16, wire []byte, cfg Config) *Pending {
	cfg = cfg.withDefaults()
	return &Pending{
		cfg:       cfg,
		ID:        id,
		state:     stateInit,
		searchIdx: -1,
		raw:       true,
		rawWire:   wire,
		startedAt: time.Now(),
	}
}

// dotCount reports the number of unescaped '.' separators, used against
// Ndots per resolv.conf semantics: a name is tried bare-first only once it
// has at least Ndots internal dots (a trailing root dot doesn't count).
func dotCount(qname string) int {
	trimmed := qname
	if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '.' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	n := 0
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '.' && (i == 0 || trimmed[i-1] != '\\') {
			n++
		}
	}
	return n
}

func (p *Pending) isRooted() bool {
	return len(p.origName) > 0 && p.origName[len(p.origName)-1] == '.'
}

// firstName picks the first name to try: the bare name immediately if it
// is already rooted, has enough dots, or there is no search list; the
// first search-list expansion otherwise.
func (p *Pending) firstName() string {
	if p.isRooted() || len(p.cfg.SearchList) == 0 || dotCount(p.origName) >= p.cfg.Ndots {
		return p.origName
	}
	p.searchIdx = 0
	return joinSearch(p.origName, p.cfg.SearchList[0])
}

func joinSearch(qname, domain string) string {
	base := qname
	if len(base) == 0 || base[len(base)-1] != '.' {
		base += "."
	}
	if domain == "" || domain == "." {
		return base
	}
	if domain[len(domain)-1] != '.' {
		domain += "."
	}
	return base + domain
}

// BuildQuery renders the wire query for the current attempt, applying
// the 0x20 case mask when enabled, and records the randomised name so
// Matches can verify the echo.
func (p *Pending) BuildQuery() ([]byte, error) {
	if p.raw {
		return p.rawWire, nil
	}

	wireName := p.curName
	if p.cfg.Use0x20 {
		randomised, mask, err := name.Apply0x20(p.curName)
		if err != nil {
			return nil, fmt.Errorf("query: 0x20 mask: %w", err)
		}
		wireName = randomised
		p.mask = mask
	}
	p.sentWire = wireName

	return message.BuildQuery(message.QueryParams{
		ID:      p.ID,
		Name:    wireName,
		Qtype:   p.Qtype,
		Qclass:  p.Qclass,
		RD:      true,
		EDNS:    p.cfg.EDNS || len(p.extraOptions) > 0,
		UDPSize: p.cfg.UDPSize,
		Options: p.extraOptions,
	})
}

// Matches reports whether an inbound message could possibly be the reply
// to this Pending query: transaction ID, question name (0x20-verified
// when in use), qtype and qclass must all match, and it must have arrived
// on the exact (server, transport) pair the query is currently awaiting.
// Per the decided Open Question, there is no fallback match — anything
// else is silently dropped by the caller, never misattributed.
func (p *Pending) Matches(m *message.Message, fromServer string, fromTCP bool) bool {
	if m.Header.ID != p.ID {
		return false
	}
	if fromServer != p.server || fromTCP != p.useTCP {
		return false
	}
	if p.raw {
		return true // submit_raw has no question of its own to verify against
	}
	if len(m.Question) != 1 {
		return false
	}
	q := m.Question[0]
	if q.Type != p.Qtype || q.Class != p.Qclass {
		return false
	}
	if p.cfg.Use0x20 {
		return name.VerifyEcho(p.sentWire, q.Name)
	}
	return name.EqualFold(p.sentWire, q.Name)
}

// BeginAttempt records which endpoint/transport the channel is about to
// send this attempt to.
func (p *Pending) BeginAttempt(serverKey string, useTCP bool) {
	p.server = serverKey
	p.useTCP = useTCP
	p.state = stateAwait
}

// OnTimeout decides what happens when an attempt's timer fires with no
// matching reply. The first cfg.Retries timeouts return a plain
// ActionSend; the channel picks the endpoint for it from its pool, so with
// several servers and no primary bias the resend may go to a different
// one. The next timeout returns ActionSend with ExcludeKey set to the
// server that just timed out and starts the count again. OnTimeout never
// delivers a terminal result itself: the channel calls GiveUp once the
// pool has no endpoint left to offer.
func (p *Pending) OnTimeout() (Action, error) {
	p.tries++
	if p.tries <= p.cfg.Retries {
		wire, err := p.BuildQuery()
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSend, Wire: wire, UseTCP: p.useTCP}, nil
	}

	// Exhausted retries against this server; signal the caller to pick a
	// different endpoint (tries is reset here, not by BeginAttempt).
	p.tries = 0
	wire, err := p.BuildQuery()
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionSend, Wire: wire, UseTCP: p.useTCP, ExcludeKey: p.server}, nil
}

// OnReply processes a message that Matches has already confirmed belongs
// to this query, returning the follow-up Action.
func (p *Pending) OnReply(m *message.Message) (Action, error) {
	switch rc := message.Rcode(m.Header.Rcode); rc {
	case message.RcodeServerFailure, message.RcodeRefused, message.RcodeNotImplemented, message.RcodeFormatError:
		return p.serverFailNextOrFail(statusForRcode(rc)), nil
	}

	if m.Header.TC && !p.useTCP {
		p.state = stateSend
		p.tries = 0
		wire, err := p.BuildQuery()
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSend, Wire: wire, UseTCP: true}, nil
	}

	if p.raw {
		return p.deliver(m, StatusSuccess), nil
	}

	if message.Rcode(m.Header.Rcode) == message.RcodeNameError {
		return p.searchNextOrFail(m, StatusNotFound), nil
	}

	if cname, ok := findCNAME(m, p.curName); ok {
		if len(m.Answer) > 0 && hasDirectAnswer(m, p.Qtype) {
			return p.deliver(m, StatusSuccess), nil
		}
		p.cnameDepth++
		if p.cnameDepth > p.cfg.MaxCNAMEDepth {
			return p.fail(StatusBadResp), nil
		}
		p.curName = cname
		p.tries = 0
		p.state = stateSend
		wire, err := p.BuildQuery()
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSend, Wire: wire, UseTCP: p.useTCP}, nil
	}

	if !hasDirectAnswer(m, p.Qtype) {
		return p.searchNextOrFail(m, StatusNoData), nil
	}

	return p.deliver(m, StatusSuccess), nil
}

// serverFailNextOrFail handles a server-fail-class rcode (SERVFAIL,
// REFUSED, NOTIMP, FORMERR): the server answered, it just can't help, so
// c-ares's next_server rule applies — count it against this endpoint and
// move straight to another one rather than retrying the same server or
// failing the whole query on one upstream's bad day. status is
// remembered so GiveUp can still report it if every endpoint eventually
// turns out to be exhausted.
func (p *Pending) serverFailNextOrFail(status Status) Action {
	p.lastFailStatus = status
	p.hasLastFailStatus = true
	p.tries = 0
	wire, err := p.BuildQuery()
	if err != nil {
		return Action{Kind: ActionDeliver, Result: Result{Status: StatusBadResp, Err: err}}
	}
	return Action{Kind: ActionSend, Wire: wire, UseTCP: p.useTCP, ExcludeKey: p.server}
}

// GiveUp delivers a terminal result when the channel cannot find another
// endpoint to retry against (every configured server is past its failure
// threshold or excluded). It preserves the last upstream rcode this query
// actually saw rather than reporting a bare connection failure.
func (p *Pending) GiveUp() Action {
	if p.hasLastFailStatus {
		return p.fail(p.lastFailStatus)
	}
	return p.fail(StatusConnRefused)
}

// searchNextOrFail advances to the next search-list domain (spec.md
// §4.4's NXDOMAIN/search-list interaction) if one remains, or delivers
// terminal with the given status.
func (p *Pending) searchNextOrFail(m *message.Message, failStatus Status) Action {
	if p.searchIdx >= 0 && p.searchIdx+1 < len(p.cfg.SearchList) {
		p.searchIdx++
		p.curName = joinSearch(p.origName, p.cfg.SearchList[p.searchIdx])
		p.tries = 0
		p.state = stateSend
		wire, err := p.BuildQuery()
		if err != nil {
			return Action{Kind: ActionDeliver, Result: Result{Status: StatusBadName, Err: err}}
		}
		return Action{Kind: ActionSend, Wire: wire, UseTCP: p.useTCP}
	}
	return p.deliverAction(m, failStatus)
}

func (p *Pending) deliver(m *message.Message, status Status) Action {
	return p.deliverAction(m, status)
}

func (p *Pending) deliverAction(m *message.Message, status Status) Action {
	p.state = stateDone
	return Action{Kind: ActionDeliver, Result: Result{Status: status, Message: m, Server: p.server}}
}

func (p *Pending) fail(status Status) Action {
	p.state = stateDone
	return Action{Kind: ActionDeliver, Result: Result{Status: status, Server: p.server}}
}

// Cancel and Destroy both end the query immediately with a terminal
// status; Destroy is used when the owning channel is torn down with
// queries still pending (spec.md §6's "destroy-while-pending" rule).
func (p *Pending) Cancel() Action {
	p.state = stateDone
	return Action{Kind: ActionDeliver, Result: Result{Status: StatusCancelled, Err: ErrCancelled}}
}

func (p *Pending) Destroy() Action {
	p.state = stateDone
	return Action{Kind: ActionDeliver, Result: Result{Status: StatusDestroyed, Err: ErrDestroyed}}
}

// Done reports whether this query has reached a terminal state.
func (p *Pending) Done() bool { return p.state == stateDone }

// Server returns the endpoint key of the attempt currently in flight.
func (p *Pending) Server() string { return p.server }

// UseTCPNow reports whether the in-flight attempt is over TCP.
func (p *Pending) UseTCPNow() bool { return p.useTCP }

func statusForRcode(rc message.Rcode) Status {
	switch rc {
	case message.RcodeServerFailure:
		return StatusServerFailure
	case message.RcodeRefused:
		return StatusRefused
	case message.RcodeNotImplemented:
		return StatusNotImp
	case message.RcodeFormatError:
		return StatusFormErr
	default:
		return StatusBadResp
	}
}

// hasDirectAnswer reports whether the answer section has at least one
// record of qtype. The record's owner name is not compared with the name
// queried.
func hasDirectAnswer(m *message.Message, qtype rr.Type) bool {
	for _, a := range m.Answer {
		if a.Type == qtype {
			return true
		}
	}
	return false
}

// findCNAME looks for a CNAME whose owner matches queriedName and returns
// its target, the next name to query.
func findCNAME(m *message.Message, queriedName string) (string, bool) {
	for _, a := range m.Answer {
		if a.Type == rr.TypeCNAME && name.EqualFold(a.Name, queriedName) {
			target, _ := a.Values["Target"].(string)
			return target, target != ""
		}
	}
	return "", false
}
