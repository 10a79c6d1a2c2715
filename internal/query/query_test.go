package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsscience/aresgo/internal/message"
	"github.com/dnsscience/aresgo/internal/rr"
)

func reply(id uint16, rcode message.Rcode, tc bool, qname string, answers ...rr.Record) *message.Message {
	return &message.Message{
		Header: message.Header{ID: id, QR: true, Rcode: rcode, TC: tc},
		Question: []message.Question{
			{Name: qname, Type: rr.TypeA, Class: rr.ClassIN},
		},
		Answer: answers,
	}
}

func aRecord(owner string) rr.Record {
	return rr.Record{Name: owner, Type: rr.TypeA, Class: rr.ClassIN, TTL: 300,
		Values: map[string]any{"Address": "93.184.216.34"}}
}

func cnameRecord(owner, target string) rr.Record {
	return rr.Record{Name: owner, Type: rr.TypeCNAME, Class: rr.ClassIN, TTL: 300,
		Values: map[string]any{"Target": target}}
}

func newTestPending(cfg Config) *Pending {
	cfg.Use0x20 = false // keep the expected-name comparisons simple in these tests
	return New(1234, "www.example.com.", rr.TypeA, rr.ClassIN, cfg)
}

func TestBuildQueryAndBeginAttempt(t *testing.T) {
	p := newTestPending(DefaultConfig())
	wire, err := p.BuildQuery()
	require.NoError(t, err)
	assert.NotEmpty(t, wire)

	p.BeginAttempt("203.0.113.53:53/udp", false)
	assert.Equal(t, "203.0.113.53:53/udp", p.server)
	assert.False(t, p.useTCP)
}

func TestOnTimeoutRetriesThenExcludesServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retries = 2
	p := newTestPending(cfg)
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	act, err := p.OnTimeout()
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind)
	assert.Empty(t, act.ExcludeKey)

	act, err = p.OnTimeout()
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind)
	assert.Empty(t, act.ExcludeKey)

	act, err = p.OnTimeout()
	require.NoError(t, err)
	assert.Equal(t, "server-a", act.ExcludeKey, "third timeout exhausts retries and asks for a new server")
}

func TestOnReplyDeliversSuccess(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	m := reply(p.ID, message.RcodeSuccess, false, "www.example.com.", aRecord("www.example.com."))
	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, act.Kind)
	assert.Equal(t, StatusSuccess, act.Result.Status)
	assert.True(t, p.Done())
}

func TestOnReplyTruncatedFallsBackToTCP(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	m := reply(p.ID, message.RcodeSuccess, true, "www.example.com.")
	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind)
	assert.True(t, act.UseTCP)
	assert.False(t, p.Done())
}

func TestOnReplyFollowsCNAMEChain(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	m := reply(p.ID, message.RcodeSuccess, false, "www.example.com.",
		cnameRecord("www.example.com.", "alias1.example.net."))
	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind)
	assert.Equal(t, "alias1.example.net.", p.curName)
	assert.Equal(t, 1, p.cnameDepth)
}

func TestOnReplyCNAMEChainRespectsMaxDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCNAMEDepth = 2
	p := newTestPending(cfg)
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	names := []string{"www.example.com.", "a1.example.com.", "a2.example.com.", "a3.example.com."}
	for i := 0; i < 3; i++ {
		m := reply(p.ID, message.RcodeSuccess, false, names[i], cnameRecord(names[i], names[i+1]))
		act, err := p.OnReply(m)
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, ActionSend, act.Kind, "iteration %d", i)
			p.BeginAttempt("server-a", false)
		} else {
			require.Equal(t, ActionDeliver, act.Kind)
			assert.Equal(t, StatusBadResp, act.Result.Status)
		}
	}
}

func TestOnReplyNXDOMAINAdvancesSearchList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchList = []string{"corp.example.", "example.com."}
	cfg.Ndots = 5 // force search-list use for an unrooted single-label name
	p := New(1, "host", rr.TypeA, rr.ClassIN, cfg)
	p.cfg.Use0x20 = false
	require.Equal(t, "host.corp.example.", p.curName)

	p.BuildQuery()
	p.BeginAttempt("server-a", false)
	m := reply(p.ID, message.RcodeNameError, false, "host.corp.example.")
	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind)
	assert.Equal(t, "host.example.com.", p.curName)

	p.BeginAttempt("server-a", false)
	m2 := reply(p.ID, message.RcodeNameError, false, "host.example.com.")
	act2, err := p.OnReply(m2)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, act2.Kind)
	assert.Equal(t, StatusNotFound, act2.Result.Status)
}

func TestOnReplyServerFailureAdvancesToNextServer(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	m := reply(p.ID, message.RcodeServerFailure, false, "www.example.com.")
	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionSend, act.Kind, "a SERVFAIL must move to another endpoint, not terminate the query")
	assert.Equal(t, "server-a", act.ExcludeKey)
	assert.False(t, p.Done())
}

func TestOnReplyRefusedAndFormErrAlsoAdvance(t *testing.T) {
	for _, rc := range []message.Rcode{message.RcodeRefused, message.RcodeNotImplemented, message.RcodeFormatError} {
		p := newTestPending(DefaultConfig())
		p.BuildQuery()
		p.BeginAttempt("server-a", false)

		m := reply(p.ID, rc, false, "www.example.com.")
		act, err := p.OnReply(m)
		require.NoError(t, err)
		assert.Equal(t, ActionSend, act.Kind, "rcode %v", rc)
		assert.Equal(t, "server-a", act.ExcludeKey, "rcode %v", rc)
	}
}

func TestGiveUpPreservesLastServerFailStatus(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	m := reply(p.ID, message.RcodeServerFailure, false, "www.example.com.")
	_, err := p.OnReply(m)
	require.NoError(t, err)

	act := p.GiveUp()
	assert.Equal(t, ActionDeliver, act.Kind)
	assert.Equal(t, StatusServerFailure, act.Result.Status)
	assert.True(t, p.Done())
}

func TestGiveUpDefaultsToConnRefusedWithoutAnyReply(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	act := p.GiveUp()
	assert.Equal(t, StatusConnRefused, act.Result.Status)
}

func TestMatchesRejectsWrongServerTransportOrID(t *testing.T) {
	p := newTestPending(DefaultConfig())
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	good := reply(p.ID, message.RcodeSuccess, false, "www.example.com.")
	assert.True(t, p.Matches(good, "server-a", false))
	assert.False(t, p.Matches(good, "server-b", false), "wrong server")
	assert.False(t, p.Matches(good, "server-a", true), "wrong transport")

	wrongID := reply(p.ID+1, message.RcodeSuccess, false, "www.example.com.")
	assert.False(t, p.Matches(wrongID, "server-a", false))
}

func TestMatchesRejects0x20EchoMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Use0x20 = true
	p := New(1, "www.example.com.", rr.TypeA, rr.ClassIN, cfg)
	p.BuildQuery()
	p.BeginAttempt("server-a", false)

	wrongCase := reply(p.ID, message.RcodeSuccess, false, "WWW.example.com.")
	assert.False(t, p.Matches(wrongCase, "server-a", false))

	exact := reply(p.ID, message.RcodeSuccess, false, p.sentWire)
	assert.True(t, p.Matches(exact, "server-a", false))
}

func TestCancelAndDestroyAreTerminal(t *testing.T) {
	p := newTestPending(DefaultConfig())
	act := p.Cancel()
	assert.Equal(t, StatusCancelled, act.Result.Status)
	assert.True(t, p.Done())

	p2 := newTestPending(DefaultConfig())
	act2 := p2.Destroy()
	assert.Equal(t, StatusDestroyed, act2.Result.Status)
}

func TestNewRawSkipsNameHandling(t *testing.T) {
	wire, err := message.BuildQuery(message.QueryParams{
		ID: 777, Name: "raw.example.", Qtype: rr.TypeA, Qclass: rr.ClassIN, RD: true,
	})
	require.NoError(t, err)

	p := NewRaw(777, wire, DefaultConfig())
	built, err := p.BuildQuery()
	require.NoError(t, err)
	assert.Equal(t, wire, built, "raw mode must return the caller's bytes unchanged")

	p.BeginAttempt("server-a", false)
	m := reply(777, message.RcodeSuccess, false, "raw.example.", aRecord("raw.example."))
	assert.True(t, p.Matches(m, "server-a", false))

	act, err := p.OnReply(m)
	require.NoError(t, err)
	assert.Equal(t, ActionDeliver, act.Kind)
	assert.Equal(t, StatusSuccess, act.Result.Status)
}

func TestDotCountIgnoresTrailingRoot(t *testing.T) {
	assert.Equal(t, 0, dotCount("host"))
	assert.Equal(t, 2, dotCount("www.example.com."))
	assert.Equal(t, 2, dotCount("www.example.com"))
}
