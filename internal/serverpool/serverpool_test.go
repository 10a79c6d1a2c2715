package serverpool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewRejectsEmptyList(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestNewRejectsNonLiteralHost(t *testing.T) {
	_, err := New([]string{"resolver.example.com:53"}, Options{})
	assert.Error(t, err)
}

func TestSelectRoundRobinsAcrossEndpoints(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53", "127.0.0.3:53"}, Options{})
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		ep, err := p.Select(nil)
		require.NoError(t, err)
		seen[ep.Key()]++
	}
	assert.Equal(t, 2, seen["127.0.0.1:53"])
	assert.Equal(t, 2, seen["127.0.0.2:53"])
	assert.Equal(t, 2, seen["127.0.0.3:53"])
}

func TestSelectSkipsEndpointPastFailureThreshold(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, Options{FailureThreshold: 2})
	require.NoError(t, err)

	ep := p.endpoints[0]
	ep.RecordFailure(2)
	justSkipped := ep.RecordFailure(2)
	assert.True(t, justSkipped, "threshold crosses exactly once, at the call that reaches it")

	for i := 0; i < 4; i++ {
		got, err := p.Select(nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.2:53", got.Key())
	}
}

func TestSelectReturnsErrAllSkippedWhenNoneQualify(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53"}, Options{FailureThreshold: 1})
	require.NoError(t, err)
	p.endpoints[0].RecordFailure(1)

	_, err = p.Select(nil)
	assert.ErrorIs(t, err, ErrAllSkipped)
}

func TestSelectHonorsExcludedSet(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, Options{})
	require.NoError(t, err)

	ep, err := p.Select(map[string]bool{"127.0.0.1:53": true})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:53", ep.Key())
}

func TestSelectPrefersPrimaryEveryCall(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53", "127.0.0.3:53"}, Options{Primary: true})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ep, err := p.Select(nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:53", ep.Key(), "primary bias must win every call, not just the first")
	}
}

func TestSelectFallsBackFromSkippedPrimary(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, Options{Primary: true, FailureThreshold: 1})
	require.NoError(t, err)
	p.endpoints[0].RecordFailure(1)

	ep, err := p.Select(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:53", ep.Key())
}

func TestSelectFallsBackFromExcludedPrimary(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53", "127.0.0.2:53"}, Options{Primary: true})
	require.NoError(t, err)

	ep, err := p.Select(map[string]bool{"127.0.0.1:53": true})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:53", ep.Key())
}

func TestPrimaryReportsFalsePastThreshold(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53"}, Options{FailureThreshold: 1})
	require.NoError(t, err)
	p.endpoints[0].RecordFailure(1)

	_, ok := p.Primary()
	assert.False(t, ok)
}

func TestAllowRespectsTokenBucket(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53"}, Options{RatePerSecond: 1, Burst: 1})
	require.NoError(t, err)
	ep := p.endpoints[0]

	assert.True(t, ep.Allow(), "first token is available immediately")
	assert.False(t, ep.Allow(), "burst of 1 exhausted, no token left")
}

func TestRecordSuccessResetsFailureCount(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53"}, Options{FailureThreshold: 2})
	require.NoError(t, err)
	ep := p.endpoints[0]
	ep.RecordFailure(2)
	ep.RecordSuccess()
	assert.False(t, ep.skipped(2))
}

func TestFeedTCPAssemblesCompleteMessages(t *testing.T) {
	ep := &Endpoint{udpFD: -1, tcpFD: -1}

	msgA := []byte("hello-a")
	msgB := []byte("hi-b")
	var stream []byte
	stream = append(stream, byte(0), byte(len(msgA)))
	stream = append(stream, msgA...)
	stream = append(stream, byte(0), byte(len(msgB)))
	stream = append(stream, msgB...)

	// Feed one byte at a time to exercise partial-frame buffering.
	var got [][]byte
	for i := range stream {
		msgs, err := ep.FeedTCP(stream[i : i+1])
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, msgA, got[0])
	assert.Equal(t, msgB, got[1])
}

func TestFeedTCPBuffersMaxLengthFrame(t *testing.T) {
	// 0xFFFF (65535) is the largest legal length prefix: it is not an
	// error, and with only one body byte present nothing is complete yet.
	ep := &Endpoint{udpFD: -1, tcpFD: -1}
	partial := []byte{0xFF, 0xFF, 0xFF}
	msgs, err := ep.FeedTCP(partial)
	assert.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestQueueTCPAndAdvanceWrite(t *testing.T) {
	ep := &Endpoint{udpFD: -1, tcpFD: -1}
	ep.QueueTCP([]byte("abc"))
	require.Len(t, ep.PendingWrite(), 5) // 2-byte prefix + 3 bytes
	ep.AdvanceWrite(2)
	assert.Equal(t, []byte("abc"), ep.PendingWrite())
}

func TestEnsureUDPConnectsLoopback(t *testing.T) {
	p, err := New([]string{"127.0.0.1:53"}, Options{})
	require.NoError(t, err)
	ep := p.endpoints[0]

	fd, err := ep.EnsureUDP()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)
	defer ep.CloseUDP()

	// Idempotent: a second call returns the same fd without re-dialling.
	fd2, err := ep.EnsureUDP()
	require.NoError(t, err)
	assert.Equal(t, fd, fd2)
}

func TestEnsureTCPConnectsToLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	p, err := New([]string{net.JoinHostPort("127.0.0.1", itoa(addr.Port))}, Options{})
	require.NoError(t, err)
	ep := p.endpoints[0]

	fd, err := ep.EnsureTCP()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, 0)
	defer ep.CloseTCP()

	conn, err := ln.Accept()
	require.NoError(t, err)
	conn.Close()
}

func TestEndpointFamilyDetection(t *testing.T) {
	p, err := New([]string{"[::1]:53"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET6, p.endpoints[0].Family)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
