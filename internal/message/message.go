// Package message implements the DNS message codec (spec.md C2): building
// outgoing queries (including EDNS(0) OPT) and parsing arbitrary reply
// messages into a structured record tree. It is built directly on
// internal/name (C1) and internal/rr's data-driven RR catalogue.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dnsscience/aresgo/internal/name"
	"github.com/dnsscience/aresgo/internal/rr"
)

// Errors surfaced by Parse/BuildQuery. The channel reports a BuildQuery
// name error on a submitted query as ares.StatusBadName (the error itself
// rides along in Result.Err); a reply that fails Parse is dropped as if it
// had never arrived.
var (
	ErrMessageTooShort = errors.New("message: shorter than the 12-byte header")
	ErrSectionOverrun  = errors.New("message: section count exceeds remaining buffer")
	ErrRDLenOverrun    = errors.New("message: RDLEN runs past the message buffer")
	ErrMultipleOPT     = errors.New("message: more than one OPT record in additional section")
	ErrOptionTruncated = errors.New("message: EDNS option length does not fit RDATA")
	ErrNoQuestion      = errors.New("message: query must carry exactly one question")
	ErrTrailingData    = errors.New("message: bytes remain after the declared RR counts were consumed")
)

const (
	headerLen     = 12
	defaultUDPSize = 1232 // spec.md §4.2 default EDNS UDP payload size
)

// Opcode is the 4-bit DNS operation code.
type Opcode uint8

const (
	OpcodeQuery  Opcode = 0
	OpcodeIQuery Opcode = 1
	OpcodeStatus Opcode = 2
)

// Rcode is the 4-bit (or, with EDNS, 12-bit extended) response code.
type Rcode uint16

const (
	RcodeSuccess        Rcode = 0
	RcodeFormatError    Rcode = 1
	RcodeServerFailure  Rcode = 2
	RcodeNameError      Rcode = 3 // NXDOMAIN
	RcodeNotImplemented Rcode = 4
	RcodeRefused        Rcode = 5
)

// Header is the 12-byte DNS message header (RFC 1035 §4.1.1).
type Header struct {
	ID      uint16
	QR      bool
	Opcode  Opcode
	AA      bool
	TC      bool
	RD      bool
	RA      bool
	AD      bool
	CD      bool
	Rcode   Rcode
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

func (h Header) flags() uint16 {
	var f uint16
	if h.QR {
		f |= 1 << 15
	}
	f |= uint16(h.Opcode&0x0F) << 11
	if h.AA {
		f |= 1 << 10
	}
	if h.TC {
		f |= 1 << 9
	}
	if h.RD {
		f |= 1 << 8
	}
	if h.RA {
		f |= 1 << 7
	}
	if h.AD {
		f |= 1 << 5
	}
	if h.CD {
		f |= 1 << 4
	}
	f |= uint16(h.Rcode & 0x0F)
	return f
}

func decodeFlags(f uint16) Header {
	return Header{
		QR:     f&(1<<15) != 0,
		Opcode: Opcode((f >> 11) & 0x0F),
		AA:     f&(1<<10) != 0,
		TC:     f&(1<<9) != 0,
		RD:     f&(1<<8) != 0,
		RA:     f&(1<<7) != 0,
		AD:     f&(1<<5) != 0,
		CD:     f&(1<<4) != 0,
		Rcode:  Rcode(f & 0x0F),
	}
}

// Question is one question-section entry.
type Question struct {
	Name  string
	Type  rr.Type
	Class rr.Class
}

// Message is the full in-memory decoding of a DNS packet.
type Message struct {
	Header     Header
	Question   []Question
	Answer     []rr.Record
	Authority  []rr.Record
	Additional []rr.Record

	// OPT, if present, is the parsed EDNS(0) pseudo-record pulled out of
	// Additional for convenience; spec.md §4.2 allows at most one.
	OPT *EDNS
}

// EDNS is the decoded form of an OPT pseudo-record (spec.md §4.2).
type EDNS struct {
	UDPSize      uint16
	ExtendedRcode uint8
	Version      uint8
	DO           bool // DNSSEC OK bit
	Options      []rr.OptOption
}

// QueryParams describes an outgoing query to BuildQuery.
type QueryParams struct {
	ID      uint16
	Name    string // already wire-escaped / case-randomised text form
	Qtype   rr.Type
	Qclass  rr.Class
	RD      bool
	AD      bool
	CD      bool
	EDNS    bool
	DO      bool
	UDPSize uint16          // 0 -> defaultUDPSize
	Options []rr.OptOption // extra EDNS(0) options (e.g. a COOKIE option)
}

// BuildQuery encodes a single-question query, optionally with an EDNS(0)
// OPT record in the additional section, per spec.md §4.2.
func BuildQuery(p QueryParams) ([]byte, error) {
	qnameWire, err := name.Encode(p.Name)
	if err != nil {
		return nil, fmt.Errorf("message: encode qname: %w", err)
	}

	h := Header{
		ID:      p.ID,
		Opcode:  OpcodeQuery,
		RD:      p.RD,
		AD:      p.AD,
		CD:      p.CD,
		QDCount: 1,
	}
	if p.EDNS {
		h.ARCount = 1
	}

	buf := make([]byte, headerLen, headerLen+len(qnameWire)+4+32)
	binary.BigEndian.PutUint16(buf[0:2], h.ID)
	binary.BigEndian.PutUint16(buf[2:4], h.flags())
	binary.BigEndian.PutUint16(buf[4:6], h.QDCount)
	binary.BigEndian.PutUint16(buf[6:8], h.ANCount)
	binary.BigEndian.PutUint16(buf[8:10], h.NSCount)
	binary.BigEndian.PutUint16(buf[10:12], h.ARCount)

	buf = append(buf, qnameWire...)
	buf = append(buf, 0, 0) // type placeholder, filled below
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(p.Qtype))
	buf = append(buf, 0, 0)
	binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(p.Qclass))

	if p.EDNS {
		udpSize := p.UDPSize
		if udpSize == 0 {
			udpSize = defaultUDPSize
		}
		var ttl uint32
		if p.DO {
			ttl |= 1 << 15
		}
		buf = append(buf, 0) // owner name: root
		buf = append(buf, 0, 0)
		binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(rr.TypeOPT))
		buf = append(buf, 0, 0)
		binary.BigEndian.PutUint16(buf[len(buf)-2:], udpSize)
		buf = append(buf, 0, 0, 0, 0)
		binary.BigEndian.PutUint32(buf[len(buf)-4:], ttl)

		var rdata []byte
		for _, opt := range p.Options {
			var optHdr [4]byte
			binary.BigEndian.PutUint16(optHdr[0:2], opt.Code)
			binary.BigEndian.PutUint16(optHdr[2:4], uint16(len(opt.Value)))
			rdata = append(rdata, optHdr[:]...)
			rdata = append(rdata, opt.Value...)
		}
		buf = append(buf, 0, 0)
		binary.BigEndian.PutUint16(buf[len(buf)-2:], uint16(len(rdata)))
		buf = append(buf, rdata...)
	}

	return buf, nil
}

// PeekHeader decodes only the 12-byte header, for cheaply rejecting a
// reply whose transaction id cannot possibly match any pending query
// before paying for a full Parse. Grounded on the teacher's dnsasm fast
// header pre-parse, reimplemented in pure Go since the cgo library it
// bound to is not part of this tree (see DESIGN.md).
func PeekHeader(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, ErrMessageTooShort
	}
	h := decodeFlags(binary.BigEndian.Uint16(buf[2:4]))
	h.ID = binary.BigEndian.Uint16(buf[0:2])
	h.QDCount = binary.BigEndian.Uint16(buf[4:6])
	h.ANCount = binary.BigEndian.Uint16(buf[6:8])
	h.NSCount = binary.BigEndian.Uint16(buf[8:10])
	h.ARCount = binary.BigEndian.Uint16(buf[10:12])
	return h, nil
}

// Parse decodes a full reply message, per spec.md §4.2's numbered rules.
func Parse(buf []byte) (*Message, error) {
	if len(buf) < headerLen {
		return nil, ErrMessageTooShort
	}

	m := &Message{}
	m.Header, _ = PeekHeader(buf)

	p := &decoder{buf: buf, pos: headerLen}

	m.Question = make([]Question, 0, m.Header.QDCount)
	for i := 0; i < int(m.Header.QDCount); i++ {
		q, err := p.question()
		if err != nil {
			return nil, fmt.Errorf("message: question %d: %w", i, err)
		}
		m.Question = append(m.Question, q)
	}

	var err error
	if m.Answer, err = p.section(int(m.Header.ANCount)); err != nil {
		return nil, fmt.Errorf("message: answer section: %w", err)
	}
	if m.Authority, err = p.section(int(m.Header.NSCount)); err != nil {
		return nil, fmt.Errorf("message: authority section: %w", err)
	}
	if m.Additional, err = p.section(int(m.Header.ARCount)); err != nil {
		return nil, fmt.Errorf("message: additional section: %w", err)
	}

	// spec.md §4.2 rule 6: a message declaring fewer RRs than the bytes
	// actually present is malformed the same way an overrun is — reject
	// trailing garbage rather than silently ignoring it.
	if p.pos != len(buf) {
		return nil, ErrTrailingData
	}

	opt, err := extractOPT(m.Additional)
	if err != nil {
		return nil, err
	}
	m.OPT = opt

	return m, nil
}

func extractOPT(additional []rr.Record) (*EDNS, error) {
	var found *rr.Record
	for i := range additional {
		if additional[i].Type != rr.TypeOPT {
			continue
		}
		if found != nil {
			return nil, ErrMultipleOPT
		}
		found = &additional[i]
	}
	if found == nil {
		return nil, nil
	}

	e := &EDNS{
		UDPSize:       uint16(found.Class),
		ExtendedRcode: uint8(found.TTL >> 24),
		Version:       uint8(found.TTL >> 16),
		DO:            found.TTL&(1<<15) != 0,
	}

	raw := found.Raw
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, ErrOptionTruncated
		}
		code := binary.BigEndian.Uint16(raw[0:2])
		optLen := binary.BigEndian.Uint16(raw[2:4])
		if int(optLen) > len(raw)-4 {
			return nil, ErrOptionTruncated
		}
		val := append([]byte(nil), raw[4:4+int(optLen)]...)
		e.Options = append(e.Options, rr.OptOption{Code: code, Value: val})
		raw = raw[4+int(optLen):]
	}

	return e, nil
}

// decoder walks buf tracking a cursor, used for the question/RR-section
// loops. Name decoding itself (including compression pointers) is
// delegated to internal/name, which takes an absolute offset and returns
// the bytes consumed from that offset — never from inside a pointer jump.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) question() (Question, error) {
	n, consumed, err := name.Decode(d.buf, d.pos)
	if err != nil {
		return Question{}, err
	}
	d.pos += consumed

	if d.pos+4 > len(d.buf) {
		return Question{}, ErrMessageTooShort
	}
	q := Question{
		Name:  n,
		Type:  rr.Type(binary.BigEndian.Uint16(d.buf[d.pos : d.pos+2])),
		Class: rr.Class(binary.BigEndian.Uint16(d.buf[d.pos+2 : d.pos+4])),
	}
	d.pos += 4
	return q, nil
}

func (d *decoder) section(count int) ([]rr.Record, error) {
	if count < 0 || count > 65535 {
		return nil, ErrSectionOverrun
	}
	out := make([]rr.Record, 0, count)
	for i := 0; i < count; i++ {
		r, err := d.record()
		if err != nil {
			return nil, fmt.Errorf("RR %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *decoder) record() (rr.Record, error) {
	var rec rr.Record

	n, consumed, err := name.Decode(d.buf, d.pos)
	if err != nil {
		return rec, err
	}
	d.pos += consumed
	rec.Name = n

	if d.pos+10 > len(d.buf) {
		return rec, ErrMessageTooShort
	}
	rec.Type = rr.Type(binary.BigEndian.Uint16(d.buf[d.pos : d.pos+2]))
	rec.Class = rr.Class(binary.BigEndian.Uint16(d.buf[d.pos+2 : d.pos+4]))
	rec.TTL = rr.ClampTTL(binary.BigEndian.Uint32(d.buf[d.pos+4 : d.pos+8]))
	rdlen := int(binary.BigEndian.Uint16(d.buf[d.pos+8 : d.pos+10]))
	d.pos += 10

	if d.pos+rdlen > len(d.buf) {
		return rec, ErrRDLenOverrun
	}
	rdata := d.buf[d.pos : d.pos+rdlen]
	d.pos += rdlen

	rec.Raw = append([]byte(nil), rdata...)
	if layout, ok := rr.Layout[rec.Type]; ok && rec.Type != rr.TypeOPT {
		values, err := decodeRDATA(d.buf, d.pos-rdlen, rdata, layout)
		if err != nil {
			return rec, fmt.Errorf("rdata for %s: %w", rec.Type, err)
		}
		rec.Values = values
	}

	return rec, nil
}

// InverseAddressName rewrites an IPv4/IPv6 literal into its PTR query
// name: "x.x.x.x.in-addr.arpa." or the nibble form under "ip6.arpa.",
// per spec.md §4.2's inverse-address helper. Returns ok=false (and the
// input unchanged) when text does not parse as an IP literal.
func InverseAddressName(text string) (string, bool) {
	ip := net.ParseIP(text)
	if ip == nil {
		return text, false
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", v4[3], v4[2], v4[1], v4[0]), true
	}
	v6 := ip.To16()
	var sb strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		lo := v6[i] & 0x0F
		hi := v6[i] >> 4
		fmt.Fprintf(&sb, "%x.%x.", lo, hi)
	}
	sb.WriteString("ip6.arpa.")
	return sb.String(), true
}
