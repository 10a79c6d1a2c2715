// Package rr defines the resource-record catalogue the codec understands:
// the wire type/class numbers, the typed Go representation of each record,
// and a data-driven field table describing how each type's RDATA is laid
// out. internal/message drives a single encode/decode loop over this table
// instead of hand-writing a switch arm per type.
package rr

import "fmt"

// Type is a 16-bit DNS record type as carried on the wire.
type Type uint16

// Recognised record types (RFC 1035 plus the successor RFCs named in
// spec.md §3). TypeUnknown is not a wire value; it tags the passthrough
// path for any (type, class) pair this catalogue does not special-case.
const (
	TypeA     Type = 1
	TypeNS    Type = 2
	TypeCNAME Type = 5
	TypeSOA   Type = 6
	TypePTR   Type = 12
	TypeMX    Type = 15
	TypeTXT   Type = 16
	TypeAAAA  Type = 28
	TypeSRV   Type = 33
	TypeNAPTR Type = 35
	TypeOPT   Type = 41
	TypeSVCB  Type = 64
	TypeHTTPS Type = 65
	TypeTLSA  Type = 52
	TypeCAA   Type = 257
	TypeURI   Type = 256
	TypeANY   Type = 255
)

var typeNames = map[Type]string{
	TypeA: "A", TypeNS: "NS", TypeCNAME: "CNAME", TypeSOA: "SOA",
	TypePTR: "PTR", TypeMX: "MX", TypeTXT: "TXT", TypeAAAA: "AAAA",
	TypeSRV: "SRV", TypeNAPTR: "NAPTR", TypeOPT: "OPT", TypeSVCB: "SVCB",
	TypeHTTPS: "HTTPS", TypeTLSA: "TLSA", TypeCAA: "CAA", TypeURI: "URI",
	TypeANY: "ANY",
}

// String renders the mnemonic for known types, or "TYPE<n>" otherwise —
// the same convention dig and BIND use for types they don't recognise.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// Class is a 16-bit DNS class.
type Class uint16

const (
	ClassIN  Class = 1
	ClassCH  Class = 3
	ClassHS  Class = 4
	ClassANY Class = 255
)

func (c Class) String() string {
	switch c {
	case ClassIN:
		return "IN"
	case ClassCH:
		return "CH"
	case ClassHS:
		return "HS"
	case ClassANY:
		return "ANY"
	default:
		return fmt.Sprintf("CLASS%d", uint16(c))
	}
}

// FieldKind tags the semantic datatype of one RDATA field, per spec.md §3.
type FieldKind int

const (
	KindIPv4 FieldKind = iota
	KindIPv6
	KindU8
	KindU16
	KindU32
	KindName
	KindString        // single length-prefixed character-string
	KindStrings       // one-or-more length-prefixed strings filling the rest of RDATA (TXT)
	KindOpaque        // remaining bytes, opaque
	KindOpaqueRest16  // run of (u16 key, u16 length, value) triples filling the rest of RDATA, decoded as []OptOption (SVCB/HTTPS params)
)

// Field names one RDATA field in wire order for a given type.
type Field struct {
	Name string
	Kind FieldKind
}

// Layout is the ordered field list for a known type's RDATA.
// Layouts ending in KindStrings/KindOpaque/KindOpaqueRest16 consume the
// remainder of RDLEN; every other field is read at its own width (fixed
// for integers and addresses, self-delimiting for names and strings).
var Layout = map[Type][]Field{
	TypeA:     {{"Address", KindIPv4}},
	TypeAAAA:  {{"Address", KindIPv6}},
	TypeNS:    {{"Target", KindName}},
	TypeCNAME: {{"Target", KindName}},
	TypePTR:   {{"Target", KindName}},
	TypeSOA: {
		{"MName", KindName}, {"RName", KindName},
		{"Serial", KindU32}, {"Refresh", KindU32}, {"Retry", KindU32},
		{"Expire", KindU32}, {"Minimum", KindU32},
	},
	TypeMX:  {{"Preference", KindU16}, {"Exchange", KindName}},
	TypeTXT: {{"Strings", KindStrings}},
	TypeSRV: {
		{"Priority", KindU16}, {"Weight", KindU16}, {"Port", KindU16},
		{"Target", KindName},
	},
	TypeNAPTR: {
		{"Order", KindU16}, {"Preference", KindU16},
		{"Flags", KindString}, {"Services", KindString}, {"Regexp", KindString},
		{"Replacement", KindName},
	},
	TypeTLSA: {
		{"Usage", KindU8}, {"Selector", KindU8}, {"MatchingType", KindU8},
		{"Certificate", KindOpaque},
	},
	TypeCAA: {
		{"Flag", KindU8}, {"Tag", KindString}, {"Value", KindOpaque},
	},
	TypeURI: {
		{"Priority", KindU16}, {"Weight", KindU16}, {"Target", KindOpaque},
	},
	// SVCB/HTTPS share a layout: u16 priority, name target, then a run of
	// (key u16, length u16, value) SvcParams filling the rest of RDATA.
	TypeSVCB:  {{"Priority", KindU16}, {"Target", KindName}, {"Params", KindOpaqueRest16}},
	TypeHTTPS: {{"Priority", KindU16}, {"Target", KindName}, {"Params", KindOpaqueRest16}},
}

// Record is the decoded representation of one resource record.
// Fields beyond the fixed header are held in Values, keyed by Field.Name
// per Layout[Type] (chosen by Type alone; Class is not consulted); a Type
// with no Layout leaves Values nil. Raw always holds the untouched RDATA
// bytes (spec.md §4.2 rule 3).
type Record struct {
	Name  string
	Type  Type
	Class Class
	TTL   uint32

	Values map[string]any
	Raw    []byte
}

// ClampTTL enforces the RFC 2181 non-negative 31-bit TTL range.
func ClampTTL(ttl uint32) uint32 {
	const max31 = 1<<31 - 1
	if ttl > max31 {
		return max31
	}
	return ttl
}

// OptOption is one EDNS(0) OPT-record option (code, length, value) triple,
// per spec.md §4.2 "OPT handling". Recognised codes are given names for
// diagnostics; unrecognised codes are preserved verbatim by number.
type OptOption struct {
	Code  uint16
	Value []byte
}

const (
	OptCodeNSID   = 3
	OptCodeCookie = 10
)
