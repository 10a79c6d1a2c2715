package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/dnsscience/aresgo/internal/name"
	"github.com/dnsscience/aresgo/internal/rr"
)

// ErrRDATAShort is returned when a fixed-width field runs past the end of
// the record's RDATA before its layout says it should.
var ErrRDATAShort = errors.New("message: RDATA shorter than its field layout")

// decodeRDATA walks layout in order, consuming rdata left to right. Name
// fields are decoded against the full message buffer at their absolute
// offset (msgBuf, msgOff) so that compression pointers inside RDATA (legal
// for the types this catalogue defines, e.g. SOA/MX/SRV/NAPTR) resolve
// correctly; every other field kind is read directly out of rdata.
func decodeRDATA(msgBuf []byte, msgOff int, rdata []byte, layout []rr.Field) (map[string]any, error) {
	values := make(map[string]any, len(layout))
	pos := 0

	for _, f := range layout {
		switch f.Kind {
		case rr.KindIPv4:
			if pos+4 > len(rdata) {
				return nil, ErrRDATAShort
			}
			ip := net.IPv4(rdata[pos], rdata[pos+1], rdata[pos+2], rdata[pos+3])
			values[f.Name] = ip
			pos += 4

		case rr.KindIPv6:
			if pos+16 > len(rdata) {
				return nil, ErrRDATAShort
			}
			ip := make(net.IP, 16)
			copy(ip, rdata[pos:pos+16])
			values[f.Name] = ip
			pos += 16

		case rr.KindU8:
			if pos+1 > len(rdata) {
				return nil, ErrRDATAShort
			}
			values[f.Name] = rdata[pos]
			pos++

		case rr.KindU16:
			if pos+2 > len(rdata) {
				return nil, ErrRDATAShort
			}
			values[f.Name] = binary.BigEndian.Uint16(rdata[pos : pos+2])
			pos += 2

		case rr.KindU32:
			if pos+4 > len(rdata) {
				return nil, ErrRDATAShort
			}
			values[f.Name] = binary.BigEndian.Uint32(rdata[pos : pos+4])
			pos += 4

		case rr.KindName:
			n, consumed, err := name.Decode(msgBuf, msgOff+pos)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			values[f.Name] = n
			pos += consumed

		case rr.KindString:
			if pos+1 > len(rdata) {
				return nil, ErrRDATAShort
			}
			l := int(rdata[pos])
			pos++
			if pos+l > len(rdata) {
				return nil, ErrRDATAShort
			}
			values[f.Name] = string(rdata[pos : pos+l])
			pos += l

		case rr.KindStrings:
			var strs []string
			for pos < len(rdata) {
				l := int(rdata[pos])
				pos++
				if pos+l > len(rdata) {
					return nil, ErrRDATAShort
				}
				strs = append(strs, string(rdata[pos:pos+l]))
				pos += l
			}
			values[f.Name] = strs

		case rr.KindOpaque:
			values[f.Name] = append([]byte(nil), rdata[pos:]...)
			pos = len(rdata)

		case rr.KindOpaqueRest16:
			var params []rr.OptOption
			for pos+4 <= len(rdata) {
				code := binary.BigEndian.Uint16(rdata[pos : pos+2])
				l := int(binary.BigEndian.Uint16(rdata[pos+2 : pos+4]))
				pos += 4
				if pos+l > len(rdata) {
					return nil, ErrRDATAShort
				}
				params = append(params, rr.OptOption{Code: code, Value: append([]byte(nil), rdata[pos:pos+l]...)})
				pos += l
			}
			values[f.Name] = params
		}
	}

	return values, nil
}
