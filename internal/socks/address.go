package socks

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// https://tools.ietf.org/html/rfc1928

const (
	socksVersion = 0x05

	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded               byte = 0x00
	ReplyGeneralServerFailure    byte = 0x01
	ReplyNotAllowedByRuleSet     byte = 0x02
	ReplyNetworkUnreachable      byte = 0x03
	ReplyHostUnreachable         byte = 0x04
	ReplyConnectionRefused       byte = 0x05
	ReplyTTLExpired              byte = 0x06
	ReplyCommandNotSupported     byte = 0x07
	ReplyAddressTypeNotSupported byte = 0x08
)

// encodeAddress renders host as ATYP followed by the address bytes.
// IPv4-mapped IPv6 addresses are sent as IPv4.
func encodeAddress(host string) ([]byte, error) {
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			a := addr.As4()
			return append([]byte{atypIPv4}, a[:]...), nil
		}
		a := addr.As16()
		return append([]byte{atypIPv6}, a[:]...), nil
	}
	if host == "" || len(host) > 255 {
		return nil, errors.New("socks: address must be an IP or a domain of 1..255 bytes")
	}
	return append([]byte{atypDomain, byte(len(host))}, host...), nil
}

// decodeIPv6 renders 16 raw bytes as eight uncompressed hex groups, e.g.
// "0:0:0:0:0:0:0:1".
func decodeIPv6(b []byte) string {
	groups := make([]string, 8)
	for i := range groups {
		groups[i] = fmt.Sprintf("%x", uint16(b[2*i])<<8|uint16(b[2*i+1]))
	}
	return strings.Join(groups, ":")
}

func decodeIPv4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}

func reply(code byte, host string, port int) []byte {
	addr, err := encodeAddress(host)
	if err != nil {
		addr = []byte{atypIPv4, 0, 0, 0, 0}
		port = 0
	}
	out := make([]byte, 0, 3+len(addr)+2)
	out = append(out, socksVersion, code, 0x00)
	out = append(out, addr...)
	return append(out, byte(port>>8), byte(port))
}

// failureReply is the generic reply sent with an unspecified bound address.
func failureReply(code byte) []byte {
	return reply(code, "0.0.0.0", 0)
}
