package socks

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Dial error codes exchanged between the proxy and the peer.
const (
	CodeNotFound      = "ENOTFOUND"
	CodeNoEntry       = "ENOENT"
	CodeTimedOut      = "ETIMEDOUT"
	CodeHostUnreach   = "EHOSTUNREACH"
	CodeNetUnreach    = "ENETUNREACH"
	CodeRefused       = "ECONNREFUSED"
	CodeRuleSet       = "ERULESET"
	CodeNoPeer        = "ENOPEER"
	CodeGeneralFailed = "EFAILED"
)

// ErrorCode classifies a dial error into an errno-style code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return CodeNetUnreach
	case errors.Is(err, syscall.EHOSTUNREACH):
		return CodeHostUnreach
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return CodeTimedOut
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return CodeTimedOut
		}
		return CodeNotFound
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTimedOut
	}
	return CodeGeneralFailed
}

// ReplyCode maps an error code to the SOCKS reply byte. Codes without a
// dedicated reply are reported as a general server failure.
func ReplyCode(code string) byte {
	switch code {
	case CodeNoEntry, CodeNotFound, CodeTimedOut, CodeHostUnreach:
		return ReplyHostUnreachable
	case CodeNetUnreach:
		return ReplyNetworkUnreachable
	case CodeRefused:
		return ReplyConnectionRefused
	case CodeRuleSet:
		return ReplyNotAllowedByRuleSet
	}
	return ReplyGeneralServerFailure
}
