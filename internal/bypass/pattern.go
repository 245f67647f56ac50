// Package bypass compiles proxy bypass rule strings into host/port predicates.
//
// A pattern is a comma separated list of rules. Each rule is a host optionally
// followed by ":port". Hosts are one of
//
//	<loopback>        localhost, *.localhost, 127.0.0.1 and [::1]
//	*                 every host
//	192.168.0.1       an IPv4 or IPv6 literal, compared verbatim
//	*.example.com     a glob; a leading "." is read as "*."
//
// A glob never matches an IP literal host, and an IP rule never matches a
// domain. The pattern matches when any of its rules matches.
package bypass

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// ErrUnsupportedToken reports a rule that cannot be parsed.
var ErrUnsupportedToken = errors.New("bypass: unsupported token")

const loopbackKeyword = "<loopback>"

// Matcher reports whether a destination matches the compiled pattern.
type Matcher func(host string, port int) bool

// None matches nothing.
func None(string, int) bool { return false }

// Compile parses pattern. An empty pattern compiles to None.
func Compile(pattern string) (Matcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return None, nil
	}
	var rules []Matcher
	for _, token := range strings.Split(pattern, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		rule, err := compileToken(token)
		if err != nil {
			return nil, fmt.Errorf("%w %q in pattern %q: %v", ErrUnsupportedToken, token, pattern, err)
		}
		rules = append(rules, rule)
	}
	if len(rules) == 0 {
		return None, nil
	}
	return func(host string, port int) bool {
		for _, rule := range rules {
			if rule(host, port) {
				return true
			}
		}
		return false
	}, nil
}

// Parse is Compile that degrades to None when the pattern does not compile.
func Parse(pattern string) Matcher {
	m, err := Compile(pattern)
	if err != nil {
		return None
	}
	return m
}

func compileToken(token string) (Matcher, error) {
	host, tokenPort, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	portMatches := func(port int) bool { return tokenPort < 0 || tokenPort == port }

	switch {
	case host == loopbackKeyword:
		return func(h string, port int) bool {
			if !portMatches(port) {
				return false
			}
			h = strings.ToLower(h)
			return h == "localhost" || strings.HasSuffix(h, ".localhost") || h == "127.0.0.1" || h == "[::1]"
		}, nil
	case host == "*":
		return func(_ string, port int) bool { return portMatches(port) }, nil
	}

	if literal, ok := ipLiteral(host); ok {
		return func(h string, port int) bool {
			return portMatches(port) && strings.Trim(h, "[]") == literal
		}, nil
	}

	if strings.HasPrefix(host, ".") {
		host = "*" + host
	}
	g, err := glob.Compile(quoteGlob(strings.ToLower(host)), '/')
	if err != nil {
		return nil, err
	}
	return func(h string, port int) bool {
		if !portMatches(port) {
			return false
		}
		if _, ok := ipLiteral(h); ok {
			return false
		}
		return g.Match(strings.ToLower(h))
	}, nil
}

// splitToken separates host and optional port. The port is -1 when absent.
func splitToken(token string) (string, int, error) {
	if _, ok := ipLiteral(token); ok {
		return token, -1, nil
	}
	if strings.HasPrefix(token, "[") {
		end := strings.Index(token, "]")
		if end < 0 {
			return "", 0, errors.New("unterminated bracket")
		}
		host, rest := token[:end+1], token[end+1:]
		if rest == "" {
			return host, -1, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", 0, errors.New("garbage after bracketed address")
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}
	i := strings.LastIndexByte(token, ':')
	if i < 0 {
		return token, -1, nil
	}
	port, err := parsePort(token[i+1:])
	if err != nil {
		return "", 0, err
	}
	if token[:i] == "" {
		return "", 0, errors.New("empty host")
	}
	return token[:i], port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return int(port), nil
}

func ipLiteral(host string) (string, bool) {
	trimmed := strings.Trim(host, "[]")
	if _, err := netip.ParseAddr(trimmed); err != nil {
		return "", false
	}
	return trimmed, true
}

// quoteGlob escapes everything except "*" so that hosts containing glob
// metacharacters are matched literally.
func quoteGlob(host string) string {
	parts := strings.Split(host, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	return strings.Join(parts, "*")
}
