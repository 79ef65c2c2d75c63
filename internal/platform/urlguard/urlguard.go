// Package urlguard screens outbound URLs before the server fetches them.
//
// Only literal IP hosts are checked against private ranges. A DNS name that
// resolves to a private address passes; callers that need that guarantee must
// pin resolution themselves.
package urlguard

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies why a URL was refused.
type Kind uint8

const (
	KindEmpty Kind = iota + 1
	KindMalformed
	KindProtocol
	KindBlockedHost
	KindPrivateAddress
	KindNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindMalformed:
		return "malformed"
	case KindProtocol:
		return "protocol"
	case KindBlockedHost:
		return "blocked_host"
	case KindPrivateAddress:
		return "private_address"
	case KindNotAllowed:
		return "not_allowed"
	default:
		return "unknown"
	}
}

// Violation is the failure variant of a Result.
type Violation struct {
	Kind Kind
	Host string
}

func (v *Violation) Error() string {
	switch v.Kind {
	case KindEmpty:
		return "URL must be a non-empty string"
	case KindMalformed:
		return "Invalid URL format"
	case KindProtocol:
		return "only http and https URLs are allowed"
	case KindBlockedHost:
		return "hostname is not allowed: " + v.Host
	case KindPrivateAddress:
		return "private IP addresses are not allowed: " + v.Host
	case KindNotAllowed:
		return "hostname not in allowed list: " + v.Host
	default:
		return "invalid URL"
	}
}

// Blocked reports whether the URL pointed at an internal destination, which
// callers should log as a security event.
func (v *Violation) Blocked() bool {
	return v.Kind == KindBlockedHost || v.Kind == KindPrivateAddress
}

// Result is either a parsed URL or a Violation.
type Result struct {
	URL       *url.URL
	Violation *Violation
}

// OK reports whether the URL was accepted.
func (r Result) OK() bool { return r.Violation == nil }

// Err returns the violation as an error, or nil.
func (r Result) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}

var blockedHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
	"0.0.0.0":   true,
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
}

var dottedQuad = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

func refuse(kind Kind, host string) Result {
	return Result{Violation: &Violation{Kind: kind, Host: host}}
}

// Validate parses raw and checks it against the protocol, host denylist,
// private range and optional allow-list rules. An empty allowedHosts permits
// any public host. An allowed entry also admits its subdomains.
func Validate(raw string, allowedHosts ...string) Result {
	if strings.TrimSpace(raw) == "" {
		return refuse(KindEmpty, "")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return refuse(KindMalformed, "")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return refuse(KindProtocol, "")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return refuse(KindMalformed, "")
	}
	if blockedHosts[host] {
		return refuse(KindBlockedHost, host)
	}

	if dottedQuad.MatchString(host) {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return refuse(KindMalformed, host)
		}
		for _, p := range privateRanges {
			if p.Contains(addr) {
				return refuse(KindPrivateAddress, host)
			}
		}
	}

	if len(allowedHosts) > 0 && !hostAllowed(host, allowedHosts) {
		return refuse(KindNotAllowed, host)
	}

	return Result{URL: u}
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}
