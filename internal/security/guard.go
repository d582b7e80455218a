// Package security guards outbound requests against SSRF and redacts
// secrets from logged request data.
package security

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Reason classifies why a URL was rejected.
type Reason string

const (
	ReasonInvalidURL     Reason = "invalid_url"
	ReasonScheme         Reason = "scheme"
	ReasonLocalhost      Reason = "localhost"
	ReasonPrivateNetwork Reason = "private_network"
	ReasonHostNotAllowed Reason = "host_not_allowed"
)

var reasonMessages = map[Reason]string{
	ReasonInvalidURL:     "Invalid URL",
	ReasonScheme:         "Only HTTP(S) URLs are allowed",
	ReasonLocalhost:      "Localhost URLs are not allowed",
	ReasonPrivateNetwork: "Private network URLs are not allowed",
	ReasonHostNotAllowed: "Host is not in allowed RSS host list",
}

// UnsafeURLError is returned when an outbound URL fails validation.
type UnsafeURLError struct {
	URL    string
	Reason Reason
}

func (e *UnsafeURLError) Error() string {
	return reasonMessages[e.Reason]
}

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		prefixes = append(prefixes, netip.MustParsePrefix(s))
	}
	return prefixes
}()

// IsBlockedAddr reports whether addr is loopback, private or link-local.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AssertSafeOutboundURL returns an *UnsafeURLError when rawURL must not be
// fetched. A non-empty allowedHosts list restricts hosts to exact matches.
func AssertSafeOutboundURL(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return &UnsafeURLError{URL: rawURL, Reason: ReasonInvalidURL}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &UnsafeURLError{URL: rawURL, Reason: ReasonScheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &UnsafeURLError{URL: rawURL, Reason: ReasonInvalidURL}
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &UnsafeURLError{URL: rawURL, Reason: ReasonLocalhost}
	}

	if addr, err := netip.ParseAddr(host); err == nil && IsBlockedAddr(addr) {
		return &UnsafeURLError{URL: rawURL, Reason: ReasonPrivateNetwork}
	}

	if len(allowedHosts) > 0 {
		allowed := false
		for _, h := range allowedHosts {
			if strings.ToLower(h) == host {
				allowed = true
				break
			}
		}
		if !allowed {
			return &UnsafeURLError{URL: rawURL, Reason: ReasonHostNotAllowed}
		}
	}
	return nil
}

// Describe formats err for logs, including the offending URL when known.
func Describe(err error) string {
	if e, ok := err.(*UnsafeURLError); ok {
		return fmt.Sprintf("%s (%s)", e.Error(), RedactURL(e.URL))
	}
	return err.Error()
}
