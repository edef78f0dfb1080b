package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain extracts the effective top-level-domain-plus-one
// (eTLD+1) from a target that may be a URL, host:port, or bare host.
// Used for per-source stats and log lines.
//
// Examples:
//
//	"https://sub.example.co.uk/feed" -> "example.co.uk"
//	"192.168.1.1:8080"               -> "192.168.1.1"
//	"localhost"                      -> "localhost"
func ExtractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	// The Public Suffix List rejects IPs, localhost, and bare TLDs;
	// fall back to the host itself for those.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}
