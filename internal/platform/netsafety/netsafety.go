// Package netsafety validates URLs the system is about to fetch itself
// (the orchestrator's prohibition-check GET) against SSRF-prone
// targets before any outbound request is made.
package netsafety

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

const maxURLLength = 2048

var blockedHostnames = map[string]bool{
	"localhost": true,
	"0.0.0.0":   true,
	"::1":       true,
}

var blockedCIDRs []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"192.0.2.0/24",
		"198.51.100.0/24",
		"203.0.113.0/24",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			blockedCIDRs = append(blockedCIDRs, network)
		}
	}
}

// ValidateOutboundURL rejects anything that is not a safe, public
// http(s) endpoint: wrong scheme, empty host, loopback/private/link-local
// ranges, a bare IP literal as host, a host that IDNA ToUnicode conversion
// changes (any punycode "xn--" label), or a URL over maxURLLength. A host
// already written in Unicode passes the IDNA step unchanged; no NFKC
// normalisation is applied to it.
func ValidateOutboundURL(raw string) error {
	if len(raw) > maxURLLength {
		return fmt.Errorf("url exceeds %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if blockedHostnames[strings.ToLower(host)] {
		return fmt.Errorf("host %q is not a safe outbound target", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return fmt.Errorf("bare IP literal %q not allowed as host", host)
	}

	if addrs, err := net.LookupIP(host); err == nil {
		for _, ip := range addrs {
			for _, network := range blockedCIDRs {
				if network.Contains(ip) {
					return fmt.Errorf("host %q resolves into a blocked network range", host)
				}
			}
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				return fmt.Errorf("host %q resolves to a disallowed address", host)
			}
		}
	}

	normalized, err := idna.New().ToUnicode(host)
	if err == nil && normalized != host {
		return fmt.Errorf("host %q changes under IDNA ToUnicode conversion", host)
	}

	return nil
}
