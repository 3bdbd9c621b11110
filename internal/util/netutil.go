package util

import (
	"fmt"
	"net"
	"strings"
)

// HostPort joins a host and port into a dialable address, bracketing
// IPv6 literals as needed.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// Authority builds the value for the :authority pseudo-header. The port
// is elided when it is the default for the scheme, mirroring what
// browsers put in the Host header.
func Authority(host string, port int, secure bool) string {
	if (secure && port == 443) || (!secure && port == 80) {
		return host
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

// SplitRequestURL separates a request target into path and authority
// parts. Absolute-form targets ("https://host/path") yield both; an
// origin-form target ("/path") yields an empty authority.
func SplitRequestURL(url string) (path, authority string) {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return rest[j:], rest[:j]
		}
		return "/", rest
	}
	if rest == "" {
		return "/", ""
	}
	return rest, ""
}
