package device

import (
	"net"
	"net/http"
	"strings"
)

const DefaultMACHeader = "X-Client-Mac"

// ClientInfo is the network identity of a request. Both the forwarded IP and
// the MAC are client-supplied headers, so they only bind a session to what
// the client claims. Deploy behind a proxy that overwrites X-Forwarded-For
// and the IP override header.
type ClientInfo struct {
	IP        string
	MAC       string
	UserAgent string
}

type Extractor struct {
	ipHeader  string
	macHeader string
}

// NewExtractor reads the client IP from ipHeader when it is set, then the
// first X-Forwarded-For entry, then the connection address.
func NewExtractor(ipHeader, macHeader string) Extractor {
	macHeader = strings.TrimSpace(macHeader)
	if macHeader == "" {
		macHeader = DefaultMACHeader
	}
	return Extractor{ipHeader: strings.TrimSpace(ipHeader), macHeader: macHeader}
}

func (e Extractor) FromRequest(r *http.Request) ClientInfo {
	ip := e.clientIP(r)
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}

	return ClientInfo{
		IP:        ip,
		MAC:       strings.ToUpper(strings.TrimSpace(r.Header.Get(e.macHeader))),
		UserAgent: userAgentProduct(r.UserAgent()),
	}
}

func (e Extractor) clientIP(r *http.Request) string {
	if e.ipHeader != "" {
		if ip := strings.TrimSpace(r.Header.Get(e.ipHeader)); ip != "" {
			return ip
		}
	}

	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// userAgentProduct keeps the product token of a User-Agent ("Mozilla" from
// "Mozilla/5.0 (...)").
func userAgentProduct(userAgent string) string {
	product, _, _ := strings.Cut(strings.TrimSpace(userAgent), "/")
	return product
}
