package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when a probe would connect to a loopback,
// private, link-local or otherwise non-public address.
var ErrBlockedAddress = errors.New("address not allowed")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// publicAddr reports whether addr is routable on the public internet.
func publicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || !addr.IsGlobalUnicast() || addr.IsPrivate() || addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return false
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}

// guardDial runs after DNS resolution, so it sees the address the socket
// actually connects to, including on redirect hops.
func guardDial(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if !publicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, ap.Addr())
	}
	return nil
}

// NewPublicClient returns an HTTP client that only connects to public
// addresses and ignores proxy settings.
func NewPublicClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Control: guardDial}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
			MaxIdleConns:          16,
			IdleConnTimeout:       30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

// HTTPProber asks the remote host what a URL serves.
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber probes through client, or through NewPublicClient when
// client is nil.
func NewHTTPProber(client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = NewPublicClient()
	}
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &HTTPProber{client: client, timeout: timeout}
}

// Probe sends HEAD, falling back to GET when the server refuses HEAD, and
// reports whether the response is a successful image.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, contentType, ok := p.do(ctx, http.MethodHead, rawURL)
	if ok && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, contentType, ok = p.do(ctx, http.MethodGet, rawURL)
	}
	return ok && status >= 200 && status < 300 && strings.HasPrefix(strings.ToLower(contentType), "image/")
}

func (p *HTTPProber) do(ctx context.Context, method, rawURL string) (int, string, bool) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, "", false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", false
	}
	resp.Body.Close()
	return resp.StatusCode, resp.Header.Get("Content-Type"), true
}
