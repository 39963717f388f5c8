package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// probeCandidate checks a candidate in two steps: a TCP dial to see
// the port is open at all, then an HTTP fetch routed through the
// candidate to see it actually proxies. Any 2xx/3xx passes. The whole
// probe is bounded by timeout so a dead candidate cannot stall.
func probeCandidate(ctx context.Context, c Candidate, timeout time.Duration, checkURLs []string) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", c.Address)
	if err != nil {
		return false
	}
	conn.Close()

	transport, err := transportVia(c, timeout)
	if err != nil {
		return false
	}
	client := &http.Client{Transport: transport, Timeout: timeout}
	defer transport.CloseIdleConnections()

	for _, check := range checkURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, check, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", "automate-upstream-probe/1.0")
		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return true
		}
	}
	return false
}

// transportVia builds an HTTP transport that routes through the
// candidate: Proxy for HTTP upstreams, a SOCKS5 DialContext otherwise.
func transportVia(c Candidate, timeout time.Duration) (*http.Transport, error) {
	switch c.Protocol {
	case "socks5":
		base := &net.Dialer{Timeout: timeout}
		socks, err := xproxy.SOCKS5("tcp", c.Address, nil, base)
		if err != nil {
			return nil, err
		}
		dc, _ := socks.(xproxy.ContextDialer)
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if dc != nil {
					return dc.DialContext(ctx, network, addr)
				}
				return socks.Dial(network, addr)
			},
		}, nil
	default:
		u, err := url.Parse("http://" + c.Address)
		if err != nil {
			return nil, err
		}
		return &http.Transport{Proxy: http.ProxyURL(u)}, nil
	}
}
