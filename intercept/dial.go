package intercept

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/JaggerH/automate/upstream"
)

// transport builds the round-trip transport for plain (and MITM'd)
// HTTP flows. HTTP upstreams go through Proxy; SOCKS5 upstreams go
// through DialContext. Both consult the detector per request, so an
// invalidated upstream means the very next flow connects directly.
func (e *Engine) transport() *http.Transport {
	return &http.Transport{
		Proxy:                 e.proxyURL,
		DialContext:           e.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func (e *Engine) proxyURL(req *http.Request) (*url.URL, error) {
	cand, ok := e.detector.Resolve(req.Context())
	if !ok || cand.Protocol != "http" {
		return nil, nil
	}
	return url.Parse("http://" + cand.Address)
}

func (e *Engine) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	cand, viaUpstream := e.detector.Current()
	if viaUpstream && cand.Protocol == "socks5" {
		conn, err := e.socksDial(ctx, cand, dialer, network, addr)
		if err == nil {
			return conn, nil
		}
		// The chained upstream died under us: drop it and forward this
		// and subsequent flows directly.
		e.logger.Warn("intercept: socks upstream dial failed, falling back to direct",
			"upstream", cand.URL(), "error", err)
		e.detector.Invalidate()
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil && viaUpstream && cand.Protocol == "http" && addr == cand.Address {
		// The dial target was the HTTP upstream itself and it refused;
		// re-probe so the next flow goes direct or to a live candidate.
		e.detector.Invalidate()
	}
	return conn, err
}

func (e *Engine) socksDial(ctx context.Context, cand upstream.Candidate, base *net.Dialer, network, addr string) (net.Conn, error) {
	socks, err := xproxy.SOCKS5("tcp", cand.Address, nil, base)
	if err != nil {
		return nil, err
	}
	if dc, ok := socks.(xproxy.ContextDialer); ok {
		return dc.DialContext(ctx, network, addr)
	}
	return socks.Dial(network, addr)
}

// connectDial tunnels CONNECT requests (HTTPS when MITM is off). The
// upstream choice is resolved per connection; any chaining failure
// degrades to a direct tunnel so the client never sees an extraction-
// infrastructure error.
func (e *Engine) connectDial(network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cand, ok := e.detector.Resolve(ctx)
	if !ok {
		return net.DialTimeout(network, addr, 30*time.Second)
	}

	var conn net.Conn
	var err error
	switch cand.Protocol {
	case "socks5":
		conn, err = e.socksDial(ctx, cand, &net.Dialer{Timeout: 30 * time.Second}, network, addr)
	default:
		dial := e.proxy.NewConnectDialToProxy(cand.URL())
		if dial == nil {
			return net.DialTimeout(network, addr, 30*time.Second)
		}
		conn, err = dial(network, addr)
	}
	if err != nil {
		e.logger.Warn("intercept: upstream tunnel failed, falling back to direct",
			"upstream", cand.URL(), "error", err)
		e.detector.Invalidate()
		return net.DialTimeout(network, addr, 30*time.Second)
	}
	return conn, nil
}
