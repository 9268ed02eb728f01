package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	netproxy "golang.org/x/net/proxy"
)

const (
	connectTimeout  = 3 * time.Second
	idleConnTimeout = 90 * time.Second
)

// NewTransport builds an HTTP transport egressing through p.
func NewTransport(p Proxy) (*http.Transport, error) {
	base := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:         base.DialContext,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: connectTimeout,
	}

	switch p.Scheme {
	case SchemeDirect, "":
		return tr, nil
	case SchemeHTTP:
		tr.Proxy = http.ProxyURL(p.URL())
		return tr, nil
	case SchemeSOCKS5:
		var auth *netproxy.Auth
		if p.Username != "" || p.Password != "" {
			auth = &netproxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := netproxy.SOCKS5("tcp", p.Address(), auth, base)
		if err != nil {
			return nil, fmt.Errorf("building socks5 dialer for %s: %w", p, err)
		}
		ctxDialer, ok := dialer.(netproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", p)
		}
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		return tr, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", p.Scheme)
	}
}
