package streamproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// dialFunc opens an upstream TCP connection, optionally through the
// configured external proxy.
type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// newUpstreamDialer builds the dialer the proxy uses for upstream
// connections. SOCKS5 URLs go through golang.org/x/net/proxy; HTTP and HTTPS
// proxy URLs use a CONNECT handshake; an empty URL dials directly.
func newUpstreamDialer(proxyURL string) (dialFunc, error) {
	direct := &net.Dialer{Timeout: 30 * time.Second}
	if proxyURL == "" {
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return direct.DialContext(ctx, "tcp", addr)
		}, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy URL: %w", err)
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		socks, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, direct)
		if errSOCKS5 != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer failed: %w", errSOCKS5)
		}
		return func(ctx context.Context, addr string) (net.Conn, error) {
			if cd, ok := socks.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, "tcp", addr)
			}
			return socks.Dial("tcp", addr)
		}, nil
	case "http", "https":
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return dialViaHTTPProxy(ctx, direct, parsed, addr)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", parsed.Scheme)
	}
}

// dialViaHTTPProxy opens a tunnel through an HTTP proxy with a CONNECT
// handshake.
func dialViaHTTPProxy(ctx context.Context, direct *net.Dialer, proxyURL *url.URL, addr string) (net.Conn, error) {
	conn, err := direct.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err = conn.Write([]byte(req)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT returned %s", resp.Status)
	}
	return conn, nil
}
