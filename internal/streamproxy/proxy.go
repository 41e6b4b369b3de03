// Package streamproxy implements the in-process MITM proxy the browser is
// configured to use. Ordinary traffic is tunneled opaquely; for the small
// allow-list of provider hostnames the proxy terminates TLS with a leaf
// minted by the certificate authority, replays the tunneled request
// upstream, mirrors the response back to the browser, and feeds the response
// bytes to the parser so token deltas surface on the stream bus while the
// browser still believes it is talking to the provider directly.
package streamproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/certauth"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/config"
	"github.com/kiss2u/AIstudioProxyAPI-sub000/internal/streambus"
)

// RequestFilter may rewrite a tunneled request before it is replayed
// upstream. The default is passthrough.
type RequestFilter func(req *http.Request) *http.Request

// Proxy is the TLS-terminating CONNECT proxy.
type Proxy struct {
	cfg       *config.Config
	authority *certauth.Authority
	bus       *streambus.Bus
	dial      dialFunc

	intercept []string
	filter    RequestFilter

	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a proxy publishing parsed frames to bus.
func New(cfg *config.Config, authority *certauth.Authority, bus *streambus.Bus) (*Proxy, error) {
	dial, err := newUpstreamDialer(cfg.UpstreamProxyURL)
	if err != nil {
		return nil, err
	}
	return &Proxy{
		cfg:       cfg,
		authority: authority,
		bus:       bus,
		dial:      dial,
		intercept: cfg.InterceptDomains,
		filter:    func(req *http.Request) *http.Request { return req },
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}, nil
}

// SetRequestFilter installs a request rewriting hook.
func (p *Proxy) SetRequestFilter(filter RequestFilter) {
	if filter != nil {
		p.filter = filter
	}
}

// Start begins listening and accepting connections. The READY signal fires
// once the listener is accepting, so the orchestrator can start the browser
// only after the proxy is reachable.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p.cfg.StreamProxyPort))
	if err != nil {
		return fmt.Errorf("stream proxy failed to listen: %w", err)
	}
	p.listener = listener
	p.readyOnce.Do(func() { close(p.ready) })
	log.Infof("stream proxy READY on %s", listener.Addr())

	go p.acceptLoop()
	return nil
}

// Ready returns a channel closed once the listener accepts connections.
func (p *Proxy) Ready() <-chan struct{} {
	return p.ready
}

// Addr returns the proxy's listen address, or "" before Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Stop closes the listener. In-flight tunnels drain on their own.
func (p *Proxy) Stop() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.listener != nil {
			_ = p.listener.Close()
		}
	})
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
			}
			log.Debugf("stream proxy accept error: %v", err)
			continue
		}
		go p.handleConn(conn)
	}
}

// handleConn runs the per-connection state machine: read the request line;
// non-CONNECT requests are forwarded verbatim, CONNECT requests either start
// an intercepted TLS bridge or a blind tunnel. Per-connection errors never
// terminate the process.
func (p *Proxy) handleConn(clientConn net.Conn) {
	defer func() {
		_ = clientConn.Close()
	}()

	req, err := http.ReadRequest(bufio.NewReader(clientConn))
	if err != nil {
		if err != io.EOF {
			log.Debugf("stream proxy: malformed request: %v", err)
		}
		return
	}

	if req.Method != http.MethodConnect {
		p.forwardPlain(clientConn, req)
		return
	}

	host, _, errSplit := net.SplitHostPort(req.Host)
	if errSplit != nil {
		host = req.Host
	}

	if p.shouldIntercept(host) {
		p.interceptTunnel(clientConn, req.Host, host)
		return
	}
	p.blindTunnel(clientConn, req.Host)
}

// shouldIntercept matches the target host against the allow-list, exact or
// leading-wildcard.
func (p *Proxy) shouldIntercept(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range p.intercept {
		pattern = strings.ToLower(pattern)
		if pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

// forwardPlain forwards a non-CONNECT request verbatim to its target.
func (p *Proxy) forwardPlain(clientConn net.Conn, req *http.Request) {
	addr := req.Host
	if !strings.Contains(addr, ":") {
		addr += ":80"
	}
	upstream, err := p.dial(context.Background(), addr)
	if err != nil {
		log.Debugf("stream proxy: plain forward dial %s failed: %v", addr, err)
		return
	}
	defer func() {
		_ = upstream.Close()
	}()
	req.RequestURI = ""
	if err = req.WriteProxy(upstream); err != nil {
		return
	}
	_, _ = io.Copy(clientConn, upstream)
}

// blindTunnel relays the CONNECT payload without decryption.
func (p *Proxy) blindTunnel(clientConn net.Conn, addr string) {
	upstream, err := p.dial(context.Background(), addr)
	if err != nil {
		log.Debugf("stream proxy: blind tunnel dial %s failed: %v", addr, err)
		return
	}
	if _, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = upstream.Close()
		return
	}
	pipe(clientConn, upstream)
}

// interceptTunnel terminates TLS toward the browser with a minted leaf,
// opens an upstream TLS session, and pumps both directions while observing
// provider responses. If leaf minting fails interception is refused and the
// tunnel degrades to a blind one.
func (p *Proxy) interceptTunnel(clientConn net.Conn, addr, host string) {
	leaf, err := p.authority.Leaf(host)
	if err != nil {
		log.Warnf("stream proxy: leaf minting for %s failed, tunneling opaquely: %v", host, err)
		p.blindTunnel(clientConn, addr)
		return
	}

	if _, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	tlsClient := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	if err = tlsClient.Handshake(); err != nil {
		log.Debugf("stream proxy: TLS handshake with browser failed for %s: %v", host, err)
		return
	}
	defer func() {
		_ = tlsClient.Close()
	}()

	rawUpstream, err := p.dial(context.Background(), addr)
	if err != nil {
		p.publishError(502, fmt.Sprintf("upstream dial %s failed: %v", addr, err))
		return
	}
	tlsUpstream := tls.Client(rawUpstream, &tls.Config{ServerName: host})
	if err = tlsUpstream.Handshake(); err != nil {
		_ = rawUpstream.Close()
		p.publishError(502, fmt.Sprintf("upstream TLS handshake with %s failed: %v", host, err))
		return
	}
	defer func() {
		_ = tlsUpstream.Close()
	}()

	tunnel := newObservedTunnel(p, host)
	tunnel.pump(tlsClient, tlsUpstream)
}

// publishError pushes an error frame so the emitter can terminate the
// client-visible response.
func (p *Proxy) publishError(status int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.bus.Publish(ctx, streambus.Frame{Done: true, Error: &streambus.FrameError{Status: status, Message: message}})
}

// pipe copies both directions until either side closes.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
