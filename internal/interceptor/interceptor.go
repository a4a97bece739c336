/*
Package interceptor implements the proxy's request pipeline: CONNECT
handling and TLS termination, ALPN-dispatched inner serving (HTTP/1.1 or
HTTP/2), WebSocket upgrade detection, and single-request forwarding
through the session pool. It is Component D of the design — the piece
that ties CertStore, SessionPool, and WebSocketBridge together into one
accept-time handler.
*/
package interceptor

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/ushineko/ghostwire/internal/certstore"
	"github.com/ushineko/ghostwire/internal/classify"
	"github.com/ushineko/ghostwire/internal/logging"
	"github.com/ushineko/ghostwire/internal/session"
)

// Config holds the collaborators an Interceptor needs: the leaf cache,
// the session pool, and the timeouts governing the client-facing TLS
// handshake and the WebSocket bridge's upstream dial.
type Config struct {
	Certs            *certstore.Cache
	Sessions         *session.Pool
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
}

// Interceptor implements http.Handler and is installed as the handler
// of the proxy's single TCP-accepting http.Server.
type Interceptor struct {
	certs            *certstore.Cache
	sessions         *session.Pool
	logger           *slog.Logger
	handshakeTimeout time.Duration
	connectTimeout   time.Duration
}

// New builds an Interceptor from its collaborators.
func New(cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	return &Interceptor{
		certs:            cfg.Certs,
		sessions:         cfg.Sessions,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		connectTimeout:   cfg.ConnectTimeout,
	}
}

// ServeHTTP is the proxy's sole entry point: CONNECT requests start an
// intercepted TLS tunnel (Path 1), everything else is plain-HTTP
// forwarding (Path 2 directly into Path 3).
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		i.handleConnect(w, r)
		return
	}
	i.forwardPlainHTTP(w, r)
}

// handleConnect runs Path 1: mint a leaf for the CONNECT authority,
// establish the tunnel, terminate TLS as a server, and dispatch the
// decrypted inner stream per the ALPN negotiated with the client.
func (i *Interceptor) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	if authority == "" {
		authority = r.URL.Host
	}
	if !strings.Contains(authority, ":") {
		err := classify.NewProtocol("CONNECT target missing authority port")
		i.writeClassifiedError(w, "authority", authority, err)
		return
	}
	domain := stripPort(authority)

	chain, err := i.certs.Mint(domain)
	if err != nil {
		i.logger.Error("leaf mint failed", logging.Component("CERT"), "host", domain, "error", err)
		http.Error(w, fmt.Sprintf("mint error: %v", err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		i.logger.Error("hijack failed", logging.Component("CONN"), "host", domain, "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		i.logger.Debug("write 200 failed", logging.Component("CONN"), "host", domain, "error", err)
		return
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*chain.TLS},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}
	tlsConn := tls.Server(clientConn, tlsConfig)

	hsCtx, cancel := context.WithTimeout(context.Background(), i.handshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		i.logger.Warn("client tls handshake failed", logging.Component("TLS"), "host", domain, "error", err)
		return
	}
	defer func() { _ = tlsConn.Close() }()

	start := time.Now()
	i.logger.Info("mitm session start", logging.Component("PROXY"), "host", domain, "remote", r.RemoteAddr)

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case "h2":
		i.serveH2(tlsConn, domain)
	default:
		i.serveHTTP1(tlsConn, domain)
	}

	i.logger.Info("mitm session end", logging.Component("PROXY"),
		"host", domain, "duration_ms", time.Since(start).Milliseconds())
}

// serveH2 serves the decrypted stream as HTTP/2. WebSocket upgrades are
// not supported on this leg (extended CONNECT is out of scope); the
// narrow method enum from Path 3 still applies to every request.
func (i *Interceptor) serveH2(conn net.Conn, host string) {
	h2s := &http2.Server{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.dispatchInner(w, r, host)
	})
	h2s.ServeConn(conn, &http2.ServeConnOpts{Handler: handler})
}

// serveHTTP1 reads successive HTTP/1.1 requests off the decrypted
// stream, forwarding each through Path 3 until a WebSocket upgrade
// takes over the connection or the client closes it.
func (i *Interceptor) serveHTTP1(conn net.Conn, host string) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				i.logger.Debug("inner request read failed", logging.Component("CONN"), "host", host, "error", err)
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host
		if req.Host == "" {
			req.Host = host
		}

		if isWebSocketUpgrade(req.Header) {
			i.handleUpgrade(conn, req, host)
			return // the bridge now owns the connection
		}

		resp := i.forward(req, host)
		removeHopByHopHeaders(resp.Header)
		if writeErr := resp.Write(conn); writeErr != nil {
			_ = resp.Body.Close()
			i.logger.Debug("inner response write failed", logging.Component("CONN"), "host", host, "error", writeErr)
			return
		}
		_ = resp.Body.Close()

		if resp.Close || req.Close {
			return
		}
	}
}

// dispatchInner is the h2 handler's per-request entry into Path 3.
func (i *Interceptor) dispatchInner(w http.ResponseWriter, r *http.Request, host string) {
	r.URL.Scheme = "https"
	r.URL.Host = host
	if isWebSocketUpgrade(r.Header) {
		http.Error(w, "websocket upgrade not supported over http/2", http.StatusBadRequest)
		return
	}
	i.relay(w, i.forward(r, host))
}

// forwardPlainHTTP runs Path 2: the request already carries an
// absolute-form URI, so Path 3 runs directly against it.
func (i *Interceptor) forwardPlainHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" && r.Host == "" {
		err := classify.NewProtocol("missing host in request")
		i.writeClassifiedError(w, "", "", err)
		return
	}
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}

	if isWebSocketUpgrade(r.Header) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "hijacking not supported", http.StatusInternalServerError)
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			i.logger.Error("hijack failed", logging.Component("CONN"), "host", host, "error", err)
			return
		}
		i.handleUpgrade(conn, r, stripPort(host))
		return
	}

	i.relay(w, i.forward(r, stripPort(host)))
}

// writeClassifiedError logs and responds to a request-level error,
// branching on its classify taxonomy: a ProtocolError is the client's
// fault (400), anything else is treated as an internal failure (500).
// field/value form an optional log field; an empty field omits it.
func (i *Interceptor) writeClassifiedError(w http.ResponseWriter, field, value string, err error) {
	status := http.StatusInternalServerError
	var protoErr *classify.ProtocolError
	if errors.As(err, &protoErr) {
		status = http.StatusBadRequest
	}

	args := []any{logging.Component("CONN"), "error", err}
	if field != "" {
		args = append(args, field, value)
	}
	i.logger.Warn("bad request", args...)
	http.Error(w, err.Error(), status)
}

// relay copies a synthesised/upstream response onto w verbatim except
// for hop-by-hop headers, per Path 3 step 7.
func (i *Interceptor) relay(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()
	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
