/*
Package wsbridge implements the bidirectional WebSocket bridge: once the
Interceptor has written a 101 response to the client, this package takes
over the raw duplex stream and a second, freshly dialed upstream
connection, and pumps frames between them with message-kind and
close-code translation.

Both legs are driven through gorilla/websocket.Conn over a raw
net.Conn/tls.Conn — the client-facing leg in the server role (the proxy
already wrote the 101), the upstream-facing leg in the client role (the
proxy performs its own opening handshake against the real origin using
an impersonated TLS ClientHello, since the bogdanfinn/tls-client HTTP
client this proxy otherwise uses has no WebSocket upgrade path).
*/
package wsbridge

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	utls "github.com/refraction-networking/utls"

	"github.com/ushineko/ghostwire/internal/fingerprint"
)

// knownCloseCodes is the standard WebSocket close code set that
// TranslateCloseCode passes through unchanged; since both legs use
// gorilla/websocket the mapping is close to the identity function, with
// any code outside this set folded to Normal.
var knownCloseCodes = map[int]struct{}{
	websocket.CloseNormalClosure:           {},
	websocket.CloseGoingAway:               {},
	websocket.CloseProtocolError:           {},
	websocket.CloseUnsupportedData:         {},
	websocket.CloseNoStatusReceived:        {},
	websocket.CloseAbnormalClosure:         {},
	websocket.CloseInvalidFramePayloadData: {},
	websocket.ClosePolicyViolation:         {},
	websocket.CloseMessageTooBig:           {},
	websocket.CloseMandatoryExtension:      {},
	websocket.CloseInternalServerErr:       {},
	websocket.CloseServiceRestart:          {},
	websocket.CloseTryAgainLater:           {},
}

// TranslateCloseCode folds unrecognised close codes to CloseNormalClosure.
func TranslateCloseCode(code int) int {
	if _, ok := knownCloseCodes[code]; ok {
		return code
	}
	return websocket.CloseNormalClosure
}

// defaultConnectTimeout is used when DialUpstream is called with
// connectTimeout <= 0.
const defaultConnectTimeout = 10 * time.Second

// DialUpstream opens the upstream leg of the bridge: a raw TCP dial
// followed by a uTLS handshake using the profile's ClientHelloID (so the
// WebSocket upgrade's TLS fingerprint matches the profile used for the
// rest of the session), then the WebSocket opening handshake itself.
// finalURL is the (possibly redirect-resolved) wss:// or ws:// URL to
// upgrade against; header carries the filtered request headers from the
// original client request. connectTimeout bounds the TCP dial;
// connectTimeout <= 0 falls back to defaultConnectTimeout.
func DialUpstream(ctx context.Context, finalURL *url.URL, profile fingerprint.Profile, header http.Header, connectTimeout time.Duration) (*websocket.Conn, *http.Response, error) {
	host := finalURL.Hostname()
	port := finalURL.Port()
	if port == "" {
		if finalURL.Scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}

	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, nil, fmt.Errorf("dial upstream websocket host %s: %w", host, err)
	}

	var conn net.Conn = rawConn
	if finalURL.Scheme == "wss" {
		uConn := utls.UClient(rawConn, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, // upstream certificate validation is out of scope by design
		}, profile.ClientHello)
		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = rawConn.Close()
			return nil, nil, fmt.Errorf("upstream websocket TLS handshake to %s: %w", host, err)
		}
		conn = uConn
	}

	reqHeader := header.Clone()
	reqHeader.Set("Host", finalURL.Host)
	wsConn, resp, err := newClientHandshake(conn, finalURL, reqHeader)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("upstream websocket handshake to %s: %w", host, err)
	}
	return wsConn, resp, nil
}

// newClientHandshake writes the WebSocket opening handshake request over
// an already-connected conn and reads the 101 response, then wraps conn
// as a client-role gorilla/websocket.Conn.
func newClientHandshake(conn net.Conn, u *url.URL, header http.Header) (*websocket.Conn, *http.Response, error) {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Opaque: u.RequestURI()},
		Host:       u.Host,
		Header:     header,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	if req.Header.Get("Sec-WebSocket-Version") == "" {
		req.Header.Set("Sec-WebSocket-Version", "13")
	}

	if err := req.Write(conn); err != nil {
		return nil, nil, fmt.Errorf("write upgrade request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, fmt.Errorf("read upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, resp, fmt.Errorf("upstream refused upgrade: %s", resp.Status)
	}

	// NewConn is deprecated in favor of Dialer/Upgrader but remains
	// exported specifically for wrapping a connection whose handshake was
	// already performed by hand, which is exactly this case.
	wsConn := websocket.NewConn(conn, false, 4096, 4096, br, nil)
	return wsConn, resp, nil
}

// AcceptClient wraps the already-upgraded client-facing stream (after
// the Interceptor wrote the 101 response) as a server-role
// gorilla/websocket.Conn. Like newClientHandshake's use above, this
// relies on the deprecated-but-still-exported websocket.NewConn, since
// there is no other public constructor for a connection whose handshake
// response the caller already wrote itself.
func AcceptClient(conn net.Conn) *websocket.Conn {
	return websocket.NewConn(conn, true, 4096, 4096, nil, nil)
}

// Bridge runs the bidirectional pump between the client-facing and
// upstream-facing WebSocket connections until either side terminates
// (EOF, error, or a Close frame), at which point the sibling is
// cancelled. It blocks until both halves have stopped.
func Bridge(ctx context.Context, logger *slog.Logger, client, upstream *websocket.Conn) {
	// The derived cancel is released on return; pump itself is unblocked
	// by closing the connections below, not by ctx.Done(), since a
	// blocked ReadMessage does not observe context cancellation.
	_, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		pump(logger, "client->upstream", client, upstream)
		done <- struct{}{}
	}()
	go func() {
		pump(logger, "upstream->client", upstream, client)
		done <- struct{}{}
	}()

	<-done // first half to finish
	cancel()
	_ = client.Close()
	_ = upstream.Close()
	<-done // wait for the other half to observe the close and return
}

// pump copies frames from src to dst, translating close codes, until an
// error, EOF, or Close frame terminates it.
func pump(logger *slog.Logger, direction string, src, dst *websocket.Conn) {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code := TranslateCloseCode(ce.Code)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ce.Text),
					time.Now().Add(5*time.Second))
			} else {
				logger.Debug("websocket bridge half closed", "direction", direction, "error", err)
			}
			return
		}

		if writeErr := dst.WriteMessage(kind, data); writeErr != nil {
			logger.Debug("websocket bridge write failed", "direction", direction, "error", writeErr)
			return
		}
	}
}
