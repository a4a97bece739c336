package interceptor

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ushineko/ghostwire/internal/logging"
	"github.com/ushineko/ghostwire/internal/wsbridge"
)

// isWebSocketUpgrade reports whether req carries every header the spec
// requires to treat a request as a WebSocket upgrade.
func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade") &&
		h.Get("Sec-WebSocket-Key") != "" &&
		h.Get("Sec-WebSocket-Version") != ""
}

// upgradeResponse builds the 101 response create_websocket_response
// describes: just enough headers to complete the handshake, empty body.
func upgradeResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Connection", "Upgrade")
	header.Set("Upgrade", "websocket")
	return &http.Response{
		Status:     "101 Switching Protocols",
		StatusCode: http.StatusSwitchingProtocols,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}

// resolveFinalURL performs the pre-upgrade GET the bridge uses to honor
// upstream redirects: if the response's resolved URL differs from
// target, the WebSocket handshake is issued against that URL instead.
func resolveFinalURL(client *http.Client, target *url.URL) (*url.URL, error) {
	httpURL := *target
	if httpURL.Scheme == "wss" {
		httpURL.Scheme = "https"
	} else {
		httpURL.Scheme = "http"
	}

	resp, err := client.Get(httpURL.String())
	if err != nil {
		return nil, fmt.Errorf("resolve websocket redirect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	final := *resp.Request.URL
	if final.Scheme == "https" {
		final.Scheme = "wss"
	} else {
		final.Scheme = "ws"
	}
	return &final, nil
}

// handleUpgrade runs Path 3 step 2 for a confirmed WebSocket upgrade: it
// dials the upstream leg, writes the 101 response on conn, and hands
// both legs to wsbridge.Bridge. It takes ownership of conn.
func (i *Interceptor) handleUpgrade(conn net.Conn, req *http.Request, host string) {
	handle, err := i.sessions.Acquire(host)
	if err != nil {
		i.logger.Error("session acquire failed for websocket", logging.Component("WS"), "host", host, "error", err)
		_ = conn.Close()
		return
	}

	target := &url.URL{Scheme: "wss", Host: host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	final, err := resolveFinalURL(handle.Client, target)
	if err != nil {
		i.logger.Debug("websocket redirect resolution failed, using original target",
			logging.Component("WS"), "host", host, "error", err)
		final = target
	}

	filtered := make(http.Header)
	copyFilteredHeaders(filtered, req.Header)
	filtered.Set("Sec-WebSocket-Key", req.Header.Get("Sec-WebSocket-Key"))
	filtered.Set("Sec-WebSocket-Version", req.Header.Get("Sec-WebSocket-Version"))
	if proto := req.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		filtered.Set("Sec-WebSocket-Protocol", proto)
	}

	upstream, _, err := wsbridge.DialUpstream(req.Context(), final, handle.Profile, filtered, i.connectTimeout)
	if err != nil {
		i.logger.Error("websocket upstream dial failed", logging.Component("WS"), "host", host, "error", err)
		resp := errorResponse(req, http.StatusBadGateway, fmt.Sprintf("websocket upstream error: %v", err))
		_ = resp.Write(conn)
		_ = conn.Close()
		return
	}

	resp := upgradeResponse(req)
	if err := resp.Write(conn); err != nil {
		i.logger.Debug("websocket upgrade response write failed", logging.Component("WS"), "host", host, "error", err)
		_ = upstream.Close()
		_ = conn.Close()
		return
	}

	client := wsbridge.AcceptClient(conn)
	i.logger.Info("websocket bridge established", logging.Component("WS"), "host", host, "profile", handle.Profile.ID)
	wsbridge.Bridge(req.Context(), i.logger, client, upstream)
}
