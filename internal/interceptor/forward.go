package interceptor

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ushineko/ghostwire/internal/logging"
)

// forward implements Path 3 steps 3-7: method mapping, header filtering,
// body collection, and dispatch through the session pool. It never
// returns nil — upstream failures are rendered as a 502 per the error
// taxonomy so the caller always has a response to marshal back.
func (i *Interceptor) forward(req *http.Request, host string) *http.Response {
	handle, err := i.sessions.Acquire(host)
	if err != nil {
		return errorResponse(req, http.StatusBadGateway, fmt.Sprintf("session acquire failed: %v", err))
	}

	var body io.ReadCloser
	var contentLength int64
	if req.Body != nil && req.Body != http.NoBody {
		buf, readErr := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if readErr != nil {
			return errorResponse(req, http.StatusBadGateway, fmt.Sprintf("read request body: %v", readErr))
		}
		if len(buf) > 0 {
			body = io.NopCloser(bytes.NewReader(buf))
			contentLength = int64(len(buf))
		}
	}

	outURL := *req.URL
	if outURL.Scheme == "" {
		outURL.Scheme = "https"
	}
	if outURL.Host == "" {
		outURL.Host = host
	}

	outReq, err := http.NewRequest(mapMethod(req.Method), outURL.String(), body)
	if err != nil {
		return errorResponse(req, http.StatusBadGateway, fmt.Sprintf("build outbound request: %v", err))
	}

	copyFilteredHeaders(outReq.Header, req.Header)
	for _, h := range handle.Profile.Headers {
		if outReq.Header.Get(h.Name) == "" {
			outReq.Header.Set(h.Name, h.Value)
		}
	}
	outReq.Header.Set("User-Agent", handle.Profile.UserAgent)
	if contentLength > 0 {
		outReq.ContentLength = contentLength
		outReq.Header.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	}

	i.logger.Debug("forwarding request", logging.Component("REQ"),
		"method", outReq.Method, "url", outReq.URL.String(), "profile", handle.Profile.ID)

	resp, err := handle.Client.Do(outReq)
	if err != nil {
		i.logger.Error("upstream request failed", logging.Component("RES"), "url", outReq.URL.String(), "error", err)
		return errorResponse(req, http.StatusBadGateway, fmt.Sprintf("proxy error: %v", err))
	}
	return resp
}

// errorResponse synthesises a response carrying msg as its body, used
// for every UpstreamFailure/ProtocolError surfaced to the client.
func errorResponse(req *http.Request, status int, msg string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(msg))),
		ContentLength: int64(len(msg)),
		Request:       req,
	}
}
