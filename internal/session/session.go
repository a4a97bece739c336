/*
Package session implements the per-host session pool: a host keyed map
of {impersonating HTTP client, current profile, cookie jar, last-used
instant}, rotating the impersonated browser profile on every acquire
while keeping the cookie jar stable so upstream application state
survives the rotation.
*/
package session

import (
	"fmt"
	"math/rand"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"

	"github.com/ushineko/ghostwire/internal/fingerprint"
)

const defaultRequestTimeout = 30 * time.Second

// Timeouts configures the pool's outbound HTTP client. bogdanfinn/tls-client
// exposes a single overall per-request deadline (WithTimeoutSeconds) and no
// separate connect-phase knob, so Connect is not applied here — it governs
// only the WebSocket bridge's raw TCP dial (see wsbridge.DialUpstream),
// which does have a distinct dial step. Request bounds the whole round
// trip, connect phase included.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// entry is one host's pooled session state.
type entry struct {
	client   *http.Client
	profile  fingerprint.Profile
	jar      tls_client.CookieJar
	lastUsed time.Time
}

// Pool is the host-keyed session pool. A single mutex serialises
// lookup/replace; client construction is fast enough that holding the
// lock across it is not a bottleneck.
type Pool struct {
	mu             sync.Mutex
	entries        map[string]*entry
	profiles       []fingerprint.Profile
	idleTTL        time.Duration
	requestTimeout time.Duration
}

// New creates a session pool rotating through profiles, evicting entries
// idle for at least idleTTL. timeouts.Request <= 0 falls back to
// defaultRequestTimeout; timeouts may be omitted entirely for that default.
func New(profileList []fingerprint.Profile, idleTTL time.Duration, timeouts ...Timeouts) *Pool {
	if len(profileList) == 0 {
		profileList = fingerprint.Catalogue
	}
	requestTimeout := defaultRequestTimeout
	if len(timeouts) > 0 && timeouts[0].Request > 0 {
		requestTimeout = timeouts[0].Request
	}
	return &Pool{
		entries:        make(map[string]*entry),
		profiles:       profileList,
		idleTTL:        idleTTL,
		requestTimeout: requestTimeout,
	}
}

// Handle is a detached, safe-to-use snapshot of a session: the HTTP
// client bound to the profile selected for this particular acquire.
// Subsequent rotation of the pool's stored entry does not affect a
// handle already returned.
type Handle struct {
	Client  *http.Client
	Profile fingerprint.Profile
}

// Acquire returns a client for host, creating a new session (fresh
// cookie jar, randomly chosen profile) if none exists, or rotating the
// existing session's client and profile (keeping its jar) otherwise.
func (p *Pool) Acquire(host string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	profile := p.randomProfile()

	e, ok := p.entries[host]
	if !ok {
		jar := tls_client.NewCookieJar()
		client, err := buildClient(profile, jar, p.requestTimeout)
		if err != nil {
			return Handle{}, fmt.Errorf("build client for %s: %w", host, err)
		}
		e = &entry{client: client, profile: profile, jar: jar, lastUsed: time.Now()}
		p.entries[host] = e
		return Handle{Client: client, Profile: profile}, nil
	}

	client, err := buildClient(profile, e.jar, p.requestTimeout)
	if err != nil {
		return Handle{}, fmt.Errorf("rebuild client for %s: %w", host, err)
	}
	e.client = client
	e.profile = profile
	e.lastUsed = time.Now()

	return Handle{Client: client, Profile: profile}, nil
}

// GC removes every entry idle for at least idleTTL. Invoked periodically
// by the GC task.
func (p *Pool) GC() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-p.idleTTL)
	for host, e := range p.entries {
		if !e.lastUsed.After(cutoff) {
			delete(p.entries, host)
			removed++
		}
	}
	return removed
}

// Size returns the number of currently pooled host sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) randomProfile() fingerprint.Profile {
	return p.profiles[rand.Intn(len(p.profiles))] //nolint:gosec // fingerprint rotation, not a security boundary
}

// buildClient wraps a bogdanfinn/tls-client HttpClient configured for
// profile, sharing jar by reference, as a standard *http.Client.
func buildClient(profile fingerprint.Profile, jar tls_client.CookieJar, requestTimeout time.Duration) (*http.Client, error) {
	tlsClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(),
		tls_client.WithTimeoutSeconds(int(requestTimeout.Seconds())),
		tls_client.WithClientProfile(profile.Client),
		tls_client.WithCookieJar(jar),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithInsecureSkipVerify(),
		tls_client.WithTransportOptions(&tls_client.TransportOptions{
			DisableKeepAlives: false,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("construct impersonating client: %w", err)
	}

	return &http.Client{
		Transport: &roundTripper{client: tlsClient, profile: profile},
		Jar:       &jarAdapter{jar: jar},
		Timeout:   requestTimeout,
	}, nil
}

// roundTripper satisfies http.RoundTripper by converting requests and
// responses between net/http and bogdanfinn/fhttp, grounded on the same
// adapter shape used for the retrieved corpus's tls-client integrations.
type roundTripper struct {
	client  tls_client.HttpClient
	profile fingerprint.Profile
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	fReq, err := fhttp.NewRequest(req.Method, req.URL.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("convert outbound request: %w", err)
	}
	fReq.Header = make(fhttp.Header, len(req.Header))
	for k, v := range req.Header {
		fReq.Header[k] = v
	}
	fReq.Host = req.Host
	fReq.ContentLength = req.ContentLength
	fReq.Close = req.Close

	fResp, err := rt.client.Do(fReq)
	if err != nil {
		return nil, err
	}

	resp := &http.Response{
		Status:        fResp.Status,
		StatusCode:    fResp.StatusCode,
		Proto:         fResp.Proto,
		ProtoMajor:    fResp.ProtoMajor,
		ProtoMinor:    fResp.ProtoMinor,
		Header:        make(http.Header, len(fResp.Header)),
		Body:          fResp.Body,
		ContentLength: fResp.ContentLength,
		Close:         fResp.Close,
		Request:       req,
	}
	for k, v := range fResp.Header {
		resp.Header[k] = v
	}
	return resp, nil
}

// jarAdapter satisfies http.CookieJar by delegating to the shared
// bogdanfinn/tls-client jar, converting cookie types at the boundary.
type jarAdapter struct {
	jar tls_client.CookieJar
}

func (j *jarAdapter) SetCookies(u *neturl.URL, cookies []*http.Cookie) {
	fCookies := make([]*fhttp.Cookie, len(cookies))
	for i, c := range cookies {
		fCookies[i] = &fhttp.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			MaxAge:   c.MaxAge,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: fhttp.SameSite(c.SameSite),
		}
	}
	j.jar.SetCookies(u, fCookies)
}

func (j *jarAdapter) Cookies(u *neturl.URL) []*http.Cookie {
	fCookies := j.jar.Cookies(u)
	cookies := make([]*http.Cookie, len(fCookies))
	for i, fc := range fCookies {
		cookies[i] = &http.Cookie{
			Name:     fc.Name,
			Value:    fc.Value,
			Path:     fc.Path,
			Domain:   fc.Domain,
			Expires:  fc.Expires,
			MaxAge:   fc.MaxAge,
			Secure:   fc.Secure,
			HttpOnly: fc.HttpOnly,
			SameSite: http.SameSite(fc.SameSite),
		}
	}
	return cookies
}
