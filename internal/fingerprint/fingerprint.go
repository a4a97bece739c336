/*
Package fingerprint bundles the correlated signals that make an outbound
connection look like a specific browser or HTTP library: the TLS
ClientHello shape (JA3/JA4), the HTTP/2 SETTINGS/header-order behavior
bogdanfinn/tls-client applies for a given profile, a matching User-Agent,
and a matching uTLS ClientHelloID for legs (the WebSocket upstream dial)
that tls-client itself cannot drive.

A mismatch between these signals — a Chrome-shaped TLS hello paired with
a Firefox User-Agent, say — is exactly the kind of correlation anti-bot
systems key on, so every Profile in the catalogue keeps them consistent.
*/
package fingerprint

import (
	"github.com/bogdanfinn/tls-client/profiles"
	utls "github.com/refraction-networking/utls"
)

// Profile bundles one impersonation identity's TLS and header signals.
type Profile struct {
	// ID is the catalogue identifier (e.g. "Chrome-131").
	ID string
	// Client is the bogdanfinn/tls-client profile used for the SessionPool's
	// HTTP client construction.
	Client profiles.ClientProfile
	// ClientHello selects the uTLS ClientHelloID used for the WebSocket
	// upstream leg's raw TLS dial, where tls-client has no upgrade path.
	ClientHello utls.ClientHelloID
	// UserAgent is the header value consistent with Client/ClientHello.
	UserAgent string
	// Headers are additional ordered defaults applied to outbound requests.
	Headers []Header
}

// Header is an ordered name/value pair.
type Header struct {
	Name  string
	Value string
}

// Catalogue is the immutable, ordered set of impersonation profiles
// loaded at startup. Rotation draws uniformly from this slice.
var Catalogue = []Profile{
	{
		ID:          "Chrome-131",
		Client:      profiles.Chrome_131,
		ClientHello: utls.HelloChrome_Auto,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Ch-Ua", Value: `"Chromium";v="131", "Not_A Brand";v="24", "Google Chrome";v="131"`},
			{Name: "Sec-Ch-Ua-Mobile", Value: "?0"},
			{Name: "Sec-Ch-Ua-Platform", Value: `"Windows"`},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
		},
	},
	{
		ID:          "Chrome-120",
		Client:      profiles.Chrome_120,
		ClientHello: utls.HelloChrome_Auto,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Ch-Ua", Value: `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
			{Name: "Sec-Ch-Ua-Mobile", Value: "?0"},
			{Name: "Sec-Ch-Ua-Platform", Value: `"Windows"`},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
		},
	},
	{
		ID:          "Safari-18.2",
		Client:      profiles.Safari_18_0,
		ClientHello: utls.HelloSafari_Auto,
		UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Safari/605.1.15",
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
		},
	},
	{
		ID:          "Edge-131",
		Client:      profiles.Chrome_131, // Edge shares Chromium's network stack; tls-client has no distinct Edge profile.
		ClientHello: utls.HelloChrome_Auto,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Ch-Ua", Value: `"Chromium";v="131", "Not_A Brand";v="24", "Microsoft Edge";v="131"`},
			{Name: "Sec-Ch-Ua-Mobile", Value: "?0"},
			{Name: "Sec-Ch-Ua-Platform", Value: `"Windows"`},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
		},
	},
	{
		ID:          "Firefox-133",
		Client:      profiles.Firefox_133,
		ClientHello: utls.HelloFirefox_Auto,
		UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.5"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-User", Value: "?1"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
		},
	},
	{
		ID:          "OkHttp-5",
		Client:      profiles.Okhttp4Android13,
		ClientHello: utls.HelloAndroid_11_OkHttp,
		UserAgent:   "okhttp/5.0.0",
		Headers:     nil,
	},
}

// ByID returns the profile with the given catalogue identifier, or false
// if none matches.
func ByID(id string) (Profile, bool) {
	for _, p := range Catalogue {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// Subset returns the profiles in Catalogue whose ID appears in ids, in
// Catalogue order. Unknown ids are silently skipped — config validation
// is responsible for rejecting them up front. If ids is empty, or none of
// them matches, the full Catalogue is returned.
func Subset(ids []string) []Profile {
	if len(ids) == 0 {
		return Catalogue
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]Profile, 0, len(ids))
	for _, p := range Catalogue {
		if _, ok := want[p.ID]; ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return Catalogue
	}
	return out
}
