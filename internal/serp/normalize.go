package serp

import (
	"net/url"
	"strings"
)

// maxUnwrap bounds how many nested redirect wrappers are peeled off.
const maxUnwrap = 5

// redirectParams carry the destination in redirect-wrapper URLs.
var redirectParams = []string{"url", "q", "u", "uddg"}

// NormalizeURL resolves raw against base, unwraps redirect wrappers and drops
// text-fragment directives. It reports false for anything that is not an
// absolute http(s) URL. Normalizing an already normalized URL returns it
// unchanged.
func NormalizeURL(raw, base string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != "" {
		if b, err := url.Parse(base); err == nil {
			u = b.ResolveReference(u)
		}
	}

	for i := 0; i < maxUnwrap; i++ {
		inner, ok := unwrap(u)
		if !ok {
			break
		}
		u = inner
	}

	if !isHTTP(u) {
		return "", false
	}
	if i := strings.Index(u.Fragment, ":~:"); i >= 0 {
		u.Fragment = u.Fragment[:i]
		u.RawFragment = ""
	}
	return u.String(), true
}

// unwrap returns the destination of a redirect wrapper such as
// /url?q=https://..., /link?url=https://... or /l/?uddg=https://...
// Any URL whose redirect parameter holds an absolute http(s) URL counts.
func unwrap(u *url.URL) (*url.URL, bool) {
	q := u.Query()
	if len(q) == 0 {
		return nil, false
	}
	for _, key := range redirectParams {
		v := q.Get(key)
		if v == "" {
			continue
		}
		dest, err := url.Parse(v)
		if err != nil || !isHTTP(dest) {
			continue
		}
		return dest, true
	}
	return nil, false
}

func isHTTP(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// isInternal reports whether u points at the search site itself: its host
// equals, or is a subdomain of, one of hosts.
func isInternal(u string, hosts []string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return true
	}
	host := strings.ToLower(parsed.Hostname())
	for _, h := range hosts {
		if sameSite(host, h) {
			return true
		}
	}
	return false
}

func sameSite(host, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
