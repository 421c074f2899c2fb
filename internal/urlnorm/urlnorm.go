// Package urlnorm canonicalizes product URLs and derives their dedupe
// fingerprint. It performs no I/O.
package urlnorm

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var duplicateSlashes = regexp.MustCompile(`/{2,}`)

// Blacklist matches query parameter names against a dedupe blacklist.
// Entries may be literal names or "*"-suffixed globs (e.g. "utm_*").
type Blacklist struct {
	literals map[string]struct{}
	prefixes []string
}

// NewBlacklist builds a Blacklist from the dedupe.param_blacklist config list.
func NewBlacklist(patterns []string) *Blacklist {
	b := &Blacklist{literals: make(map[string]struct{})}
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			b.prefixes = append(b.prefixes, strings.TrimSuffix(p, "*"))
		} else {
			b.literals[p] = struct{}{}
		}
	}
	return b
}

// Matches reports whether the parameter name is blacklisted.
func (b *Blacklist) Matches(name string) bool {
	if b == nil {
		return false
	}
	if _, ok := b.literals[name]; ok {
		return true
	}
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Canonicalize resolves rawURL against baseURL (for relative links),
// lowercases scheme and host, strips default ports and the fragment,
// drops blacklisted query parameters, sorts the rest, and collapses
// duplicate path slashes.
func Canonicalize(rawURL, baseURL string, blacklist *Blacklist) (string, error) {
	var resolved *url.URL
	var err error

	if baseURL != "" {
		base, berr := url.Parse(baseURL)
		if berr != nil {
			return "", berr
		}
		resolved, err = base.Parse(rawURL)
	} else {
		resolved, err = url.Parse(rawURL)
	}
	if err != nil {
		return "", err
	}

	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = removeDefaultPort(strings.ToLower(resolved.Host), resolved.Scheme)
	resolved.Path = duplicateSlashes.ReplaceAllString(resolved.Path, "/")
	resolved.Fragment = ""

	if resolved.RawQuery != "" {
		resolved.RawQuery = normalizeQuery(resolved.RawQuery, blacklist)
	}

	return resolved.String(), nil
}

func removeDefaultPort(host, scheme string) string {
	switch scheme {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	default:
		return host
	}
}

func normalizeQuery(rawQuery string, blacklist *Blacklist) string {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	for key := range values {
		if blacklist.Matches(key) {
			delete(values, key)
		}
	}

	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(values))
	for _, k := range keys {
		vals := values[k]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// Fingerprint returns the MD5 hex digest of the canonical URL, lowercased.
// product_id_hash is a function of the canonical URL only: equal canonical
// URLs always produce equal fingerprints.
func Fingerprint(canonicalURL string) string {
	sum := md5.Sum([]byte(strings.ToLower(canonicalURL)))
	return hex.EncodeToString(sum[:])
}
