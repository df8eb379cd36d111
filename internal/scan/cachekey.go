package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL canonicalizes a target URL for cache key derivation: scheme
// and host are lowercased, a missing scheme defaults to https, default ports
// and trailing slashes are stripped, and the fragment is dropped.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""

	return u.String(), nil
}

// Fingerprint derives the deterministic cache key for a scan request: the
// normalized URL combined with the sorted, deduplicated enabled service set.
// Requests for the same URL with different service sets yield different keys.
func Fingerprint(rawURL string, services []string) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	if len(services) == 0 {
		return "", ErrNoServices
	}

	seen := make(map[string]struct{}, len(services))
	names := make([]string, 0, len(services))
	for _, s := range services {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		names = append(names, s)
	}
	if len(names) == 0 {
		return "", ErrNoServices
	}
	sort.Strings(names)

	sum := sha256.Sum256([]byte(normalized + "|" + strings.Join(names, ",")))
	return hex.EncodeToString(sum[:]), nil
}
