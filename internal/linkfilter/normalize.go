package linkfilter

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errNotAbsolute = errors.New("url is not absolute http(s)")

// Normalize standardizes a URL so equivalent spellings dedup to one key.
// It lowercases the scheme and host, removes default ports, drops the
// fragment, trims trailing slashes, and sorts query parameters. Normalizing
// an already-normalized URL returns it unchanged.
func Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalizeParsed(u)
}

// Resolve interprets href relative to base and normalizes the result.
func Resolve(base *url.URL, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	return normalizeParsed(ref)
}

func normalizeParsed(u *url.URL) (string, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errNotAbsolute
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Host == "" {
		return "", errNotAbsolute
	}

	u.Fragment = ""
	u.RawFragment = ""

	trimmed := strings.TrimRight(u.Path, "/")
	if trimmed == "" {
		trimmed = "/"
	}
	if trimmed != u.Path {
		u.Path = trimmed
		u.RawPath = ""
	}

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	u.ForceQuery = false

	return u.String(), nil
}

// Host returns the lowercased hostname of rawURL without its port.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
