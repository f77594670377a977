// Package linkfilter classifies, normalizes, dedups, and caps the links
// discovered on a page before they reach a job's frontier.
package linkfilter

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// DefaultExcludedExtensions are asset and document types that never yield
// crawlable HTML.
var DefaultExcludedExtensions = []string{
	".7z", ".avi", ".bmp", ".css", ".csv", ".doc", ".docx", ".eot", ".exe", ".gif", ".gz",
	".ico", ".jpeg", ".jpg", ".js", ".json", ".mov", ".mp3", ".mp4", ".pdf", ".png",
	".ppt", ".pptx", ".rar", ".rss", ".svg", ".tar", ".tgz", ".ttf", ".txt", ".wav",
	".webm", ".webp", ".woff", ".woff2", ".xls", ".xlsx", ".xml", ".zip",
}

// DefaultExcludedPaths are administrative and session paths skipped by default.
var DefaultExcludedPaths = []string{
	"/admin", "/administrator", "/wp-admin", "/wp-login.php", "/login", "/logout",
	"/signin", "/signout", "/signup", "/register", "/cart", "/checkout", "/cgi-bin",
}

// Options configures a Filter.
type Options struct {
	SameDomainOnly     bool
	IncludePatterns    []string
	ExcludePatterns    []string
	MaxLinksPerPage    int
	DenyDomains        []string
	ExcludedExtensions []string
	ExcludedPaths      []string
}

// Stats counts how each discovered link was classified.
type Stats struct {
	Found     int `json:"found"`
	Kept      int `json:"kept"`
	Invalid   int `json:"invalid"`
	OffDomain int `json:"off_domain"`
	Excluded  int `json:"excluded"`
	Duplicate int `json:"duplicate"`
	Capped    int `json:"capped"`
}

// Filter is built once per job from its seed URL and options. It holds no
// mutable state and may be shared.
type Filter struct {
	seedHost   string
	seedDomain string
	sameDomain bool
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	maxLinks   int
	deny       *domainBlocklist
	extensions map[string]struct{}
	paths      []string
}

// New compiles the filter for a crawl rooted at seedURL.
func New(seedURL string, opts Options) (*Filter, error) {
	seed, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	include, err := compileAll(opts.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compileAll(opts.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	extensions := opts.ExcludedExtensions
	if extensions == nil {
		extensions = DefaultExcludedExtensions
	}
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extSet[ext] = struct{}{}
	}
	paths := opts.ExcludedPaths
	if paths == nil {
		paths = DefaultExcludedPaths
	}

	host := strings.ToLower(seed.Hostname())
	return &Filter{
		seedHost:   host,
		seedDomain: registrableDomain(host),
		sameDomain: opts.SameDomainOnly,
		include:    include,
		exclude:    exclude,
		maxLinks:   opts.MaxLinksPerPage,
		deny:       newDomainBlocklist(opts.DenyDomains),
		extensions: extSet,
		paths:      lowerAll(paths),
	}, nil
}

// Apply resolves links against pageURL and returns the kept, normalized links
// in extraction order. Dedup here is page-local; the frontier dedups across
// pages.
func (f *Filter) Apply(pageURL string, links []string) ([]string, Stats) {
	stats := Stats{Found: len(links)}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	seen := make(map[string]struct{}, len(links))
	kept := make([]string, 0, len(links))
	for _, raw := range links {
		normalized, err := Resolve(base, raw)
		if err != nil {
			stats.Invalid++
			continue
		}
		switch f.classify(normalized) {
		case verdictOffDomain:
			stats.OffDomain++
			continue
		case verdictExcluded:
			stats.Excluded++
			continue
		}
		if _, dup := seen[normalized]; dup {
			stats.Duplicate++
			continue
		}
		seen[normalized] = struct{}{}
		if f.maxLinks > 0 && len(kept) >= f.maxLinks {
			stats.Capped++
			continue
		}
		kept = append(kept, normalized)
	}
	stats.Kept = len(kept)
	return kept, stats
}

type verdict int

const (
	verdictKeep verdict = iota
	verdictOffDomain
	verdictExcluded
)

func (f *Filter) classify(normalized string) verdict {
	u, err := url.Parse(normalized)
	if err != nil {
		return verdictExcluded
	}
	host := strings.ToLower(u.Hostname())
	if f.deny.IsBlocked(host) {
		return verdictOffDomain
	}
	if f.sameDomain && !f.sameSite(host) {
		return verdictOffDomain
	}
	lowerPath := strings.ToLower(u.Path)
	if _, skip := f.extensions[path.Ext(lowerPath)]; skip {
		return verdictExcluded
	}
	for _, prefix := range f.paths {
		if lowerPath == prefix || strings.HasPrefix(lowerPath, prefix+"/") {
			return verdictExcluded
		}
	}
	for _, re := range f.exclude {
		if re.MatchString(normalized) {
			return verdictExcluded
		}
	}
	if len(f.include) > 0 {
		for _, re := range f.include {
			if re.MatchString(normalized) {
				return verdictKeep
			}
		}
		return verdictExcluded
	}
	return verdictKeep
}

func (f *Filter) sameSite(host string) bool {
	if host == f.seedHost {
		return true
	}
	if f.seedDomain == "" {
		return false
	}
	return registrableDomain(host) == f.seedDomain
}

// registrableDomain returns the eTLD+1 of host, or "" for IPs, single-label
// hosts, and public suffixes.
func registrableDomain(host string) string {
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimRight(strings.TrimSpace(v), "/"))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
