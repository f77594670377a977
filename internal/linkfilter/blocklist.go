package linkfilter

import "strings"

// domainBlocklist stores exact hosts and suffix wildcards derived from configuration.
type domainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newDomainBlocklist accepts "example.com", "*.example.com", or ".example.com".
// It returns nil when no usable pattern is given.
func newDomainBlocklist(patterns []string) *domainBlocklist {
	matcher := &domainBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *domainBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *domainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
