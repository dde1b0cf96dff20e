package scope

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Checker validates URLs against scope rules. The crawl stays on the seed
// origins plus any explicitly allowed domains; everything else is dropped
// before it ever reaches the frontier.
type Checker struct {
	mu             sync.RWMutex
	rules          Rules
	includeRegexps []*regexp.Regexp
	excludeRegexps []*regexp.Regexp
	allowedDomains map[string]struct{}
}

// NewChecker creates a scope checker anchored on the seed URLs. Each seed's
// host joins the allow list alongside rules.AllowedDomains.
func NewChecker(seeds []string, rules Rules) (*Checker, error) {
	c := &Checker{
		rules:          rules,
		allowedDomains: make(map[string]struct{}),
	}

	for _, seed := range seeds {
		parsed, err := url.Parse(seed)
		if err != nil {
			return nil, fmt.Errorf("parse seed %q: %w", seed, err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("seed %q has no host", seed)
		}
		c.allowedDomains[strings.ToLower(parsed.Host)] = struct{}{}
	}

	for _, domain := range rules.AllowedDomains {
		c.allowedDomains[strings.ToLower(domain)] = struct{}{}
	}

	for _, pattern := range rules.IncludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile include pattern %q: %w", pattern, err)
		}
		c.includeRegexps = append(c.includeRegexps, re)
	}

	for _, pattern := range rules.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		c.excludeRegexps = append(c.excludeRegexps, re)
	}

	return c, nil
}

// InScope reports whether a URL belongs to the crawl. Out-of-scope URLs are
// dropped silently; this is policy, not an error.
func (c *Checker) InScope(rawURL string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if !c.isDomainAllowed(parsed.Host) && !c.rules.FollowExternal {
		return false
	}

	// Exclude patterns take priority
	for _, re := range c.excludeRegexps {
		if re.MatchString(rawURL) {
			return false
		}
	}

	if len(c.includeRegexps) > 0 {
		matched := false
		for _, re := range c.includeRegexps {
			if re.MatchString(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// isDomainAllowed checks the host against the allow list, matching exact
// hosts and subdomains of allowed domains.
func (c *Checker) isDomainAllowed(host string) bool {
	host = strings.ToLower(host)

	if _, ok := c.allowedDomains[host]; ok {
		return true
	}

	for domain := range c.allowedDomains {
		if strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

// AddAllowedDomain adds a domain to the allow list.
func (c *Checker) AddAllowedDomain(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedDomains[strings.ToLower(domain)] = struct{}{}
}

// AllowedDomains returns a snapshot of the allow list.
func (c *Checker) AllowedDomains() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	domains := make([]string, 0, len(c.allowedDomains))
	for d := range c.allowedDomains {
		domains = append(domains, d)
	}
	return domains
}
