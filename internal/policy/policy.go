// Package policy implements the admission checks that run before a crawl job
// is accepted: URL normalization, domain policy decisions and worker-kind
// election.
package policy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// Decision classifies a domain under the policy rules.
type Decision string

const (
	Allow      Decision = "allow"
	Block      Decision = "block"
	Restricted Decision = "restricted"
)

// URLClass buckets a URL for worker-kind election.
type URLClass string

const (
	ClassStatic   URLClass = "static"
	ClassScripted URLClass = "scripted"
	ClassMobile   URLClass = "mobile"
	ClassUnknown  URLClass = "unknown"
)

// kindByClass is the deterministic Auto mapping.
var kindByClass = map[URLClass]domain.WorkerKind{
	ClassStatic:   domain.WorkerHTTPClient,
	ClassScripted: domain.WorkerBrowser,
	ClassMobile:   domain.WorkerMobileBridge,
	ClassUnknown:  domain.WorkerIntelligent,
}

// Engine evaluates admission policy against a loaded rule set.
type Engine struct {
	rules Rules
}

// NewEngine constructs an Engine over the given rules.
func NewEngine(rules Rules) *Engine { return &Engine{rules: rules} }

// Normalize trims and validates a raw URL, defaulting to https when no scheme
// is present. Malformed URLs map to ErrPolicyViolation.
func Normalize(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("empty url: %w", domain.ErrPolicyViolation)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("malformed url %q: %w", raw, domain.ErrPolicyViolation)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q: %w", u.Scheme, domain.ErrPolicyViolation)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q: %w", raw, domain.ErrPolicyViolation)
	}
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

// Decide returns the policy decision for a host.
func (e *Engine) Decide(host string) Decision {
	host = strings.ToLower(host)
	for _, r := range e.rules.Domains {
		if matchHost(r.Pattern, host) {
			return r.Decision
		}
	}
	return Allow
}

// Classify buckets a normalized URL: explicit rules first, then structural
// heuristics, then unknown.
func (e *Engine) Classify(u *url.URL) URLClass {
	host := u.Hostname()
	for _, r := range e.rules.Classes {
		if matchHost(r.Pattern, host) {
			return r.Class
		}
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm") ||
		strings.HasSuffix(path, ".txt") || strings.HasSuffix(path, ".xml"):
		return ClassStatic
	case strings.HasPrefix(host, "api.") || strings.HasPrefix(host, "m.") ||
		strings.Contains(path, "/api/"):
		return ClassMobile
	case strings.HasPrefix(path, "/#") || u.Fragment != "":
		return ClassScripted
	default:
		return ClassUnknown
	}
}

// ElectKind chooses the worker kind for a job. An explicit preference other
// than Auto wins when the requester may use it; Auto maps the dominant URL
// class through the policy table.
func (e *Engine) ElectKind(pref domain.WorkerKind, urls []*url.URL) domain.WorkerKind {
	if pref != "" && pref != domain.WorkerAuto {
		return pref
	}
	counts := map[URLClass]int{}
	for _, u := range urls {
		counts[e.Classify(u)]++
	}
	// Ties resolve by fixed precedence, cheapest worker first, so the same
	// URL mix always elects the same kind.
	best, bestN := ClassUnknown, 0
	for _, c := range []URLClass{ClassStatic, ClassMobile, ClassScripted, ClassUnknown} {
		if n := counts[c]; n > bestN {
			best, bestN = c, n
		}
	}
	return kindByClass[best]
}

// TierAtLeast reports whether tier meets the minimum subscription tier.
// Unknown tiers rank lowest.
func TierAtLeast(tier, min string) bool {
	rank := map[string]int{"free": 0, "basic": 1, "pro": 2, "enterprise": 3}
	return rank[strings.ToLower(tier)] >= rank[strings.ToLower(min)]
}

// matchHost supports exact hosts and "*.suffix" wildcard patterns.
func matchHost(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".suffix"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}
	return host == pattern
}
