package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/timelock/internal/models"
)

// RuleSource supplies the current rule set in insertion order.
type RuleSource interface {
	ListRouteRules(ctx context.Context) ([]models.RoutePolicyRule, error)
}

// Resolver maps a method and path to the role a caller must hold. Rules are read from
// the source on every call so changes apply without a restart.
type Resolver struct {
	rules RuleSource
}

func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

// RequiredRoleFor returns the role of the matching rule with the longest pattern. Among
// equally long patterns the earliest rule wins. ok is false when no rule matches.
func (r *Resolver) RequiredRoleFor(ctx context.Context, method, path string) (role models.Role, ok bool, err error) {
	rules, err := r.rules.ListRouteRules(ctx)
	if err != nil {
		return "", false, fmt.Errorf("load route rules: %w", err)
	}
	best := -1
	for i, rule := range rules {
		if !strings.EqualFold(rule.Method, method) || !MatchPattern(rule.RoutePattern, path) {
			continue
		}
		if best < 0 || len(rule.RoutePattern) > len(rules[best].RoutePattern) {
			best = i
		}
	}
	if best < 0 {
		return "", false, nil
	}
	return rules[best].RequiredRole, true, nil
}

// MatchPattern reports whether path matches pattern segment by segment. A segment
// written as {name} or * matches any single non-empty segment; everything else must be
// equal. Both sides must have the same number of segments; a trailing slash is ignored.
func MatchPattern(pattern, path string) bool {
	ps := splitPath(pattern)
	xs := splitPath(path)
	if len(ps) != len(xs) {
		return false
	}
	for i, seg := range ps {
		if isVariable(seg) {
			if xs[i] == "" {
				return false
			}
			continue
		}
		if seg != xs[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func isVariable(seg string) bool {
	if seg == "*" {
		return true
	}
	return len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}
