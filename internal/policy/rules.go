package policy

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ILLUVRSE/timelock/internal/models"
)

type RulesFile struct {
	Rules []models.RoutePolicyRule `yaml:"rules"`
}

// DefaultRules are seeded into an empty rule table.
var DefaultRules = []models.RoutePolicyRule{
	{Method: http.MethodGet, RoutePattern: "/api/v1/releases", RequiredRole: models.RoleUser},
	{Method: http.MethodPost, RoutePattern: "/api/v1/releases", RequiredRole: models.RoleUser},
	{Method: http.MethodPost, RoutePattern: "/api/v1/releases/{id}/actions/schedule", RequiredRole: models.RoleAdmin},
	{Method: http.MethodPost, RoutePattern: "/api/v1/releases/{id}/actions/approve", RequiredRole: models.RoleApprover},
	{Method: http.MethodPost, RoutePattern: "/api/v1/releases/{id}/actions/execute", RequiredRole: models.RoleAdmin},
	{Method: http.MethodGet, RoutePattern: "/api/v1/policies", RequiredRole: models.RoleAdmin},
}

// LoadRules reads a YAML rule file. An empty path or a missing file yields no rules.
func LoadRules(path string) ([]models.RoutePolicyRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy rules read: %w", err)
	}
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy rules unmarshal: %w", err)
	}
	out := make([]models.RoutePolicyRule, 0, len(f.Rules))
	for i, rule := range f.Rules {
		normalized, err := NormalizeRule(rule)
		if err != nil {
			return nil, fmt.Errorf("policy rule %d: %w", i, err)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// NormalizeRule upper-cases the method and validates the role and pattern.
func NormalizeRule(rule models.RoutePolicyRule) (models.RoutePolicyRule, error) {
	rule.Method = strings.ToUpper(strings.TrimSpace(rule.Method))
	rule.RoutePattern = strings.TrimSpace(rule.RoutePattern)
	if rule.Method == "" {
		return rule, fmt.Errorf("method is required")
	}
	if !strings.HasPrefix(rule.RoutePattern, "/") {
		return rule, fmt.Errorf("routePattern %q must start with /", rule.RoutePattern)
	}
	role, err := models.ParseRole(string(rule.RequiredRole))
	if err != nil {
		return rule, err
	}
	rule.RequiredRole = role
	return rule, nil
}
