package seed

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ILLUVRSE/timelock/internal/auth"
	"github.com/ILLUVRSE/timelock/internal/models"
	"github.com/ILLUVRSE/timelock/internal/policy"
	"github.com/ILLUVRSE/timelock/internal/store"
)

// Store is the subset of store.Store the seeder writes to.
type Store interface {
	store.UserStore
	store.PolicyStore
	store.TemplateStore
}

type Options struct {
	// Defaults seeds users, route rules and templates into empty tables.
	Defaults bool
	Password string
	// Rules are upserted on every start, after the defaults.
	Rules []models.RoutePolicyRule
}

var defaultUsers = []struct {
	email string
	role  models.Role
}{
	{"admin@example.com", models.RoleAdmin},
	{"approver@example.com", models.RoleApprover},
	{"user@example.com", models.RoleUser},
}

var defaultTemplates = []store.TemplateInput{
	{
		Name:               "standard-rollout",
		DefaultTitle:       "Standard rollout",
		DefaultDescription: "Staged rollout to all regions",
		DefaultPayload:     `{"strategy":"staged","regions":["all"]}`,
		CreatedBy:          "system",
		Active:             true,
	},
	{
		Name:               "hotfix",
		DefaultTitle:       "Hotfix",
		DefaultDescription: "Expedited patch release",
		DefaultPayload:     `{"strategy":"immediate"}`,
		CreatedBy:          "system",
		Active:             true,
	},
}

func Run(ctx context.Context, st Store, opts Options) error {
	if opts.Defaults {
		if err := seedUsers(ctx, st, opts.Password); err != nil {
			return err
		}
		if err := seedRules(ctx, st); err != nil {
			return err
		}
		if err := seedTemplates(ctx, st); err != nil {
			return err
		}
	}
	for _, rule := range opts.Rules {
		if _, err := st.UpsertRouteRule(ctx, rule); err != nil {
			return fmt.Errorf("upsert rule %s %s: %w", rule.Method, rule.RoutePattern, err)
		}
	}
	if len(opts.Rules) > 0 {
		log.Printf("[seed] applied %d route rules from file", len(opts.Rules))
	}
	return nil
}

func seedUsers(ctx context.Context, st Store, password string) error {
	n, err := st.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	if password == "" {
		return errors.New("seed password is empty")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	for _, u := range defaultUsers {
		_, err := st.CreateUser(ctx, store.UserInput{Email: u.email, PasswordHash: hash, Role: u.role, Active: true})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("seed user %s: %w", u.email, err)
		}
	}
	log.Printf("[seed] created %d default users", len(defaultUsers))
	return nil
}

func seedRules(ctx context.Context, st Store) error {
	existing, err := st.ListRouteRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, rule := range policy.DefaultRules {
		if _, err := st.UpsertRouteRule(ctx, rule); err != nil {
			return fmt.Errorf("seed rule %s %s: %w", rule.Method, rule.RoutePattern, err)
		}
	}
	log.Printf("[seed] created %d default route rules", len(policy.DefaultRules))
	return nil
}

func seedTemplates(ctx context.Context, st Store) error {
	existing, err := st.ListActiveTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, tpl := range defaultTemplates {
		if _, err := st.CreateTemplate(ctx, tpl); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("seed template %s: %w", tpl.Name, err)
		}
	}
	return nil
}
