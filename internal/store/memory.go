package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ILLUVRSE/timelock/internal/models"
)

// MemoryStore keeps everything in maps guarded by one RWMutex. UpdateRelease holds the
// write lock across the callback, which gives the same per-record atomicity as the
// row lock in PGStore.
type MemoryStore struct {
	mu        sync.RWMutex
	releases  map[int64]models.Release
	audit     []models.AuditLogEntry
	rules     []models.RoutePolicyRule
	templates map[int64]models.ReleaseTemplate
	users     map[string]models.User

	nextRelease  int64
	nextAudit    int64
	nextRule     int64
	nextTemplate int64
	nextUser     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		releases:  map[int64]models.Release{},
		templates: map[int64]models.ReleaseTemplate{},
		users:     map[string]models.User{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRelease++
	r := models.Release{
		ID:          m.nextRelease,
		Title:       in.Title,
		Description: in.Description,
		PayloadJSON: in.PayloadJSON,
		Status:      models.StatusDraft,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.CreatedAt,
	}
	m.releases[r.ID] = r
	return cloneRelease(r), nil
}

func (m *MemoryStore) GetRelease(ctx context.Context, id int64) (models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	return cloneRelease(r), nil
}

func (m *MemoryStore) UpdateRelease(ctx context.Context, id int64, fn func(r *models.Release) error) (models.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.releases[id]
	if !ok {
		return models.Release{}, ErrNotFound
	}
	working := cloneRelease(current)
	if err := fn(&working); err != nil {
		return models.Release{}, err
	}
	working.ID = id
	m.releases[id] = working
	return cloneRelease(working), nil
}

func (m *MemoryStore) ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, int64, error) {
	if _, err := sortColumn(filter.SortBy); err != nil {
		return nil, 0, err
	}
	statusSet := map[models.ReleaseStatus]bool{}
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))

	m.mu.RLock()
	matched := make([]models.Release, 0, len(m.releases))
	for _, r := range m.releases {
		if len(statusSet) > 0 && !statusSet[r.Status] {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(r.Title), search) &&
			!strings.Contains(strings.ToLower(r.Description), search) {
			continue
		}
		matched = append(matched, cloneRelease(r))
	}
	m.mu.RUnlock()

	less := releaseLess(filter.SortBy)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		c := less(a, b)
		if c == 0 {
			c = cmpInt(a.ID, b.ID)
		}
		if filter.Desc {
			return c > 0
		}
		return c < 0
	})

	total := int64(len(matched))
	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return []models.Release{}, total, nil
	}
	end := min(offset+normalizeLimit(filter.Limit), len(matched))
	return matched[offset:end], total, nil
}

func (m *MemoryStore) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.Release, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var due []models.Release
	for _, r := range m.releases {
		if r.Status == models.StatusApproved && r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
			due = append(due, cloneRelease(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(*due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) CountReleasesByStatus(ctx context.Context) (map[models.ReleaseStatus]int64, error) {
	counts := make(map[models.ReleaseStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.releases {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error) {
	if in.PerformedAt.IsZero() {
		in.PerformedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAudit++
	e := models.AuditLogEntry{
		ID:          m.nextAudit,
		ReleaseID:   in.ReleaseID,
		Action:      in.Action,
		PerformedBy: in.PerformedBy,
		PerformedAt: in.PerformedAt,
		Details:     in.Details,
	}
	m.audit = append(m.audit, e)
	return e, nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, releaseID int64, offset, limit int) ([]models.AuditLogEntry, int64, error) {
	m.mu.RLock()
	var entries []models.AuditLogEntry
	for _, e := range m.audit {
		if e.ReleaseID == releaseID {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].PerformedAt.Equal(entries[j].PerformedAt) {
			return entries[i].PerformedAt.After(entries[j].PerformedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	total := int64(len(entries))
	offset = max(offset, 0)
	if offset >= len(entries) {
		return []models.AuditLogEntry{}, total, nil
	}
	end := min(offset+normalizeLimit(limit), len(entries))
	return entries[offset:end], total, nil
}

func (m *MemoryStore) ListRouteRules(ctx context.Context) ([]models.RoutePolicyRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RoutePolicyRule(nil), m.rules...), nil
}

func (m *MemoryStore) UpsertRouteRule(ctx context.Context, rule models.RoutePolicyRule) (models.RoutePolicyRule, error) {
	rule.Method = strings.ToUpper(rule.Method)
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.rules {
		if existing.Method == rule.Method && existing.RoutePattern == rule.RoutePattern {
			m.rules[i].RequiredRole = rule.RequiredRole
			return m.rules[i], nil
		}
	}
	m.nextRule++
	rule.ID = m.nextRule
	m.rules = append(m.rules, rule)
	return rule, nil
}

func (m *MemoryStore) CreateTemplate(ctx context.Context, in TemplateInput) (models.ReleaseTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.templates {
		if t.Name == in.Name {
			return models.ReleaseTemplate{}, fmt.Errorf("template %q: %w", in.Name, ErrConflict)
		}
	}
	m.nextTemplate++
	t := models.ReleaseTemplate{
		ID:                 m.nextTemplate,
		Name:               in.Name,
		DefaultTitle:       in.DefaultTitle,
		DefaultDescription: in.DefaultDescription,
		DefaultPayload:     in.DefaultPayload,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          time.Now().UTC(),
		Active:             in.Active,
	}
	m.templates[t.ID] = t
	return t, nil
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id int64) (models.ReleaseTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return models.ReleaseTemplate{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListActiveTemplates(ctx context.Context) ([]models.ReleaseTemplate, error) {
	m.mu.RLock()
	out := []models.ReleaseTemplate{}
	for _, t := range m.templates {
		if t.Active {
			out = append(out, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, in UserInput) (models.User, error) {
	email := strings.ToLower(in.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return models.User{}, fmt.Errorf("user %q: %w", email, ErrConflict)
	}
	m.nextUser++
	u := models.User{
		ID:           m.nextUser,
		Email:        email,
		PasswordHash: in.PasswordHash,
		Role:         in.Role,
		Active:       in.Active,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[email] = u
	return u, nil
}

func (m *MemoryStore) GetActiveUserByEmail(ctx context.Context, email string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok || !u.Active {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryStore) CountUsers(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func cloneRelease(r models.Release) models.Release {
	out := r
	out.ScheduledAt = cloneTime(r.ScheduledAt)
	out.ApprovedAt = cloneTime(r.ApprovedAt)
	out.ExecutedAt = cloneTime(r.ExecutedAt)
	if r.ApprovedBy != nil {
		v := *r.ApprovedBy
		out.ApprovedBy = &v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// releaseLess returns a three-way comparison for the given sort key. Nil timestamps compare
// greater than any time, the same way Postgres orders NULLs by default.
func releaseLess(field string) func(a, b models.Release) int {
	switch field {
	case "id":
		return func(a, b models.Release) int { return cmpInt(a.ID, b.ID) }
	case "title":
		return func(a, b models.Release) int { return strings.Compare(a.Title, b.Title) }
	case "status":
		return func(a, b models.Release) int { return strings.Compare(string(a.Status), string(b.Status)) }
	case "scheduledAt":
		return func(a, b models.Release) int { return cmpTimePtr(a.ScheduledAt, b.ScheduledAt) }
	case "approvedAt":
		return func(a, b models.Release) int { return cmpTimePtr(a.ApprovedAt, b.ApprovedAt) }
	case "executedAt":
		return func(a, b models.Release) int { return cmpTimePtr(a.ExecutedAt, b.ExecutedAt) }
	default:
		return func(a, b models.Release) int { return a.CreatedAt.Compare(b.CreatedAt) }
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
