package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/timelock/internal/models"
)

func approvedAt(t *testing.T, m *MemoryStore, title string, scheduled time.Time) models.Release {
	t.Helper()
	ctx := context.Background()
	r, err := m.CreateRelease(ctx, ReleaseInput{Title: title, CreatedBy: "alice"})
	require.NoError(t, err)
	r, err = m.UpdateRelease(ctx, r.ID, func(rel *models.Release) error {
		rel.ScheduledAt = &scheduled
		rel.Status = models.StatusApproved
		return nil
	})
	require.NoError(t, err)
	return r
}

func TestMemoryListDueReleasesOrdersAndLimits(t *testing.T) {
	m := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	late := approvedAt(t, m, "late", now.Add(-time.Minute))
	early := approvedAt(t, m, "early", now.Add(-time.Hour))
	approvedAt(t, m, "future", now.Add(time.Hour))
	exact := approvedAt(t, m, "exact", now)

	due, err := m.ListDueReleases(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []int64{early.ID, late.ID, exact.ID}, []int64{due[0].ID, due[1].ID, due[2].ID})

	due, err = m.ListDueReleases(context.Background(), now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestMemoryUpdateReleaseErrorLeavesRecord(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r, err := m.CreateRelease(ctx, ReleaseInput{Title: "t", CreatedBy: "alice"})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = m.UpdateRelease(ctx, r.ID, func(rel *models.Release) error {
		rel.Status = models.StatusCancelled
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.GetRelease(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, got.Status)

	_, err = m.UpdateRelease(ctx, 404, func(rel *models.Release) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateReleaseSerializesWriters(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r, err := m.CreateRelease(ctx, ReleaseInput{Title: "race", CreatedBy: "alice"})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateRelease(ctx, r.ID, func(rel *models.Release) error {
				if rel.Status.Terminal() {
					return errors.New("terminal")
				}
				rel.Status = models.StatusCancelled
				return nil
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryListReleasesSearchSortPage(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, title := range []string{"Alpha deploy", "beta", "Gamma DEPLOY", "delta"} {
		_, err := m.CreateRelease(ctx, ReleaseInput{
			Title:       title,
			Description: "desc",
			CreatedBy:   "alice",
			CreatedAt:   base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	out, total, err := m.ListReleases(ctx, ReleaseFilter{Search: "deploy", Desc: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, out, 2)
	assert.Equal(t, "Gamma DEPLOY", out[0].Title)

	out, total, err = m.ListReleases(ctx, ReleaseFilter{SortBy: "title", Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, out, 2)
	assert.Equal(t, "Gamma DEPLOY", out[0].Title)
	assert.Equal(t, "beta", out[1].Title)

	out, _, err = m.ListReleases(ctx, ReleaseFilter{Statuses: []models.ReleaseStatus{models.StatusExecuted}})
	require.NoError(t, err)
	assert.Empty(t, out)

	_, _, err = m.ListReleases(ctx, ReleaseFilter{SortBy: "nope"})
	assert.ErrorIs(t, err, ErrInvalidSort)
}

func TestMemoryAuditNewestFirst(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []models.AuditAction{models.ActionCreated, models.ActionScheduled, models.ActionApproved} {
		_, err := m.AppendAudit(ctx, AuditInput{ReleaseID: 1, Action: action, PerformedBy: "x", PerformedAt: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	_, err := m.AppendAudit(ctx, AuditInput{ReleaseID: 2, Action: models.ActionCreated, PerformedBy: "x"})
	require.NoError(t, err)

	entries, total, err := m.ListAudit(ctx, 1, 0, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActionApproved, entries[0].Action)
	assert.Equal(t, models.ActionCreated, entries[2].Action)
}

func TestMemoryRouteRulesKeepInsertionOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	first, err := m.UpsertRouteRule(ctx, models.RoutePolicyRule{Method: "get", RoutePattern: "/a", RequiredRole: models.RoleUser})
	require.NoError(t, err)
	_, err = m.UpsertRouteRule(ctx, models.RoutePolicyRule{Method: "POST", RoutePattern: "/b", RequiredRole: models.RoleAdmin})
	require.NoError(t, err)
	again, err := m.UpsertRouteRule(ctx, models.RoutePolicyRule{Method: "GET", RoutePattern: "/a", RequiredRole: models.RoleReviewer})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	rules, err := m.ListRouteRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "GET", rules[0].Method)
	assert.Equal(t, models.RoleReviewer, rules[0].RequiredRole)
}

func TestMemoryUsersAndTemplates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, err := m.CreateUser(ctx, UserInput{Email: "Admin@Example.com", PasswordHash: "h", Role: models.RoleAdmin, Active: true})
	require.NoError(t, err)
	_, err = m.CreateUser(ctx, UserInput{Email: "admin@example.com", PasswordHash: "h", Role: models.RoleUser, Active: true})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = m.CreateUser(ctx, UserInput{Email: "off@example.com", PasswordHash: "h", Role: models.RoleUser})
	require.NoError(t, err)

	u, err := m.GetActiveUserByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, u.Role)
	_, err = m.GetActiveUserByEmail(ctx, "off@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.CreateTemplate(ctx, TemplateInput{Name: "zeta", DefaultTitle: "Z", Active: true})
	require.NoError(t, err)
	_, err = m.CreateTemplate(ctx, TemplateInput{Name: "alpha", DefaultTitle: "A", Active: true})
	require.NoError(t, err)
	_, err = m.CreateTemplate(ctx, TemplateInput{Name: "hidden", DefaultTitle: "H"})
	require.NoError(t, err)
	tpls, err := m.ListActiveTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, tpls, 2)
	assert.Equal(t, "alpha", tpls[0].Name)
}
