package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/ILLUVRSE/timelock/internal/models"
)

var releaseCols = []string{
	"id", "title", "description", "payload_json", "status", "scheduled_at",
	"created_by", "created_at", "approved_by", "approved_at", "executed_at",
}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestUpdateReleaseLocksAndWrites(t *testing.T) {
	st, mock := newMockStore(t)
	created := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	when := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM releases WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(releaseCols).
			AddRow(int64(7), "Rollout v2", nil, nil, "SCHEDULED", when, "alice", created, nil, nil, nil))
	mock.ExpectQuery(`UPDATE releases\s+SET status = \$2`).
		WithArgs(int64(7), "APPROVED", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(releaseCols).
			AddRow(int64(7), "Rollout v2", nil, nil, "APPROVED", when, "alice", created, "bob", created, nil))
	mock.ExpectCommit()

	updated, err := st.UpdateRelease(context.Background(), 7, func(r *models.Release) error {
		if r.Status != models.StatusScheduled {
			t.Fatalf("callback saw status %s", r.Status)
		}
		approver := "bob"
		r.ApprovedBy = &approver
		r.ApprovedAt = &created
		r.Status = models.StatusApproved
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRelease error: %v", err)
	}
	if updated.Status != models.StatusApproved || updated.ApprovedBy == nil || *updated.ApprovedBy != "bob" {
		t.Fatalf("unexpected release after update: %+v", updated)
	}
	if updated.Description != "" || updated.ExecutedAt != nil {
		t.Fatalf("null columns should map to zero values: %+v", updated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateReleaseCallbackErrorRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	created := time.Now().UTC()
	guard := errors.New("guard failed")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(releaseCols).
			AddRow(int64(3), "t", nil, nil, "EXECUTED", created, "alice", created, "bob", created, created))
	mock.ExpectRollback()

	_, err := st.UpdateRelease(context.Background(), 3, func(r *models.Release) error { return guard })
	if !errors.Is(err, guard) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateReleaseMissingRow(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs(int64(99)).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	called := false
	_, err := st.UpdateRelease(context.Background(), 99, func(r *models.Release) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Fatalf("callback must not run for a missing row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListDueReleasesQuery(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	early := now.Add(-time.Hour)

	mock.ExpectQuery(`WHERE status = \$1 AND scheduled_at <= \$2\s+ORDER BY scheduled_at ASC, id ASC\s+LIMIT \$3`).
		WithArgs("APPROVED", now, 50).
		WillReturnRows(sqlmock.NewRows(releaseCols).
			AddRow(int64(1), "a", "desc", `{"k":1}`, "APPROVED", early, "alice", early, "bob", early, nil))

	due, err := st.ListDueReleases(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListDueReleases error: %v", err)
	}
	if len(due) != 1 || due[0].PayloadJSON != `{"k":1}` || !due[0].ScheduledAt.Equal(early) {
		t.Fatalf("unexpected due releases: %+v", due)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListReleasesFiltersAndPages(t *testing.T) {
	st, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM releases WHERE 1=1 AND status = ANY\(\$1\) AND \(LOWER\(title\) LIKE \$2`).
		WithArgs(sqlmock.AnyArg(), "%roll\\_out%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(21)))
	mock.ExpectQuery(`ORDER BY title ASC, id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs(sqlmock.AnyArg(), "%roll\\_out%", 20, 20).
		WillReturnRows(sqlmock.NewRows(releaseCols).
			AddRow(int64(21), "roll_out", nil, nil, "DRAFT", nil, "alice", created, nil, nil, nil))

	out, total, err := st.ListReleases(context.Background(), ReleaseFilter{
		Statuses: []models.ReleaseStatus{models.StatusDraft, models.StatusScheduled},
		Search:   " Roll_Out ",
		SortBy:   "title",
		Offset:   20,
		Limit:    20,
	})
	if err != nil {
		t.Fatalf("ListReleases error: %v", err)
	}
	if total != 21 || len(out) != 1 || out[0].ScheduledAt != nil {
		t.Fatalf("unexpected page: total=%d out=%+v", total, out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListReleasesRejectsUnknownSort(t *testing.T) {
	st, mock := newMockStore(t)
	_, _, err := st.ListReleases(context.Background(), ReleaseFilter{SortBy: "password"})
	if !errors.Is(err, ErrInvalidSort) {
		t.Fatalf("expected ErrInvalidSort, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCountReleasesByStatusFillsMissing(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM releases GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("DRAFT", int64(4)).
			AddRow("EXECUTED", int64(2)))

	counts, err := st.CountReleasesByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountReleasesByStatus error: %v", err)
	}
	if counts[models.StatusDraft] != 4 || counts[models.StatusExecuted] != 2 || counts[models.StatusCancelled] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
	if len(counts) != len(models.AllStatuses) {
		t.Fatalf("expected every status present, got %v", counts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAuditInsertsEntry(t *testing.T) {
	st, mock := newMockStore(t)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	details := "Title: Rollout v2"

	mock.ExpectQuery(`INSERT INTO release_audit_logs`).
		WithArgs(int64(5), "CREATED", "alice", at, details).
		WillReturnRows(sqlmock.NewRows([]string{"id", "release_id", "action", "performed_by", "performed_at", "details"}).
			AddRow(int64(1), int64(5), "CREATED", "alice", at, details))

	e, err := st.AppendAudit(context.Background(), AuditInput{
		ReleaseID:   5,
		Action:      models.ActionCreated,
		PerformedBy: "alice",
		PerformedAt: at,
		Details:     &details,
	})
	if err != nil {
		t.Fatalf("AppendAudit error: %v", err)
	}
	if e.ID != 1 || e.Details == nil || *e.Details != details {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertRouteRuleUppercasesMethod(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO route_scopes (.+) ON CONFLICT \(method, route_pattern\) DO UPDATE`).
		WithArgs("POST", "/api/v1/releases/{id}/actions/approve", "APPROVER").
		WillReturnRows(sqlmock.NewRows([]string{"id", "method", "route_pattern", "required_role"}).
			AddRow(int64(4), "POST", "/api/v1/releases/{id}/actions/approve", "APPROVER"))

	rule, err := st.UpsertRouteRule(context.Background(), models.RoutePolicyRule{
		Method:       "post",
		RoutePattern: "/api/v1/releases/{id}/actions/approve",
		RequiredRole: models.RoleApprover,
	})
	if err != nil {
		t.Fatalf("UpsertRouteRule error: %v", err)
	}
	if rule.ID != 4 || rule.RequiredRole != models.RoleApprover {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetActiveUserByEmailNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(`FROM users WHERE email = \$1 AND active = TRUE`).
		WithArgs("nobody@example.com").
		WillReturnError(sql.ErrNoRows)

	if _, err := st.GetActiveUserByEmail(context.Background(), "Nobody@Example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS releases`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
