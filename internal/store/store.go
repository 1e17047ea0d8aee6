package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ILLUVRSE/timelock/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInvalidSort = errors.New("invalid sort field")
)

// ReleaseStore owns release records. UpdateRelease is the only mutation path for an
// existing release: the load, the callback and the write happen under a row lock.
type ReleaseStore interface {
	CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error)
	GetRelease(ctx context.Context, id int64) (models.Release, error)
	UpdateRelease(ctx context.Context, id int64, fn func(r *models.Release) error) (models.Release, error)
	ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, int64, error)
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.Release, error)
	CountReleasesByStatus(ctx context.Context) (map[models.ReleaseStatus]int64, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error)
	ListAudit(ctx context.Context, releaseID int64, offset, limit int) ([]models.AuditLogEntry, int64, error)
}

type PolicyStore interface {
	// ListRouteRules returns every rule in insertion order.
	ListRouteRules(ctx context.Context) ([]models.RoutePolicyRule, error)
	UpsertRouteRule(ctx context.Context, rule models.RoutePolicyRule) (models.RoutePolicyRule, error)
}

type TemplateStore interface {
	CreateTemplate(ctx context.Context, in TemplateInput) (models.ReleaseTemplate, error)
	GetTemplate(ctx context.Context, id int64) (models.ReleaseTemplate, error)
	ListActiveTemplates(ctx context.Context) ([]models.ReleaseTemplate, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, in UserInput) (models.User, error)
	GetActiveUserByEmail(ctx context.Context, email string) (models.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

type Store interface {
	ReleaseStore
	AuditStore
	PolicyStore
	TemplateStore
	UserStore
	Ping(ctx context.Context) error
}

type ReleaseInput struct {
	Title       string
	Description string
	PayloadJSON string
	CreatedBy   string
	CreatedAt   time.Time
}

type AuditInput struct {
	ReleaseID   int64
	Action      models.AuditAction
	PerformedBy string
	PerformedAt time.Time
	Details     *string
}

type TemplateInput struct {
	Name               string
	DefaultTitle       string
	DefaultDescription string
	DefaultPayload     string
	CreatedBy          string
	Active             bool
}

type UserInput struct {
	Email        string
	PasswordHash string
	Role         models.Role
	Active       bool
}

type ReleaseFilter struct {
	Statuses []models.ReleaseStatus
	// Search is a case-insensitive substring matched against title or description.
	Search string
	SortBy string
	Desc   bool
	Offset int
	Limit  int
}

// sortColumns maps the public sort keys onto columns.
var sortColumns = map[string]string{
	"id":          "id",
	"title":       "title",
	"status":      "status",
	"scheduledAt": "scheduled_at",
	"createdAt":   "created_at",
	"approvedAt":  "approved_at",
	"executedAt":  "executed_at",
}

// ValidSortField reports whether field may be used as ReleaseFilter.SortBy.
func ValidSortField(field string) bool {
	if field == "" {
		return true
	}
	_, ok := sortColumns[field]
	return ok
}

func sortColumn(field string) (string, error) {
	if field == "" {
		return "created_at", nil
	}
	col, ok := sortColumns[field]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidSort, field)
	}
	return col, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func likePattern(search string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(search))) + "%"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const releaseColumns = `id, title, description, payload_json, status, scheduled_at, created_by, created_at, approved_by, approved_at, executed_at`

func scanRelease(row rowScanner) (models.Release, error) {
	var (
		r           models.Release
		description sql.NullString
		payload     sql.NullString
		status      string
		scheduledAt sql.NullTime
		approvedBy  sql.NullString
		approvedAt  sql.NullTime
		executedAt  sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.Title,
		&description,
		&payload,
		&status,
		&scheduledAt,
		&r.CreatedBy,
		&r.CreatedAt,
		&approvedBy,
		&approvedAt,
		&executedAt,
	); err != nil {
		return models.Release{}, err
	}
	r.Description = description.String
	r.PayloadJSON = payload.String
	r.Status = models.ReleaseStatus(status)
	r.ScheduledAt = timePtr(scheduledAt)
	if approvedBy.Valid {
		v := approvedBy.String
		r.ApprovedBy = &v
	}
	r.ApprovedAt = timePtr(approvedAt)
	r.ExecutedAt = timePtr(executedAt)
	return r, nil
}

func scanAudit(row rowScanner) (models.AuditLogEntry, error) {
	var (
		e       models.AuditLogEntry
		action  string
		details sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ReleaseID, &action, &e.PerformedBy, &e.PerformedAt, &details); err != nil {
		return models.AuditLogEntry{}, err
	}
	e.Action = models.AuditAction(action)
	if details.Valid {
		v := details.String
		e.Details = &v
	}
	return e, nil
}

func scanTemplate(row rowScanner) (models.ReleaseTemplate, error) {
	var (
		t           models.ReleaseTemplate
		description sql.NullString
		payload     sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &t.DefaultTitle, &description, &payload, &t.CreatedBy, &t.CreatedAt, &t.Active); err != nil {
		return models.ReleaseTemplate{}, err
	}
	t.DefaultDescription = description.String
	t.DefaultPayload = payload.String
	return t, nil
}

func scanUser(row rowScanner) (models.User, error) {
	var (
		u    models.User
		role string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.Active, &u.CreatedAt); err != nil {
		return models.User{}, err
	}
	u.Role = models.Role(role)
	return u, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func emptyToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
