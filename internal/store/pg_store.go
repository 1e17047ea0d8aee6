package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ILLUVRSE/timelock/internal/models"
)

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) CreateRelease(ctx context.Context, in ReleaseInput) (models.Release, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO releases (title, description, payload_json, status, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + releaseColumns
	row := s.db.QueryRowContext(ctx, query, in.Title, emptyToNull(in.Description), emptyToNull(in.PayloadJSON), string(models.StatusDraft), in.CreatedBy, in.CreatedAt)
	r, err := scanRelease(row)
	if err != nil {
		return models.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return r, nil
}

func (s *PGStore) GetRelease(ctx context.Context, id int64) (models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	r, err := scanRelease(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("get release: %w", err)
	}
	return r, nil
}

// UpdateRelease locks the row with SELECT ... FOR UPDATE, hands the loaded release to fn
// and writes the result back in the same transaction. An error from fn is returned as is
// and nothing is written.
func (s *PGStore) UpdateRelease(ctx context.Context, id int64, fn func(r *models.Release) error) (models.Release, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Release{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1 FOR UPDATE`
	r, err := scanRelease(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Release{}, ErrNotFound
		}
		return models.Release{}, fmt.Errorf("lock release: %w", err)
	}

	if err := fn(&r); err != nil {
		return models.Release{}, err
	}

	updateQuery := `
		UPDATE releases
		SET status = $2, scheduled_at = $3, approved_by = $4, approved_at = $5, executed_at = $6
		WHERE id = $1
		RETURNING ` + releaseColumns
	updated, err := scanRelease(tx.QueryRowContext(ctx, updateQuery,
		id,
		string(r.Status),
		nullTime(r.ScheduledAt),
		nullString(r.ApprovedBy),
		nullTime(r.ApprovedAt),
		nullTime(r.ExecutedAt),
	))
	if err != nil {
		return models.Release{}, fmt.Errorf("update release: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Release{}, fmt.Errorf("commit release update: %w", err)
	}
	return updated, nil
}

func (s *PGStore) ListReleases(ctx context.Context, filter ReleaseFilter) ([]models.Release, int64, error) {
	col, err := sortColumn(filter.SortBy)
	if err != nil {
		return nil, 0, err
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	argPos := 1
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		where += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, pq.Array(statuses))
		argPos++
	}
	if strings.TrimSpace(filter.Search) != "" {
		where += fmt.Sprintf(" AND (LOWER(title) LIKE $%d OR LOWER(COALESCE(description, '')) LIKE $%d)", argPos, argPos)
		args = append(args, likePattern(filter.Search))
		argPos++
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM releases`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count releases: %w", err)
	}

	dir := "ASC"
	if filter.Desc {
		dir = "DESC"
	}
	query := `SELECT ` + releaseColumns + ` FROM releases` + where +
		fmt.Sprintf(" ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d", col, dir, dir, argPos, argPos+1)
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	out := []models.Release{}
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.Release, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + releaseColumns + `
		FROM releases
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC, id ASC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, string(models.StatusApproved), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due releases: %w", err)
	}
	defer rows.Close()
	var out []models.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due release: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CountReleasesByStatus(ctx context.Context) (map[models.ReleaseStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM releases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count releases by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.ReleaseStatus]int64, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.ReleaseStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PGStore) AppendAudit(ctx context.Context, in AuditInput) (models.AuditLogEntry, error) {
	if in.PerformedAt.IsZero() {
		in.PerformedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO release_audit_logs (release_id, action, performed_by, performed_at, details)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, release_id, action, performed_by, performed_at, details
	`
	e, err := scanAudit(s.db.QueryRowContext(ctx, query, in.ReleaseID, string(in.Action), in.PerformedBy, in.PerformedAt, nullString(in.Details)))
	if err != nil {
		return models.AuditLogEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

func (s *PGStore) ListAudit(ctx context.Context, releaseID int64, offset, limit int) ([]models.AuditLogEntry, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM release_audit_logs WHERE release_id = $1`, releaseID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	const query = `
		SELECT id, release_id, action, performed_by, performed_at, details
		FROM release_audit_logs
		WHERE release_id = $1
		ORDER BY performed_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, releaseID, normalizeLimit(limit), max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	out := []models.AuditLogEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *PGStore) ListRouteRules(ctx context.Context) ([]models.RoutePolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, route_pattern, required_role FROM route_scopes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list route rules: %w", err)
	}
	defer rows.Close()
	var out []models.RoutePolicyRule
	for rows.Next() {
		var (
			rule models.RoutePolicyRule
			role string
		)
		if err := rows.Scan(&rule.ID, &rule.Method, &rule.RoutePattern, &role); err != nil {
			return nil, fmt.Errorf("scan route rule: %w", err)
		}
		rule.RequiredRole = models.Role(role)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// UpsertRouteRule keys rules by (upper-cased method, pattern); an existing rule keeps its
// id so its position in the tie-break order does not move.
func (s *PGStore) UpsertRouteRule(ctx context.Context, rule models.RoutePolicyRule) (models.RoutePolicyRule, error) {
	const query = `
		INSERT INTO route_scopes (method, route_pattern, required_role)
		VALUES ($1,$2,$3)
		ON CONFLICT (method, route_pattern) DO UPDATE
		  SET required_role = EXCLUDED.required_role
		RETURNING id, method, route_pattern, required_role
	`
	var (
		out  models.RoutePolicyRule
		role string
	)
	err := s.db.QueryRowContext(ctx, query, strings.ToUpper(rule.Method), rule.RoutePattern, string(rule.RequiredRole)).
		Scan(&out.ID, &out.Method, &out.RoutePattern, &role)
	if err != nil {
		return models.RoutePolicyRule{}, fmt.Errorf("upsert route rule: %w", err)
	}
	out.RequiredRole = models.Role(role)
	return out, nil
}

const templateColumns = `id, name, default_title, default_description, default_payload, created_by, created_at, active`

func (s *PGStore) CreateTemplate(ctx context.Context, in TemplateInput) (models.ReleaseTemplate, error) {
	query := `
		INSERT INTO release_templates (name, default_title, default_description, default_payload, created_by, created_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + templateColumns
	t, err := scanTemplate(s.db.QueryRowContext(ctx, query, in.Name, in.DefaultTitle, emptyToNull(in.DefaultDescription), emptyToNull(in.DefaultPayload), in.CreatedBy, time.Now().UTC(), in.Active))
	if err != nil {
		if isUniqueViolation(err) {
			return models.ReleaseTemplate{}, fmt.Errorf("template %q: %w", in.Name, ErrConflict)
		}
		return models.ReleaseTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

func (s *PGStore) GetTemplate(ctx context.Context, id int64) (models.ReleaseTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM release_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReleaseTemplate{}, ErrNotFound
		}
		return models.ReleaseTemplate{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *PGStore) ListActiveTemplates(ctx context.Context) ([]models.ReleaseTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM release_templates WHERE active = TRUE ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	out := []models.ReleaseTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateUser(ctx context.Context, in UserInput) (models.User, error) {
	const query = `
		INSERT INTO users (email, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, email, password_hash, role, active, created_at
	`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(in.Email), in.PasswordHash, string(in.Role), in.Active, time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, fmt.Errorf("user %q: %w", in.Email, ErrConflict)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PGStore) GetActiveUserByEmail(ctx context.Context, email string) (models.User, error) {
	const query = `
		SELECT id, email, password_hash, role, active, created_at
		FROM users WHERE email = $1 AND active = TRUE
	`
	u, err := scanUser(s.db.QueryRowContext(ctx, query, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PGStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
