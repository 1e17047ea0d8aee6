package store

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS releases (
  id bigserial PRIMARY KEY,
  title varchar(255) NOT NULL,
  description text,
  payload_json text,
  status text NOT NULL,
  scheduled_at timestamptz,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  approved_by text,
  approved_at timestamptz,
  executed_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_releases_status_scheduled ON releases (status, scheduled_at);

CREATE TABLE IF NOT EXISTS release_audit_logs (
  id bigserial PRIMARY KEY,
  release_id bigint NOT NULL,
  action text NOT NULL,
  performed_by text NOT NULL,
  performed_at timestamptz NOT NULL DEFAULT now(),
  details text
);
CREATE INDEX IF NOT EXISTS idx_audit_release_performed ON release_audit_logs (release_id, performed_at DESC);

CREATE TABLE IF NOT EXISTS route_scopes (
  id bigserial PRIMARY KEY,
  method text NOT NULL,
  route_pattern text NOT NULL,
  required_role text NOT NULL,
  UNIQUE (method, route_pattern)
);

CREATE TABLE IF NOT EXISTS release_templates (
  id bigserial PRIMARY KEY,
  name text NOT NULL UNIQUE,
  default_title varchar(255) NOT NULL,
  default_description text,
  default_payload text,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  active boolean NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS users (
  id bigserial PRIMARY KEY,
  email text NOT NULL UNIQUE,
  password_hash text NOT NULL,
  role text NOT NULL,
  active boolean NOT NULL DEFAULT TRUE,
  created_at timestamptz NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables and indexes if they are missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
