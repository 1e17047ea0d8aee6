package models

import (
	"fmt"
	"strings"
	"time"
)

type ReleaseStatus string

const (
	StatusDraft     ReleaseStatus = "DRAFT"
	StatusScheduled ReleaseStatus = "SCHEDULED"
	StatusApproved  ReleaseStatus = "APPROVED"
	StatusExecuted  ReleaseStatus = "EXECUTED"
	StatusCancelled ReleaseStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []ReleaseStatus{StatusDraft, StatusScheduled, StatusApproved, StatusExecuted, StatusCancelled}

func ParseStatus(s string) (ReleaseStatus, error) {
	for _, st := range AllStatuses {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown release status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s ReleaseStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

type Release struct {
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	PayloadJSON string        `json:"payloadJson,omitempty"`
	Status      ReleaseStatus `json:"status"`
	ScheduledAt *time.Time    `json:"scheduledAt,omitempty"`
	CreatedBy   string        `json:"createdBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	ApprovedBy  *string       `json:"approvedBy,omitempty"`
	ApprovedAt  *time.Time    `json:"approvedAt,omitempty"`
	ExecutedAt  *time.Time    `json:"executedAt,omitempty"`
}

type AuditAction string

const (
	ActionCreated   AuditAction = "CREATED"
	ActionScheduled AuditAction = "SCHEDULED"
	ActionApproved  AuditAction = "APPROVED"
	ActionExecuted  AuditAction = "EXECUTED"
	ActionCancelled AuditAction = "CANCELLED"
)

type AuditLogEntry struct {
	ID          int64       `json:"id"`
	ReleaseID   int64       `json:"releaseId"`
	Action      AuditAction `json:"action"`
	PerformedBy string      `json:"performedBy"`
	PerformedAt time.Time   `json:"performedAt"`
	Details     *string     `json:"details,omitempty"`
}

// Role is the closed set of roles a principal or route rule may carry.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleApprover Role = "APPROVER"
	RoleReviewer Role = "REVIEWER"
	RoleUser     Role = "USER"
)

var AllRoles = []Role{RoleAdmin, RoleApprover, RoleReviewer, RoleUser}

// ParseRole accepts role names case-insensitively, with or without a ROLE_ prefix.
func ParseRole(s string) (Role, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "ROLE_")
	for _, r := range AllRoles {
		if name == string(r) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Satisfies reports whether a principal holding r may access something requiring required.
// ADMIN satisfies every requirement.
func (r Role) Satisfies(required Role) bool {
	return r == RoleAdmin || r == required
}

type RoutePolicyRule struct {
	ID           int64  `json:"id" yaml:"-"`
	Method       string `json:"method" yaml:"method"`
	RoutePattern string `json:"routePattern" yaml:"routePattern"`
	RequiredRole Role   `json:"requiredRole" yaml:"requiredRole"`
}

type ReleaseTemplate struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	DefaultTitle       string    `json:"defaultTitle"`
	DefaultDescription string    `json:"defaultDescription,omitempty"`
	DefaultPayload     string    `json:"defaultPayload,omitempty"`
	CreatedBy          string    `json:"createdBy"`
	CreatedAt          time.Time `json:"createdAt"`
	Active             bool      `json:"active"`
}

type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}
