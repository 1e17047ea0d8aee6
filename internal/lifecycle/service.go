package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ILLUVRSE/timelock/internal/models"
	"github.com/ILLUVRSE/timelock/internal/store"
)

// SystemActor is recorded when an execution has no caller identity.
const SystemActor = "system"

const (
	maxTitleLen       = 255
	maxDescriptionLen = 5000
	maxPayloadLen     = 10000
)

// AuditLogger appends audit entries. Implementations must not fail the caller.
type AuditLogger interface {
	LogAction(ctx context.Context, releaseID int64, action models.AuditAction, performedBy string, details *string)
}

// Notifier is told about every executed release.
type Notifier interface {
	Trigger(ctx context.Context, releaseID int64, title, payload string) error
}

type Config struct {
	Now    func() time.Time
	Logger *log.Logger
}

type Service struct {
	releases  store.ReleaseStore
	templates store.TemplateStore
	audit     AuditLogger
	notifier  Notifier
	now       func() time.Time
	logger    *log.Logger
}

func New(releases store.ReleaseStore, templates store.TemplateStore, audit AuditLogger, notifier Notifier, cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[lifecycle] ", log.LstdFlags)
	}
	return &Service{
		releases:  releases,
		templates: templates,
		audit:     audit,
		notifier:  notifier,
		now:       now,
		logger:    logger,
	}
}

type CreateRequest struct {
	Title       string
	Description string
	PayloadJSON string
	CreatedBy   string
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (models.Release, error) {
	if err := validateCreate(req); err != nil {
		return models.Release{}, err
	}
	r, err := s.releases.CreateRelease(ctx, store.ReleaseInput{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		PayloadJSON: req.PayloadJSON,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return models.Release{}, fmt.Errorf("create release: %w", err)
	}
	s.audit.LogAction(ctx, r.ID, models.ActionCreated, req.CreatedBy, details("Title: %s", r.Title))
	s.logger.Printf("created release %d %q by %s", r.ID, r.Title, req.CreatedBy)
	return r, nil
}

// TemplateOverrides replaces template defaults with any non-empty field.
type TemplateOverrides struct {
	Title       string
	Description string
	PayloadJSON string
}

func (s *Service) CreateFromTemplate(ctx context.Context, templateID int64, o TemplateOverrides, createdBy string) (models.Release, error) {
	tpl, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Release{}, templateNotFound(templateID)
		}
		return models.Release{}, fmt.Errorf("load template: %w", err)
	}
	if !tpl.Active {
		return models.Release{}, templateNotFound(templateID)
	}
	return s.Create(ctx, CreateRequest{
		Title:       firstNonEmpty(o.Title, tpl.DefaultTitle),
		Description: firstNonEmpty(o.Description, tpl.DefaultDescription),
		PayloadJSON: firstNonEmpty(o.PayloadJSON, tpl.DefaultPayload),
		CreatedBy:   createdBy,
	})
}

func (s *Service) Get(ctx context.Context, id int64) (models.Release, error) {
	r, err := s.releases.GetRelease(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Release{}, notFound(id)
		}
		return models.Release{}, fmt.Errorf("get release: %w", err)
	}
	return r, nil
}

// Schedule sets the target time and moves the release to SCHEDULED from any non-terminal
// state. An approved release goes back to SCHEDULED and needs approving again before it
// can execute; the old approval fields are kept.
func (s *Service) Schedule(ctx context.Context, id int64, when time.Time, scheduledBy string) (models.Release, error) {
	if when.IsZero() {
		return models.Release{}, validation("scheduledAt is required")
	}
	when = when.UTC()
	r, err := s.transition(ctx, id, func(r *models.Release) error {
		r.ScheduledAt = &when
		r.Status = models.StatusScheduled
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	s.audit.LogAction(ctx, id, models.ActionScheduled, actorOrSystem(scheduledBy), details("Scheduled for: %s", when.Format(time.RFC3339)))
	s.logger.Printf("scheduled release %d for %s", id, when.Format(time.RFC3339))
	return r, nil
}

func (s *Service) Approve(ctx context.Context, id int64, approver string) (models.Release, error) {
	r, err := s.transition(ctx, id, func(r *models.Release) error {
		at := s.now()
		r.ApprovedBy = &approver
		r.ApprovedAt = &at
		r.Status = models.StatusApproved
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	s.audit.LogAction(ctx, id, models.ActionApproved, approver, nil)
	s.logger.Printf("approved release %d by %s", id, approver)
	return r, nil
}

func (s *Service) Cancel(ctx context.Context, id int64, cancelledBy string) (models.Release, error) {
	r, err := s.transition(ctx, id, func(r *models.Release) error {
		r.Status = models.StatusCancelled
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	s.audit.LogAction(ctx, id, models.ActionCancelled, cancelledBy, nil)
	s.logger.Printf("cancelled release %d by %s", id, cancelledBy)
	return r, nil
}

// Execute runs the release if it is approved, scheduled and due. The notification is
// handed off after the state change commits; its failure is logged and never undoes
// the execution.
func (s *Service) Execute(ctx context.Context, id int64, actor string) (models.Release, error) {
	r, err := s.transition(ctx, id, func(r *models.Release) error {
		if r.Status != models.StatusApproved {
			return notApproved(id)
		}
		if r.ScheduledAt == nil {
			return notScheduled(id)
		}
		now := s.now()
		if now.Before(*r.ScheduledAt) {
			return tooEarly(id, *r.ScheduledAt)
		}
		r.Status = models.StatusExecuted
		r.ExecutedAt = &now
		return nil
	})
	if err != nil {
		return models.Release{}, err
	}
	executor := actorOrSystem(actor)
	s.audit.LogAction(ctx, id, models.ActionExecuted, executor, nil)
	s.logger.Printf("executed release %d by %s", id, executor)

	if s.notifier != nil {
		if err := s.notifier.Trigger(ctx, r.ID, r.Title, r.PayloadJSON); err != nil {
			s.logger.Printf("notification for release %d failed: %v", id, err)
		}
	}
	return r, nil
}

// transition applies the terminal-state guard and then fn under the store's record lock.
func (s *Service) transition(ctx context.Context, id int64, fn func(r *models.Release) error) (models.Release, error) {
	r, err := s.releases.UpdateRelease(ctx, id, func(r *models.Release) error {
		if err := terminalGuard(r); err != nil {
			return err
		}
		return fn(r)
	})
	if err == nil {
		return r, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return models.Release{}, notFound(id)
	}
	if kind, ok := KindOf(err); ok {
		s.logger.Printf("release %d rejected (%s): %v", id, kind, err)
		return models.Release{}, err
	}
	return models.Release{}, fmt.Errorf("update release %d: %w", id, err)
}

// terminalGuard checks EXECUTED before CANCELLED.
func terminalGuard(r *models.Release) error {
	switch r.Status {
	case models.StatusExecuted:
		return alreadyExecuted(r.ID)
	case models.StatusCancelled:
		return cancelled(r.ID)
	}
	return nil
}

func validateCreate(req CreateRequest) error {
	var problems []string
	title := strings.TrimSpace(req.Title)
	if title == "" {
		problems = append(problems, "title: must not be blank")
	} else if utf8.RuneCountInString(title) > maxTitleLen {
		problems = append(problems, fmt.Sprintf("title: size must be at most %d", maxTitleLen))
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLen {
		problems = append(problems, fmt.Sprintf("description: size must be at most %d", maxDescriptionLen))
	}
	if utf8.RuneCountInString(req.PayloadJSON) > maxPayloadLen {
		problems = append(problems, fmt.Sprintf("payloadJson: size must be at most %d", maxPayloadLen))
	}
	if len(problems) > 0 {
		return validation("Validation failed: " + strings.Join(problems, ", "))
	}
	return nil
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return SystemActor
	}
	return actor
}

func details(format string, args ...interface{}) *string {
	v := fmt.Sprintf(format, args...)
	return &v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
