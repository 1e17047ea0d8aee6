package audit

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/timelock/internal/models"
	"github.com/ILLUVRSE/timelock/internal/store"
)

// Sink receives committed audit entries after they are stored, e.g. a Kafka topic or an
// S3 archive.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
}

// eventNamespace seeds deterministic event ids so a re-published entry keeps its id.
var eventNamespace = uuid.MustParse("5b0f7f52-3c55-4a52-9f0e-7d1f2b8a9c61")

// Envelope is the wire form of an audit entry for external sinks.
type Envelope struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	Source      string    `json:"source"`
	EntryID     int64     `json:"entryId"`
	ReleaseID   int64     `json:"releaseId"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performedBy"`
	PerformedAt time.Time `json:"performedAt"`
	Details     *string   `json:"details,omitempty"`
}

func NewEnvelope(e models.AuditLogEntry) Envelope {
	return Envelope{
		EventID:     uuid.NewSHA1(eventNamespace, []byte(entryKey(e))).String(),
		EventType:   "release." + strings.ToLower(string(e.Action)),
		Source:      "timelock",
		EntryID:     e.ID,
		ReleaseID:   e.ReleaseID,
		Action:      string(e.Action),
		PerformedBy: e.PerformedBy,
		PerformedAt: e.PerformedAt.UTC(),
		Details:     e.Details,
	}
}

func entryKey(e models.AuditLogEntry) string {
	return fmt.Sprintf("release/%d/audit/%d", e.ReleaseID, e.ID)
}

type Config struct {
	Sinks []Sink
	// QueueSize bounds entries waiting for sinks. Defaults to 256.
	QueueSize int
	// PublishTimeout bounds one sink call. Defaults to 15s.
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *log.Logger
}

// Trail records lifecycle actions. LogAction never returns an error: a failed write is
// logged and dropped so the transition that caused it still succeeds.
type Trail struct {
	store   store.AuditStore
	sinks   []Sink
	queue   chan Envelope
	timeout time.Duration
	now     func() time.Time
	logger  *log.Logger
}

func NewTrail(st store.AuditStore, cfg Config) *Trail {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[audit] ", log.LstdFlags)
	}
	t := &Trail{
		store:   st,
		sinks:   cfg.Sinks,
		timeout: cfg.PublishTimeout,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if len(t.sinks) > 0 {
		t.queue = make(chan Envelope, cfg.QueueSize)
	}
	return t
}

func (t *Trail) LogAction(ctx context.Context, releaseID int64, action models.AuditAction, performedBy string, details *string) {
	entry, err := t.store.AppendAudit(ctx, store.AuditInput{
		ReleaseID:   releaseID,
		Action:      action,
		PerformedBy: performedBy,
		PerformedAt: t.now(),
		Details:     details,
	})
	if err != nil {
		t.logger.Printf("audit write failed release=%d action=%s by=%s: %v", releaseID, action, performedBy, err)
		return
	}
	if t.queue == nil {
		return
	}
	select {
	case t.queue <- NewEnvelope(entry):
	default:
		t.logger.Printf("audit sink queue full, dropping entry %d for release %d", entry.ID, releaseID)
	}
}

// Run forwards stored entries to the sinks until ctx is cancelled, then drains what is
// already queued.
func (t *Trail) Run(ctx context.Context) {
	if t.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case env := <-t.queue:
					t.publish(env)
				default:
					return
				}
			}
		case env := <-t.queue:
			t.publish(env)
		}
	}
}

func (t *Trail) publish(env Envelope) {
	for _, sink := range t.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		if err := sink.Publish(ctx, env); err != nil {
			t.logger.Printf("audit sink %T failed for event %s: %v", sink, env.EventID, err)
		}
		cancel()
	}
}
