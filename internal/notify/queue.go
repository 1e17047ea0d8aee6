package notify

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

var ErrQueueFull = errors.New("notification queue full")

type job struct {
	releaseID int64
	title     string
	payload   string
}

// Queue hands notifications to a single background worker so a slow or retrying webhook
// never holds up the caller. Jobs are accepted until the queue is full.
type Queue struct {
	dispatcher   *Dispatcher
	jobs         chan job
	drainTimeout time.Duration
	logger       *log.Logger
	mu           sync.RWMutex
	closed       bool
}

type QueueConfig struct {
	// Size defaults to 100.
	Size int
	// DrainTimeout bounds delivery of jobs still queued at shutdown. Defaults to 10s.
	DrainTimeout time.Duration
	Logger       *log.Logger
}

func NewQueue(d *Dispatcher, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 100
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &Queue{
		dispatcher:   d,
		jobs:         make(chan job, cfg.Size),
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}
}

// Trigger enqueues a notification. It never blocks and ignores ctx, which usually
// belongs to a request that ends before delivery does.
func (q *Queue) Trigger(ctx context.Context, releaseID int64, title, payload string) error {
	if !q.dispatcher.Enabled() {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueFull
	}
	select {
	case q.jobs <- job{releaseID: releaseID, title: title, payload: payload}:
		return nil
	default:
		q.logger.Printf("queue full, dropping notification for release %d", releaseID)
		return ErrQueueFull
	}
}

// Run delivers jobs until ctx is cancelled. Jobs still queued at that point get one
// more chance within the drain timeout.
func (q *Queue) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			q.drain()
			return
		}
		select {
		case <-ctx.Done():
			q.drain()
			return
		case j := <-q.jobs:
			q.deliver(ctx, j)
		}
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()
	for {
		select {
		case j := <-q.jobs:
			q.deliver(ctx, j)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, j job) {
	if err := q.dispatcher.Trigger(ctx, j.releaseID, j.title, j.payload); err != nil {
		q.logger.Printf("notification for release %d failed: %v", j.releaseID, err)
	}
}
