package scanner

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ILLUVRSE/timelock/internal/models"
)

type DueLister interface {
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]models.Release, error)
}

type Executor interface {
	Execute(ctx context.Context, id int64, actor string) (models.Release, error)
}

type Config struct {
	// Interval is the pause between the end of one tick and the start of the next.
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[scanner] ", log.LstdFlags)
	}
	return c
}

type Result struct {
	Found    int
	Executed int
	Failed   int
}

// Run executes due releases until ctx is cancelled. Ticks run back to back on this
// goroutine, so a batch always finishes before the next one is selected.
func Run(ctx context.Context, st DueLister, exec Executor, cfg Config) {
	cfg = cfg.withDefaults()
	cfg.Logger.Printf("due scanner started interval=%s batch=%d", cfg.Interval, cfg.BatchSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := Tick(ctx, st, exec, cfg); err != nil {
			cfg.Logger.Printf("tick: %v", err)
		}
		select {
		case <-ctx.Done():
			cfg.Logger.Printf("due scanner stopped")
			return
		case <-time.After(cfg.Interval):
		}
	}
}

// Tick executes up to BatchSize approved releases whose scheduled time has passed,
// earliest first. A failure on one release is logged and the rest of the batch continues.
func Tick(ctx context.Context, st DueLister, exec Executor, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	due, err := st.ListDueReleases(ctx, cfg.Now(), cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list due releases: %w", err)
	}
	res := Result{Found: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := exec.Execute(ctx, r.ID, ""); err != nil {
			res.Failed++
			cfg.Logger.Printf("could not auto-execute release %d: %v", r.ID, err)
			continue
		}
		res.Executed++
		cfg.Logger.Printf("auto-executed release %d", r.ID)
	}
	return res, nil
}
