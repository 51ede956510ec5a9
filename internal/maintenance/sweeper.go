// Package maintenance runs periodic housekeeping outside the request path.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"gorm.io/gorm"
)

// Job deletes stale rows and returns how many it removed.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper runs its jobs on every tick until the context is cancelled.
type Sweeper struct {
	interval time.Duration
	jobs     []Job
	wg       sync.WaitGroup
}

func NewSweeper(interval time.Duration, jobs ...Job) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{interval: interval, jobs: jobs}
}

// Start launches the sweep loop. The first sweep happens after one interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the loop started by Start has returned.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

// RunOnce runs every job once. A failing job does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		n, err := job.Run(ctx)
		if err != nil {
			slog.Error("maintenance job failed", "action", job.Name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("maintenance job completed", "action", job.Name, "deleted", n)
		}
	}
}

// TokenPurger is the part of the refresh token store the sweeper needs.
type TokenPurger interface {
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// RefreshTokenJob removes tokens expired or revoked longer than retention ago.
func RefreshTokenJob(store TokenPurger, retention time.Duration) Job {
	return Job{
		Name: "purge_refresh_tokens",
		Run: func(ctx context.Context) (int64, error) {
			return store.DeleteExpired(ctx, retention)
		},
	}
}

// SystemLogJob removes system_logs rows older than retention.
func SystemLogJob(db *gorm.DB, retention time.Duration) Job {
	return Job{
		Name: "purge_system_logs",
		Run: func(ctx context.Context) (int64, error) {
			cutoff := time.Now().UTC().Add(-retention)
			result := db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.SystemLog{})
			return result.RowsAffected, result.Error
		},
	}
}
