package integration

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper deletes staged uploads left behind by a process that died
// mid-request.
type Sweeper struct {
	dir    string
	maxAge time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper sweeps dir, or DefaultUploadDir when dir is empty.
func NewSweeper(dir string, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	if dir == "" {
		dir = DefaultUploadDir()
	}
	return &Sweeper{dir: dir, maxAge: maxAge, logger: logger.Named("upload_sweeper"), now: time.Now}
}

// Sweep removes upload files older than the max age and returns how many were
// deleted.
func (s *Sweeper) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, TempPattern))
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove orphaned upload", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// Start schedules Sweep on a standard five-field cron expression (descriptors
// such as "@every 10m" also work). The caller stops the returned scheduler.
func (s *Sweeper) Start(schedule string) (*cron.Cron, error) {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid upload sweep schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(scheduleParser))
	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	c.Start()
	s.logger.Info("upload sweeper scheduled", zap.String("schedule", schedule), zap.String("dir", s.dir))
	return c, nil
}

func (s *Sweeper) run() {
	removed, err := s.Sweep()
	if err != nil {
		s.logger.Error("upload sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("removed orphaned uploads", zap.Int("count", removed))
	}
}
