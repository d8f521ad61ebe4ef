package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically removes scratch directories left behind by runs that
// never released them, e.g. after a crash.
type Sweeper struct {
	root   string
	maxAge time.Duration
	cron   *cron.Cron
	log    *zap.Logger
	now    func() time.Time
}

func NewSweeper(root string, maxAge time.Duration, log *zap.Logger) *Sweeper {
	log = log.Named("sweeper")
	return &Sweeper{
		root:   root,
		maxAge: maxAge,
		cron:   cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(log))))),
		log:    log,
		now:    time.Now,
	}
}

func (s *Sweeper) Start(schedule string) error {
	const op = "pipeline.Sweeper.Start"

	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Sweep(); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.cron.Start()
	return nil
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep removes stale scratch directories and returns how many were removed.
func (s *Sweeper) Sweep() (int, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("failed to remove stale scratch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("stale scratch directories removed", zap.Int("count", removed))
	}
	return removed, nil
}
