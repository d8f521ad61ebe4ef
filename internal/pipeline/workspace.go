package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const scratchPrefix = "video_"

// Workspace hands out per-run scratch directories and removes them after a
// grace delay once the run releases them.
type Workspace struct {
	root  string
	delay time.Duration
	log   *zap.Logger
	wg    sync.WaitGroup
}

func NewWorkspace(root string, delay time.Duration, log *zap.Logger) *Workspace {
	return &Workspace{root: root, delay: delay, log: log.Named("workspace")}
}

// Scratch is one run's private directory.
type Scratch struct {
	Dir  string
	ws   *Workspace
	once sync.Once
}

func (w *Workspace) Open(scriptID uuid.UUID) (*Scratch, error) {
	const op = "pipeline.Workspace.Open"

	dir := filepath.Join(w.root, fmt.Sprintf("%s%s_%d", scratchPrefix, scriptID, time.Now().UnixMilli()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Scratch{Dir: dir, ws: w}, nil
}

// Release schedules removal of the directory. Safe to call more than once.
func (s *Scratch) Release() {
	s.once.Do(func() {
		w := s.ws
		if w.delay <= 0 {
			w.remove(s.Dir)
			return
		}
		w.wg.Add(1)
		time.AfterFunc(w.delay, func() {
			defer w.wg.Done()
			w.remove(s.Dir)
		})
	})
}

// Wait blocks until every scheduled removal has run.
func (w *Workspace) Wait() {
	w.wg.Wait()
}

func (w *Workspace) remove(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		w.log.Warn("failed to remove scratch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	w.log.Debug("scratch directory removed", zap.String("dir", dir))
}
