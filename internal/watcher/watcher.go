// Package watcher keeps the scheduler's target and priority lists in step with
// the files they are read from.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/targets"
)

// Listener receives list changes. The scheduler implements it.
type Listener interface {
	OnTargetsChanged(targets []string)
	OnPriorityChanged(priority []string)
}

// Config points the watcher at its files.
type Config struct {
	TargetsFile  string
	PriorityFile string
	// Debounce collapses bursts of file events into one reload.
	Debounce time.Duration
}

// Watcher reloads the lists and forwards them only when their content changed.
type Watcher struct {
	targetsPath  string
	priorityPath string
	debounce     time.Duration
	listener     Listener
	logger       *zap.Logger

	mu             sync.Mutex
	targets        []string
	priority       []string
	targetsLoaded  bool
	priorityLoaded bool
}

// New validates cfg. A missing priority file is allowed and means no priority list.
func New(cfg Config, listener Listener, logger *zap.Logger) (*Watcher, error) {
	if cfg.TargetsFile == "" {
		return nil, fmt.Errorf("targets file is required")
	}
	if listener == nil {
		return nil, fmt.Errorf("listener is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	targetsPath, err := filepath.Abs(cfg.TargetsFile)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.TargetsFile, err)
	}
	var priorityPath string
	if cfg.PriorityFile != "" {
		if priorityPath, err = filepath.Abs(cfg.PriorityFile); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.PriorityFile, err)
		}
	}
	return &Watcher{
		targetsPath:  targetsPath,
		priorityPath: priorityPath,
		debounce:     cfg.Debounce,
		listener:     listener,
		logger:       logger.Named("watcher"),
	}, nil
}

// Reload reads both files and notifies the listener of each list that
// differs from the last one delivered. The first successful load is always
// delivered. A failed read leaves the previous list in place.
func (w *Watcher) Reload() error {
	list, err := targets.LoadFile(w.targetsPath)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	if w.swapTargets(list) {
		w.logger.Info("target list loaded", zap.String("path", w.targetsPath), zap.Int("count", len(list)))
		w.listener.OnTargetsChanged(list)
	}

	if w.priorityPath == "" {
		return nil
	}
	prio, err := targets.LoadFile(w.priorityPath)
	if errors.Is(err, fs.ErrNotExist) {
		prio, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("load priority channels: %w", err)
	}
	if w.swapPriority(prio) {
		w.logger.Info("priority list loaded", zap.String("path", w.priorityPath), zap.Int("count", len(prio)))
		w.listener.OnPriorityChanged(prio)
	}
	return nil
}

// Targets returns the last delivered target list.
func (w *Watcher) Targets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.targets)
}

func (w *Watcher) swapTargets(list []string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.targetsLoaded && targets.Equal(w.targets, list) {
		return false
	}
	w.targets = list
	w.targetsLoaded = true
	return true
}

func (w *Watcher) swapPriority(list []string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.priorityLoaded && targets.Equal(w.priority, list) {
		return false
	}
	w.priority = list
	w.priorityLoaded = true
	return true
}

func (w *Watcher) watches(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs == w.targetsPath || (w.priorityPath != "" && abs == w.priorityPath)
}
