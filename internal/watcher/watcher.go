/*
 * This file is part of Buzz (https://github.com/buzzcore/buzz).
 * Copyright (C) 2025 Buzz Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package watcher polls an input directory and submits new media files as
// folder-watch transcriptions.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
	"github.com/buzzcore/buzz/internal/media"
	"github.com/buzzcore/buzz/internal/scheduler"
)

// DefaultInterval is the polling period when none is configured
const DefaultInterval = 5 * time.Second

// emittedCapacity bounds the set of paths remembered between scans
const emittedCapacity = 4096

// MediaExtensions are the file extensions picked up by a scan
var MediaExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".opus": true,
	".flac": true, ".aac": true, ".wma": true, ".mp4": true, ".webm": true,
	".ogm": true, ".mov": true, ".mkv": true, ".avi": true, ".wmv": true,
}

// Submitter is the part of the scheduler the watcher feeds
type Submitter interface {
	Submit(ctx context.Context, t *domain.Transcription, priority scheduler.Priority) (string, error)
	ActiveSourcePaths() map[string]bool
}

// History reports which source paths were already transcribed
type History interface {
	CompletedSourcePaths(ctx context.Context) ([]string, error)
}

// Config configures a watcher. Template supplies every task field except
// the source path and kind.
type Config struct {
	InputDir string
	Interval time.Duration
	Template domain.Transcription
}

// Watcher submits each new media file in InputDir once
type Watcher struct {
	cfg       Config
	dir       string
	submitter Submitter
	history   History

	// serializes scans between the cron job and direct callers
	scanMu sync.Mutex
	// path -> modification time at submission
	emitted *lru.Cache[string, time.Time]

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New validates cfg and creates a stopped watcher
func New(cfg Config, submitter Submitter, history History) (*Watcher, error) {
	if cfg.InputDir == "" {
		return nil, errs.New(errs.BadInput, "input directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Template.Task == "" {
		cfg.Template.Task = domain.TaskTranscribe
	}
	if len(cfg.Template.TemperatureSchedule) == 0 {
		cfg.Template.TemperatureSchedule = domain.DefaultTemperatures
	}

	dir, err := canonicalPath(cfg.InputDir)
	if err != nil {
		return nil, errs.Wrapf(errs.BadInput, err, "input directory %s", cfg.InputDir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errs.Wrapf(errs.BadInput, err, "input directory %s", cfg.InputDir)
	}
	if !info.IsDir() {
		return nil, errs.Newf(errs.BadInput, "%s is not a directory", cfg.InputDir)
	}

	emitted, err := lru.New[string, time.Time](emittedCapacity)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create emitted set")
	}

	return &Watcher{
		cfg:       cfg,
		dir:       dir,
		submitter: submitter,
		history:   history,
		emitted:   emitted,
	}, nil
}

// Dir returns the canonical input directory
func (w *Watcher) Dir() string {
	return w.dir
}

// Start reconciles with the store by scanning once, then polls every
// Interval until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errs.New(errs.StateConflict, "watcher already running")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.cfg.Interval), func() {
		w.scanAndLog(scanCtx)
	}); err != nil {
		cancel()
		return errs.Wrap(errs.BadInput, err, "schedule folder scan")
	}

	w.scanAndLog(scanCtx)
	c.Start()

	w.cron = c
	w.cancel = cancel
	w.running = true
	logging.LogInfo("✅ Folder watcher started",
		zap.String("dir", w.dir), zap.Duration("interval", w.cfg.Interval))
	return nil
}

// Stop halts polling and waits for an in-progress scan
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	c, cancel := w.cron, w.cancel
	w.running = false
	w.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	logging.LogInfo("🛑 Folder watcher stopped", zap.String("dir", w.dir))
}

func (w *Watcher) scanAndLog(ctx context.Context) {
	submitted, err := w.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.LogWarn("⚠️ Folder scan failed", zap.String("dir", w.dir), zap.Error(err))
		}
		return
	}
	if len(submitted) > 0 {
		logging.LogInfo("📂 Folder scan submitted tasks",
			zap.String("dir", w.dir), zap.Int("count", len(submitted)))
	}
}

// Scan lists the input directory once and submits every admitted file.
// It returns the submitted source paths.
func (w *Watcher) Scan(ctx context.Context) ([]string, error) {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	candidates, err := w.candidates()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	completed, err := w.history.CompletedSourcePaths(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(completed))
	for _, p := range completed {
		done[p] = true
	}
	active := w.submitter.ActiveSourcePaths()

	var submitted []string
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return submitted, errs.Wrap(errs.Canceled, err, "folder scan canceled")
		}
		if done[c.path] || active[c.path] {
			continue
		}
		// a file that failed earlier is retried only after it changes
		if at, ok := w.emitted.Get(c.path); ok && at.Equal(c.modTime) {
			continue
		}

		id, err := w.submitter.Submit(ctx, w.taskFor(c.path), scheduler.PriorityFolderWatch)
		if err != nil {
			logging.LogWarn("⚠️ Failed to submit watched file", zap.String("path", c.path), zap.Error(err))
			continue
		}
		w.emitted.Add(c.path, c.modTime)
		submitted = append(submitted, c.path)
		logging.LogTaskEvent(id, "folder-watch submitted", zap.String("path", c.path))
	}
	return submitted, nil
}

type candidate struct {
	path    string
	modTime time.Time
}

// candidates returns the top-level media files of the input directory in
// name order
func (w *Watcher) candidates() ([]candidate, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errs.Wrapf(errs.BadInput, err, "read %s", w.dir)
	}

	var out []candidate
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !MediaExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		full := filepath.Join(w.dir, name)
		if media.IsSpeechPath(full) {
			continue
		}
		path, err := canonicalPath(full)
		if err != nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		out = append(out, candidate{path: path, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out, nil
}

func (w *Watcher) taskFor(path string) *domain.Transcription {
	t := w.cfg.Template
	t.ID = ""
	t.SourcePath = path
	t.SourceKind = domain.SourceFolderWatch
	t.TemperatureSchedule = append([]float64(nil), t.TemperatureSchedule...)
	t.ExportFormats = append([]string(nil), t.ExportFormats...)
	t.Notes = nil
	if t.LLM != nil {
		llm := *t.LLM
		t.LLM = &llm
	}
	return &t
}

// canonicalPath resolves path to an absolute path without symlinks
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
