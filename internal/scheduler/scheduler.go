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

// Package scheduler runs file transcription tasks on a bounded pool of
// workers, with user submissions ahead of folder-watch submissions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/asr"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
	"github.com/buzzcore/buzz/internal/media"
	"github.com/buzzcore/buzz/internal/models"
	"github.com/buzzcore/buzz/internal/storage"
	"github.com/buzzcore/buzz/internal/translate"
)

// Priority orders queued tasks; lower values run first
type Priority int

const (
	PriorityUser Priority = iota
	PriorityFolderWatch
	priorityCount
)

// PriorityFor returns the queue class matching a source kind
func PriorityFor(kind domain.SourceKind) Priority {
	if kind == domain.SourceFolderWatch {
		return PriorityFolderWatch
	}
	return PriorityUser
}

// Publisher receives task lifecycle events
type Publisher interface {
	Publish(events.Event)
}

// ModelResolver materializes model artifacts
type ModelResolver interface {
	Resolve(ctx context.Context, key domain.ModelRef, sink models.ProgressSink) (string, error)
}

// MediaLoader decodes inputs to PCM
type MediaLoader interface {
	Load(ctx context.Context, in media.Input) ([]float32, error)
}

// SpeechExtractor isolates vocals from an input file
type SpeechExtractor interface {
	Extract(ctx context.Context, inputPath string) (string, error)
}

// SegmentTranslator attaches translations to segments
type SegmentTranslator interface {
	Segments(ctx context.Context, opts domain.LLMOptions, segments []domain.Segment, progress translate.ProgressSink) ([]domain.Segment, string, error)
}

// Config tunes the scheduler
type Config struct {
	Workers           int
	SpeechNoFallback  bool
	FavoriteLanguages []string
}

// Deps are the pipeline stages. Extractor and Translator may be nil.
type Deps struct {
	Store       *storage.TranscriptionStore
	Publisher   Publisher
	Registry    ModelResolver
	Loader      MediaLoader
	Extractor   SpeechExtractor
	Transcriber asr.Transcriber
	Translator  SegmentTranslator
	Now         func() time.Time
}

// job is a task known to this scheduler: queued or running
type job struct {
	id         string
	priority   Priority
	sourcePath string
	ctx        context.Context
	cancel     context.CancelFunc
	running    bool
	done       chan struct{}
}

// Scheduler executes queued transcriptions with at most Workers running
type Scheduler struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [priorityCount][]*job
	jobs    map[string]*job
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a scheduler; call Start to launch its workers
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	s := &Scheduler{cfg: cfg, deps: deps, jobs: make(map[string]*job)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logging.LogInfo("✅ Scheduler started", zap.Int("workers", s.cfg.Workers))
}

// Shutdown cancels running tasks and stops the workers. Queued tasks stay
// queued in the store and are picked up again by Resume.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var queued []*job
	for id, j := range s.jobs {
		if j.running {
			j.cancel()
			continue
		}
		queued = append(queued, j)
		delete(s.jobs, id)
	}
	s.queues = [priorityCount][]*job{}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, j := range queued {
		j.cancel()
		close(j.done)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.LogInfo("🛑 Scheduler stopped")
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Canceled, ctx.Err(), "scheduler shutdown timed out")
	}
}

// Submit stores t as a queued transcription and enqueues it
func (s *Scheduler) Submit(ctx context.Context, t *domain.Transcription, priority Priority) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", errs.New(errs.StateConflict, "scheduler is shut down")
	}

	id, err := s.deps.Store.Create(ctx, t)
	if err != nil {
		return "", err
	}
	s.enqueue(id, t.SourcePath, priority)
	return id, nil
}

func (s *Scheduler) enqueue(id, sourcePath string, priority Priority) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:         id,
		priority:   priority,
		sourcePath: sourcePath,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[id] = j
	s.queues[priority] = append(s.queues[priority], j)
	s.cond.Signal()
	s.mu.Unlock()

	logging.LogTaskEvent(id, "queued", zap.String("source", sourcePath), zap.Int("priority", int(priority)))
	s.deps.Publisher.Publish(events.Event{Kind: events.TaskQueued, TaskID: id, Status: domain.StatusQueued})
}

// Cancel requests cancellation of id. Canceling a finished task is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	running := ok && j.running
	if ok && !running {
		s.removeQueued(j)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if ok {
		j.cancel()
		if !running {
			// never picked up by a worker
			s.finishCanceled(id, errs.New(errs.Canceled, "canceled before start"))
			close(j.done)
		}
		logging.LogTaskEvent(id, "cancel requested")
		return nil
	}

	t, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	// left behind by an earlier process
	s.finishCanceled(id, errs.New(errs.Canceled, "canceled"))
	return nil
}

func (s *Scheduler) removeQueued(j *job) {
	q := s.queues[j.priority]
	for i, queued := range q {
		if queued == j {
			s.queues[j.priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Wait blocks until id reaches a terminal state and returns the record
func (s *Scheduler) Wait(ctx context.Context, id string) (*domain.Transcription, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Canceled, ctx.Err(), "wait canceled")
		}
	}
	return s.deps.Store.Get(context.WithoutCancel(ctx), id)
}

// ActiveSourcePaths returns the source paths of queued and running tasks
func (s *Scheduler) ActiveSourcePaths() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(map[string]bool, len(s.jobs))
	for _, j := range s.jobs {
		paths[j.sourcePath] = true
	}
	return paths
}

// Pending returns how many tasks are queued or running
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Resume re-enqueues queued records from an earlier run. Records left in
// loading-model or processing are failed as interrupted and resubmitted
// as copies.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	pending, err := s.deps.Store.List(ctx, storage.ListOptions{
		Statuses:  []domain.Status{domain.StatusQueued, domain.StatusLoadingModel, domain.StatusProcessing},
		Ascending: true,
	})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, t := range pending {
		s.mu.Lock()
		_, known := s.jobs[t.ID]
		s.mu.Unlock()
		if known {
			continue
		}

		id := t.ID
		if t.Status != domain.StatusQueued {
			if err := s.deps.Store.SetStatus(ctx, t.ID, domain.StatusFailed, "interrupted"); err != nil {
				logging.LogError(err, "Failed to mark interrupted task", zap.String("task_id", t.ID))
				continue
			}
			s.deps.Publisher.Publish(events.Event{
				Kind: events.TaskFailed, TaskID: t.ID, Status: domain.StatusFailed,
				Error: "interrupted", ErrorCode: errs.Internal.String(),
			})
			if id, err = s.deps.Store.CopyTranscription(ctx, t.ID); err != nil {
				logging.LogError(err, "Failed to copy interrupted task", zap.String("task_id", t.ID))
				continue
			}
		}
		s.enqueue(id, t.SourcePath, PriorityFor(t.SourceKind))
		resumed++
	}
	if resumed > 0 {
		logging.LogInfo("🔄 Resumed tasks", zap.Int("count", resumed))
	}
	return resumed, nil
}

func (s *Scheduler) worker(n int) {
	defer s.wg.Done()
	for {
		j := s.next()
		if j == nil {
			return
		}
		s.run(j)

		s.mu.Lock()
		delete(s.jobs, j.id)
		s.mu.Unlock()
		j.cancel()
		close(j.done)
	}
}

// next blocks for the highest-priority queued job, or nil on shutdown
func (s *Scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil
		}
		for p := range s.queues {
			if len(s.queues[p]) > 0 {
				j := s.queues[p][0]
				s.queues[p] = s.queues[p][1:]
				j.running = true
				return j
			}
		}
		s.cond.Wait()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}
