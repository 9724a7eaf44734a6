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

package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/asr"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/export"
	"github.com/buzzcore/buzz/internal/logging"
	"github.com/buzzcore/buzz/internal/media"
	"github.com/buzzcore/buzz/internal/storage"
)

// run executes one task and records its outcome
func (s *Scheduler) run(j *job) {
	writeCtx := context.WithoutCancel(j.ctx)
	t, err := s.deps.Store.Get(writeCtx, j.id)
	if err != nil {
		logging.LogError(err, "Failed to load task", zap.String("task_id", j.id))
		return
	}
	if t.Status != domain.StatusQueued {
		logging.LogTaskEvent(j.id, "skipped", zap.String("status", string(t.Status)))
		return
	}

	start := time.Now()
	logging.LogTaskEvent(j.id, "started", zap.String("source", t.SourcePath), zap.String("model", t.Model.String()))

	err = s.execute(j.ctx, t)
	switch {
	case err == nil:
		logging.LogTaskEvent(j.id, "completed", zap.Duration("elapsed", time.Since(start)))
	case errs.Is(err, errs.Canceled) || j.ctx.Err() != nil:
		s.finishCanceled(j.id, err)
	default:
		s.finishFailed(j.id, err)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *domain.Transcription) error {
	writeCtx := context.WithoutCancel(ctx)
	translating := t.LLM != nil && t.LLM.Enabled && s.deps.Translator != nil
	progress := newProgressReporter(writeCtx, t.ID, s.deps.Store, s.deps.Publisher,
		[stageCount]bool{true, true, true, translating})

	if err := s.setStatus(writeCtx, t.ID, domain.StatusLoadingModel); err != nil {
		return err
	}
	modelPath, err := s.deps.Registry.Resolve(ctx, t.Model, func(done, total int64) {
		if total > 0 {
			progress.update(stageResolve, float64(done)/float64(total))
		}
	})
	if err != nil {
		return errs.AtStage(errs.StageResolve, err)
	}
	progress.finish(stageResolve)

	var notes []string
	input, note, err := s.speechInput(ctx, t)
	if err != nil {
		return errs.AtStage(errs.StageDecode, err)
	}
	if note != "" {
		notes = append(notes, note)
	}

	if err := s.setStatus(writeCtx, t.ID, domain.StatusProcessing); err != nil {
		return err
	}
	pcm, err := s.deps.Loader.Load(ctx, input)
	if err != nil {
		return errs.AtStage(errs.StageDecode, err)
	}
	progress.finish(stageDecode)

	segments, err := s.deps.Transcriber.Transcribe(ctx, asr.Model{Ref: t.Model, Path: modelPath}, pcm,
		s.asrOptions(t), progress.frames(stageTranscribe))
	if err != nil {
		return errs.AtStage(errs.StageTranscribe, err)
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Canceled, err, "transcription canceled")
	}
	progress.finish(stageTranscribe)

	if err := s.deps.Store.AppendSegments(writeCtx, t.ID, segments); err != nil {
		return err
	}
	s.deps.Publisher.Publish(events.Event{Kind: events.TaskSegmentsAppended, TaskID: t.ID, Segments: segments})

	if translating {
		translated, note, err := s.deps.Translator.Segments(ctx, *t.LLM, segments, func(done, total int) {
			if total > 0 {
				progress.update(stageTranslate, float64(done)/float64(total))
			}
		})
		if err != nil {
			return errs.AtStage(errs.StageTranslate, err)
		}
		segments = translated
		if note != "" {
			notes = append(notes, note)
		}
	}

	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Canceled, err, "transcription canceled")
	}

	var outputs []string
	if len(t.ExportFormats) > 0 {
		outputs, err = export.WriteFiles(t.SourcePath, t.OutputDirectory, t.Task, s.deps.Now(), t.ExportFormats, segments)
		if err != nil {
			logging.LogWarn("⚠️ Export failed", zap.String("task_id", t.ID), zap.Error(err))
			notes = append(notes, "export failed: "+err.Error())
		}
	}

	return s.deps.Store.MarkCompleted(writeCtx, t.ID, segments, storage.CompletionInfo{
		Notes:       notes,
		OutputPaths: outputs,
	})
}

// speechInput picks the decoder input, running speech extraction when
// requested. A failed extraction falls back to the original file unless
// the configuration forbids it.
func (s *Scheduler) speechInput(ctx context.Context, t *domain.Transcription) (media.Input, string, error) {
	original := media.FileInput(t.SourcePath)
	if t.SourceKind == domain.SourceURL {
		original = media.URLInput(t.SourcePath)
	}
	if !t.ExtractSpeech {
		return original, "", nil
	}

	var err error
	switch {
	case t.SourceKind == domain.SourceURL:
		err = errs.New(errs.BadInput, "speech extraction needs a local file")
	case s.deps.Extractor == nil:
		err = errs.New(errs.Internal, "speech extraction is not available")
	default:
		var out string
		if out, err = s.deps.Extractor.Extract(ctx, t.SourcePath); err == nil {
			return media.FileInput(out), "", nil
		}
	}

	if errs.Is(err, errs.Canceled) || ctx.Err() != nil {
		return media.Input{}, "", errs.Wrap(errs.Canceled, err, "speech extraction canceled")
	}
	if s.cfg.SpeechNoFallback {
		return media.Input{}, "", err
	}
	logging.LogWarn("⚠️ Speech extraction failed, using original input",
		zap.String("task_id", t.ID), zap.Error(err))
	return original, "speech extraction failed, used original input: " + err.Error(), nil
}

func (s *Scheduler) asrOptions(t *domain.Transcription) asr.Options {
	return asr.Options{
		Language:                t.Language,
		Task:                    t.Task,
		Temperatures:            t.TemperatureSchedule,
		InitialPrompt:           t.InitialPrompt,
		WordLevelTimings:        t.WordLevelTimings,
		ConditionOnPreviousText: true,
		FavoriteLanguages:       s.cfg.FavoriteLanguages,
	}
}

func (s *Scheduler) setStatus(ctx context.Context, id string, status domain.Status) error {
	if err := s.deps.Store.SetStatus(ctx, id, status, ""); err != nil {
		return err
	}
	logging.LogTaskEvent(id, string(status))
	s.deps.Publisher.Publish(events.Event{Kind: events.TaskStatusChanged, TaskID: id, Status: status})
	return nil
}

func (s *Scheduler) finishCanceled(id string, cause error) {
	if err := s.deps.Store.SetStatus(context.Background(), id, domain.StatusCanceled, ""); err != nil {
		if !errs.Is(err, errs.StateConflict) {
			logging.LogError(err, "Failed to record cancellation", zap.String("task_id", id))
		}
		return
	}
	logging.LogTaskEvent(id, "canceled", zap.NamedError("cause", cause))
	s.deps.Publisher.Publish(events.Event{Kind: events.TaskCanceled, TaskID: id, Status: domain.StatusCanceled})
}

func (s *Scheduler) finishFailed(id string, cause error) {
	message := cause.Error()
	if err := s.deps.Store.SetStatus(context.Background(), id, domain.StatusFailed, message); err != nil {
		if !errs.Is(err, errs.StateConflict) {
			logging.LogError(err, "Failed to record failure", zap.String("task_id", id))
		}
		return
	}
	logging.LogError(cause, "❌ Task failed", zap.String("task_id", id))
	s.deps.Publisher.Publish(events.Event{
		Kind:      events.TaskFailed,
		TaskID:    id,
		Status:    domain.StatusFailed,
		Error:     message,
		ErrorCode: errs.KindOf(cause).String(),
		Stage:     string(errs.StageOf(cause)),
	})
}
