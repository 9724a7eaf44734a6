//go:build whisper

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

package asr

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

// WhisperCppAvailable reports whether the in-process engine is compiled in
const WhisperCppAvailable = true

// WhisperCppEngine decodes with whisper.cpp through its Go bindings
type WhisperCppEngine struct {
	threads int
}

// NewWhisperCppEngine creates the in-process engine
func NewWhisperCppEngine(threads int) *WhisperCppEngine {
	return &WhisperCppEngine{threads: threads}
}

// Name implements Engine
func (e *WhisperCppEngine) Name() string { return BackendWhisperCpp }

// Open loads a ggml model file
func (e *WhisperCppEngine) Open(ctx context.Context, model Model) (Decoder, error) {
	if _, err := os.Stat(model.Path); err != nil {
		return nil, errs.Wrapf(errs.NotFound, err, "whisper model not found at %s", model.Path)
	}

	m, err := whisper.New(model.Path)
	if err != nil {
		return nil, errs.Wrapf(errs.InferenceFailure, err, "failed to load whisper model")
	}

	logging.LogInfo("✅ Whisper model loaded", zap.String("path", model.Path))
	return &whisperCppDecoder{model: m, threads: e.threads}, nil
}

// whisperCppDecoder serializes windows: contexts share the model's state
type whisperCppDecoder struct {
	mu      sync.Mutex
	model   whisper.Model
	threads int
}

func (d *whisperCppDecoder) DecodeWindow(ctx context.Context, req WindowRequest) (WindowResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return WindowResult{}, errs.Wrap(errs.Canceled, err, "transcription canceled")
	}

	wctx, err := d.model.NewContext()
	if err != nil {
		return WindowResult{}, errs.Wrap(errs.InferenceFailure, err, "failed to create whisper context")
	}

	language := req.Language
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return WindowResult{}, errs.Wrapf(errs.BadInput, err, "unsupported language %q", req.Language)
	}
	wctx.SetTranslate(req.Task == domain.TaskTranslate)
	wctx.SetTemperature(float32(req.Temperature))
	wctx.SetTemperatureFallback(-1)
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}
	if d.threads > 0 {
		wctx.SetThreads(uint(d.threads))
	}
	if req.WordTimestamps {
		wctx.SetTokenTimestamps(true)
		wctx.SetMaxSegmentLength(1)
		wctx.SetSplitOnWord(true)
	}

	if err := wctx.Process(req.Samples, nil, nil, nil); err != nil {
		return WindowResult{}, errs.Wrap(errs.InferenceFailure, err, "failed to process audio")
	}

	var (
		result   WindowResult
		logSum   float64
		logCount int
	)
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		result.Segments = append(result.Segments, DecodedSegment{
			Start: toTimestamp(segment.Start),
			End:   toTimestamp(segment.End),
			Text:  segment.Text,
		})
		for _, token := range segment.Tokens {
			if token.P > 0 {
				logSum += math.Log(float64(token.P))
				logCount++
			}
		}
	}
	if logCount > 0 {
		result.AvgLogprob = logSum / float64(logCount)
	}
	if req.Language == "" {
		result.Language = wctx.DetectedLanguage()
	}
	markNoSpeech(&result)
	return result, nil
}

func (d *whisperCppDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != nil {
		d.model.Close()
		d.model = nil
		logging.LogInfo("🧠 Whisper model closed")
	}
	return nil
}

func toTimestamp(d time.Duration) int64 {
	return int64(d / (MsPerTimestamp * time.Millisecond))
}
