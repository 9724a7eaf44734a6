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

// Package asr turns 16 kHz mono PCM into timed segments. The windowed
// decoding loop lives here; engines only decode one window at a time.
package asr

import (
	"context"
	"errors"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

const (
	SampleRate    = 16000
	WindowSamples = 30 * SampleRate
	HopSamples    = 160

	// MsPerTimestamp is HopSamples / SampleRate in milliseconds
	MsPerTimestamp = HopSamples * 1000 / SampleRate

	CompressionRatioThreshold = 2.4
	LogProbThreshold          = -1.0
	NoSpeechThreshold         = 0.6

	blankAudioMarker = "[BLANK_AUDIO]"

	// decoded history is dropped when the accepted temperature exceeds this
	PromptResetTemperature = 0.5

	maxPromptWords = 224
)

// Options control one transcription run
type Options struct {
	Language                string
	Task                    domain.Task
	Temperatures            []float64
	InitialPrompt           string
	WordLevelTimings        bool
	ConditionOnPreviousText bool

	// FavoriteLanguages break near-ties during language detection
	FavoriteLanguages []string
}

// DefaultOptions transcribes with the standard fallback schedule
func DefaultOptions() Options {
	return Options{
		Task:                    domain.TaskTranscribe,
		Temperatures:            append([]float64(nil), domain.DefaultTemperatures...),
		ConditionOnPreviousText: true,
	}
}

// ProgressSink receives frames decoded so far out of framesTotal
type ProgressSink func(framesDone, framesTotal int64)

// Model identifies a resolved model. Path is empty for remote models.
type Model struct {
	Ref  domain.ModelRef
	Path string
}

// Transcriber is the capability the scheduler and live recorder consume
type Transcriber interface {
	Transcribe(ctx context.Context, model Model, pcm []float32, opts Options, progress ProgressSink) ([]domain.Segment, error)
}

// WindowRequest asks a decoder for one window of audio
type WindowRequest struct {
	Samples        []float32
	Temperature    float64
	Prompt         string
	Language       string
	Task           domain.Task
	WordTimestamps bool
}

// DecodedSegment is positioned in timestamp units (10 ms) from the window start
type DecodedSegment struct {
	Start int64
	End   int64
	Text  string
}

// WindowResult is what a decoder reports for one window
type WindowResult struct {
	Segments         []DecodedSegment
	AvgLogprob       float64
	CompressionRatio float64 // computed from the text when zero
	NoSpeechProb     float64
	Language         string
	LanguageProbs    map[string]float64
}

// Text joins the decoded segment texts
func (r WindowResult) Text() string {
	var b strings.Builder
	for _, s := range r.Segments {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Decoder decodes single windows for one loaded model
type Decoder interface {
	DecodeWindow(ctx context.Context, req WindowRequest) (WindowResult, error)
	Close() error
}

// Transcribe runs the windowed decoding loop over pcm. It polls ctx at
// every window boundary and returns no segments when canceled.
func Transcribe(ctx context.Context, dec Decoder, pcm []float32, opts Options, progress ProgressSink) ([]domain.Segment, error) {
	if len(opts.Temperatures) == 0 {
		opts.Temperatures = domain.DefaultTemperatures
	}
	if err := domain.ValidateTemperatures(opts.Temperatures); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	total := int64(len(pcm))
	language := opts.Language
	var history []string
	if p := strings.TrimSpace(opts.InitialPrompt); p != "" {
		history = append(history, p)
	}

	var (
		segments []domain.Segment
		lastEnd  int64
		seek     int64
	)
	for seek < total {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Canceled, err, "transcription canceled")
		}

		end := seek + WindowSamples
		if end > total {
			end = total
		}
		req := WindowRequest{
			Samples:        pcm[seek:end],
			Prompt:         promptFrom(history),
			Language:       language,
			Task:           opts.Task,
			WordTimestamps: opts.WordLevelTimings,
		}

		result, temperature, err := decodeWithFallback(ctx, dec, req, opts.Temperatures)
		if err != nil {
			return nil, err
		}

		if language == "" && result.Language != "" {
			detected := chooseLanguage(result.Language, result.LanguageProbs, opts.FavoriteLanguages)
			language = detected
			if detected != result.Language {
				req.Language = detected
				if result, temperature, err = decodeWithFallback(ctx, dec, req, opts.Temperatures); err != nil {
					return nil, err
				}
			}
			logging.LogDebug("Language detected", zap.String("language", language))
		}

		windowLen := end - seek
		if isSilent(result) {
			seek += windowLen
			progress(seek, total)
			continue
		}

		base := seek / HopSamples
		var accepted []string
		var lastTimestamp int64
		for _, s := range result.Segments {
			text := strings.TrimSpace(s.Text)
			if s.End > lastTimestamp {
				lastTimestamp = s.End
			}
			if text == "" {
				continue
			}
			startMs := (base + s.Start) * MsPerTimestamp
			endMs := (base + s.End) * MsPerTimestamp
			if maxMs := end * 1000 / SampleRate; endMs > maxMs {
				endMs = maxMs
			}
			if startMs < lastEnd {
				startMs = lastEnd
			}
			if endMs < startMs {
				endMs = startMs
			}
			segments = append(segments, domain.Segment{
				Ordinal: len(segments),
				StartMs: startMs,
				EndMs:   endMs,
				Text:    text,
			})
			lastEnd = endMs
			accepted = append(accepted, text)
		}

		// a full window whose speech ends early is resumed at the last
		// timestamp so the cut-off words are decoded again in context
		advance := windowLen
		if end < total && lastTimestamp > 0 && lastTimestamp*HopSamples < windowLen {
			advance = lastTimestamp * HopSamples
		}
		seek += advance

		if opts.ConditionOnPreviousText && temperature <= PromptResetTemperature {
			history = append(history, accepted...)
		} else {
			history = nil
		}
		progress(seek, total)
	}

	progress(total, total)
	return segments, nil
}

// decodeWithFallback tries each temperature in order and keeps the first
// result that passes the quality thresholds, or the last one.
func decodeWithFallback(ctx context.Context, dec Decoder, req WindowRequest, temperatures []float64) (WindowResult, float64, error) {
	var (
		result      WindowResult
		temperature float64
	)
	for _, t := range temperatures {
		if err := ctx.Err(); err != nil {
			return WindowResult{}, 0, errs.Wrap(errs.Canceled, err, "transcription canceled")
		}
		req.Temperature = t
		r, err := dec.DecodeWindow(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return WindowResult{}, 0, errs.Wrap(errs.Canceled, ctx.Err(), "transcription canceled")
			}
			var classified *errs.Error
			if errors.As(err, &classified) {
				return WindowResult{}, 0, err
			}
			return WindowResult{}, 0, errs.Wrap(errs.InferenceFailure, err, "decode window")
		}
		if r.CompressionRatio == 0 {
			r.CompressionRatio = CompressionRatio(r.Text())
		}
		result, temperature = r, t

		if isSilent(r) || acceptable(r) {
			break
		}
		logging.LogDebug("Window rejected, raising temperature",
			zap.Float64("temperature", t),
			zap.Float64("compression_ratio", r.CompressionRatio),
			zap.Float64("avg_logprob", r.AvgLogprob))
	}
	return result, temperature, nil
}

func acceptable(r WindowResult) bool {
	return r.CompressionRatio <= CompressionRatioThreshold && r.AvgLogprob >= LogProbThreshold
}

func isSilent(r WindowResult) bool {
	return r.NoSpeechProb > NoSpeechThreshold && r.AvgLogprob <= LogProbThreshold
}

// markNoSpeech flags a window that decoded to no speech. whisper.cpp gates
// silence inside whisper_full and reports it as an empty window or a lone
// [BLANK_AUDIO] marker rather than exposing the no-speech probability.
func markNoSpeech(r *WindowResult) {
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text != "" && text != blankAudioMarker {
			return
		}
	}
	r.NoSpeechProb = 1
	r.AvgLogprob = math.Min(r.AvgLogprob, LogProbThreshold)
}

// promptFrom keeps the most recent words of the decoded history
func promptFrom(history []string) string {
	if len(history) == 0 {
		return ""
	}
	words := strings.Fields(strings.Join(history, " "))
	if len(words) > maxPromptWords {
		words = words[len(words)-maxPromptWords:]
	}
	return strings.Join(words, " ")
}
