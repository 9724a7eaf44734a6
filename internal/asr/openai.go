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
	"bytes"
	"context"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
)

// audioClient is the part of the OpenAI client the engine needs
type audioClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateTranslation(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// OpenAIEngine decodes windows through an OpenAI-compatible audio API.
// The model size is used as the API model id, e.g. openai:whisper-1.
type OpenAIEngine struct {
	client audioClient
}

// NewOpenAIEngine wraps an API client
func NewOpenAIEngine(client *openai.Client) *OpenAIEngine {
	return &OpenAIEngine{client: client}
}

// Name implements Engine
func (e *OpenAIEngine) Name() string { return BackendOpenAI }

// Open implements Engine; nothing is loaded locally
func (e *OpenAIEngine) Open(ctx context.Context, model Model) (Decoder, error) {
	id := model.Ref.Size
	if id == "" {
		id = openai.Whisper1
	}
	return &openAIDecoder{client: e.client, modelID: id}, nil
}

type openAIDecoder struct {
	client  audioClient
	modelID string
}

func (d *openAIDecoder) DecodeWindow(ctx context.Context, req WindowRequest) (WindowResult, error) {
	request := openai.AudioRequest{
		Model:       d.modelID,
		FilePath:    "window.wav",
		Reader:      bytes.NewReader(encodeWAV(req.Samples, SampleRate)),
		Prompt:      req.Prompt,
		Temperature: float32(req.Temperature),
		Format:      openai.AudioResponseFormatVerboseJSON,
	}
	if req.WordTimestamps {
		request.TimestampGranularities = []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
			openai.TranscriptionTimestampGranularitySegment,
		}
	}

	var (
		resp openai.AudioResponse
		err  error
	)
	if req.Task == domain.TaskTranslate {
		resp, err = d.client.CreateTranslation(ctx, request)
	} else {
		request.Language = req.Language
		resp, err = d.client.CreateTranscription(ctx, request)
	}
	if err != nil {
		if ctx.Err() != nil {
			return WindowResult{}, errs.Wrap(errs.Canceled, ctx.Err(), "transcription canceled")
		}
		return WindowResult{}, errs.Wrap(errs.NetworkFailure, err, "audio API request failed")
	}
	return fromAudioResponse(resp, req), nil
}

// Close implements Decoder; the remote model holds no local resources
func (d *openAIDecoder) Close() error { return nil }

func fromAudioResponse(resp openai.AudioResponse, req WindowRequest) WindowResult {
	result := WindowResult{}
	if req.Language == "" {
		result.Language = normalizeLanguage(resp.Language)
	}

	var logSum, ratio float64
	for i, s := range resp.Segments {
		if i == 0 {
			result.NoSpeechProb = s.NoSpeechProb
		}
		logSum += s.AvgLogprob
		ratio = math.Max(ratio, s.CompressionRatio)
		if !req.WordTimestamps {
			result.Segments = append(result.Segments, DecodedSegment{
				Start: secondsToTimestamp(s.Start),
				End:   secondsToTimestamp(s.End),
				Text:  s.Text,
			})
		}
	}
	if n := len(resp.Segments); n > 0 {
		result.AvgLogprob = logSum / float64(n)
		result.CompressionRatio = ratio
	}

	if req.WordTimestamps {
		for _, w := range resp.Words {
			result.Segments = append(result.Segments, DecodedSegment{
				Start: secondsToTimestamp(w.Start),
				End:   secondsToTimestamp(w.End),
				Text:  " " + w.Word,
			})
		}
	}
	if len(result.Segments) == 0 && resp.Text != "" {
		result.Segments = []DecodedSegment{{Start: 0, End: int64(len(req.Samples)) / HopSamples, Text: resp.Text}}
	}
	return result
}

func secondsToTimestamp(s float64) int64 {
	return int64(math.Round(s * 1000 / MsPerTimestamp))
}
