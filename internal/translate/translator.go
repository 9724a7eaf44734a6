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

// Package translate attaches LLM translations to finished segments
package translate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

// DefaultPrompt is used when a task enables translation without a prompt
const DefaultPrompt = "Translate the following text to English. Reply with the translation only."

// ProgressSink receives segments translated so far
type ProgressSink func(done, total int)

// chatClient is the part of the OpenAI client the translator needs
type chatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Translator sends each segment to a chat-completions endpoint
type Translator struct {
	client chatClient
}

// NewClient builds an OpenAI-compatible client. An empty baseURL targets
// api.openai.com.
func NewClient(baseURL, apiKey string, timeout time.Duration) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return openai.NewClientWithConfig(cfg)
}

// New creates a translator using client
func New(client *openai.Client) *Translator {
	return &Translator{client: client}
}

// Texts translates each text independently. A failed text yields nil at
// its index and the error at the same index of the second slice.
// Cancellation is checked between texts.
func (t *Translator) Texts(ctx context.Context, opts domain.LLMOptions, texts []string, progress ProgressSink) ([]*string, []error, error) {
	if progress == nil {
		progress = func(int, int) {}
	}
	out := make([]*string, len(texts))
	failures := make([]error, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, nil, errs.Wrap(errs.Canceled, err, "translation canceled")
		}
		translated, err := t.one(ctx, opts, text)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, nil, errs.Wrap(errs.Canceled, ctx.Err(), "translation canceled")
		case err != nil:
			failures[i] = err
		default:
			out[i] = &translated
		}
		progress(i+1, len(texts))
	}
	return out, failures, nil
}

// Segments returns copies of segments with Translation set, plus a note
// describing any segments that could not be translated.
func (t *Translator) Segments(ctx context.Context, opts domain.LLMOptions, segments []domain.Segment, progress ProgressSink) ([]domain.Segment, string, error) {
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	translated, failures, err := t.Texts(ctx, opts, texts, progress)
	if err != nil {
		return nil, "", err
	}

	out := make([]domain.Segment, len(segments))
	copy(out, segments)
	var (
		failed   int
		firstErr error
	)
	for i := range out {
		if err := failures[i]; err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			logging.LogWarn("⚠️ Segment translation failed",
				zap.Int("ordinal", out[i].Ordinal),
				zap.Error(err))
			continue
		}
		out[i].Translation = translated[i]
	}

	if failed == 0 {
		return out, "", nil
	}
	note := fmt.Sprintf("translation failed for %d of %d segments: %v", failed, len(out), firstErr)
	return out, note, nil
}

func (t *Translator) one(ctx context.Context, opts domain.LLMOptions, text string) (string, error) {
	prompt := opts.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: opts.ModelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", errs.Wrap(errs.NetworkFailure, err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return "", errs.New(errs.Internal, "chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
