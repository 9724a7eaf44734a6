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

package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
)

// chatServer answers chat completions by upper-casing the user message.
// Messages containing "FAIL" get a 500.
func chatServer(t *testing.T, seen *[]openai.ChatCompletionRequest) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = append(*seen, req)
		}
		user := req.Messages[len(req.Messages)-1].Content
		if strings.Contains(user, "FAIL") {
			http.Error(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: " " + strings.ToUpper(user) + " "},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func segments(texts ...string) []domain.Segment {
	out := make([]domain.Segment, len(texts))
	for i, text := range texts {
		out[i] = domain.Segment{Ordinal: i, StartMs: int64(i) * 1000, EndMs: int64(i+1) * 1000, Text: text}
	}
	return out
}

func TestSegments_AttachesTranslations(t *testing.T) {
	var seen []openai.ChatCompletionRequest
	srv := chatServer(t, &seen)
	tr := New(NewClient(srv.URL+"/v1/", "key", 0))
	opts := domain.LLMOptions{Enabled: true, ModelID: "gpt-4o-mini", Prompt: "Translate to shouting"}

	var progress []int
	out, note, err := tr.Segments(context.Background(), opts, segments("hello", "world"), func(done, total int) {
		progress = append(progress, done)
		assert.Equal(t, 2, total)
	})
	require.NoError(t, err)
	assert.Empty(t, note)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Translation)
	assert.Equal(t, "HELLO", *out[0].Translation)
	assert.Equal(t, "WORLD", *out[1].Translation)
	assert.Equal(t, "hello", out[0].Text)
	assert.Equal(t, []int{1, 2}, progress)

	require.Len(t, seen, 2)
	assert.Equal(t, "gpt-4o-mini", seen[0].Model)
	require.Len(t, seen[0].Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, seen[0].Messages[0].Role)
	assert.Equal(t, "Translate to shouting", seen[0].Messages[0].Content)
	assert.Equal(t, "hello", seen[0].Messages[1].Content)
}

func TestSegments_PerSegmentFailureIsANote(t *testing.T) {
	srv := chatServer(t, nil)
	tr := New(NewClient(srv.URL+"/v1", "key", 0))

	input := segments("one", "FAIL two", "three")
	out, note, err := tr.Segments(context.Background(), domain.LLMOptions{Enabled: true, ModelID: "m"}, input, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.NotNil(t, out[0].Translation)
	assert.Nil(t, out[1].Translation)
	assert.NotNil(t, out[2].Translation)
	assert.Contains(t, note, "1 of 3 segments")

	// the input is not modified
	assert.Nil(t, input[0].Translation)
}

func TestSegments_CancelBetweenSegments(t *testing.T) {
	srv := chatServer(t, nil)
	tr := New(NewClient(srv.URL+"/v1", "key", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	_, _, err := tr.Segments(ctx, domain.LLMOptions{ModelID: "m"}, segments("a", "b", "c"), func(done, total int) {
		calls.Add(1)
		cancel()
	})
	assert.True(t, errs.Is(err, errs.Canceled), "err = %v", err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTexts(t *testing.T) {
	var seen []openai.ChatCompletionRequest
	srv := chatServer(t, &seen)
	tr := New(NewClient(srv.URL+"/v1", "key", 0))

	out, failures, err := tr.Texts(context.Background(), domain.LLMOptions{ModelID: "m"}, []string{"ok", "FAIL"}, nil)
	require.NoError(t, err)
	require.NotNil(t, out[0])
	assert.Equal(t, "OK", *out[0])
	assert.Nil(t, out[1])
	assert.NoError(t, failures[0])
	assert.True(t, errs.Is(failures[1], errs.NetworkFailure), "err = %v", failures[1])
	assert.Equal(t, DefaultPrompt, seen[0].Messages[0].Content)
}
