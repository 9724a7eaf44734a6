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

package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
)

func parseTaskFlags(t *testing.T, args ...string) *taskFlags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var tf taskFlags
	tf.register(fs)
	require.NoError(t, fs.Parse(args))
	return &tf
}

func TestTemplateDefaults(t *testing.T) {
	tmpl, err := parseTaskFlags(t).template(domain.SourceFile)
	require.NoError(t, err)

	want := domain.ModelRef{Family: "whisper", Size: "tiny", Variant: domain.DefaultVariant}
	if tmpl.Model != want {
		t.Errorf("Model = %v, want %v", tmpl.Model, want)
	}
	assert.Equal(t, domain.TaskTranscribe, tmpl.Task)
	assert.Equal(t, domain.DefaultTemperatures, tmpl.TemperatureSchedule)
	assert.Equal(t, []string{"txt"}, tmpl.ExportFormats)
	assert.Nil(t, tmpl.LLM)
}

func TestTemplateFlags(t *testing.T) {
	out := t.TempDir()
	tmpl, err := parseTaskFlags(t,
		"--model", "whisper:base:en",
		"--language", "EN",
		"--task", "translate",
		"--temperature", "0,0.5",
		"--initial-prompt", "Glossary: Buzz",
		"--word-timings",
		"--extract-speech",
		"--output", out,
		"--format", "srt, VTT",
		"--llm", "gpt-4o-mini",
		"--llm-prompt", "Translate to French",
	).template(domain.SourceFile)
	require.NoError(t, err)

	assert.Equal(t, domain.ModelRef{Family: "whisper", Size: "base", Variant: "en"}, tmpl.Model)
	assert.Equal(t, "en", tmpl.Language)
	assert.Equal(t, domain.TaskTranslate, tmpl.Task)
	assert.Equal(t, []float64{0, 0.5}, tmpl.TemperatureSchedule)
	assert.Equal(t, "Glossary: Buzz", tmpl.InitialPrompt)
	assert.True(t, tmpl.WordLevelTimings)
	assert.True(t, tmpl.ExtractSpeech)
	assert.Equal(t, out, tmpl.OutputDirectory)
	assert.Equal(t, []string{"srt", "vtt"}, tmpl.ExportFormats)
	require.NotNil(t, tmpl.LLM)
	assert.Equal(t, domain.LLMOptions{Enabled: true, ModelID: "gpt-4o-mini", Prompt: "Translate to French"}, *tmpl.LLM)
}

func TestTemplateRejectsBadInput(t *testing.T) {
	tests := [][]string{
		{"--model", "tiny"},
		{"--task", "summarize"},
		{"--language", "xx"},
		{"--temperature", "abc"},
		{"--format", "docx"},
		{"--llm-prompt", "no model"},
	}
	for _, args := range tests {
		_, err := parseTaskFlags(t, args...).template(domain.SourceFile)
		if !errs.Is(err, errs.BadInput) {
			t.Errorf("template(%v) error = %v, want bad_input", args, err)
		}
	}
}

func TestCanonicalFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "talk.wav")
	require.NoError(t, os.WriteFile(target, []byte("RIFF"), 0o644))
	link := filepath.Join(dir, "link.wav")
	require.NoError(t, os.Symlink(target, link))

	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	got, err := canonicalFile(link)
	require.NoError(t, err)
	if got != want {
		t.Errorf("canonicalFile() = %q, want %q", got, want)
	}

	_, err = canonicalFile(dir)
	assert.True(t, errs.Is(err, errs.BadInput))
	_, err = canonicalFile(filepath.Join(dir, "missing.wav"))
	assert.True(t, errs.Is(err, errs.BadInput))
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"HTTPS://Example.COM/Talks/Episode%201.mp3", "https://example.com/Talks/Episode%201.mp3"},
		{"  http://media.example.com:8080/a.wav?t=1 ", "http://media.example.com:8080/a.wav?t=1"},
		{"https://example.com", "https://example.com"},
	}
	for _, tt := range tests {
		got, err := canonicalURL(tt.raw)
		require.NoError(t, err, tt.raw)
		if got != tt.want {
			t.Errorf("canonicalURL(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	for _, raw := range []string{"example.com/a.mp3", "/local/file.wav", "http://", "https://exa mple.com/%zz"} {
		_, err := canonicalURL(raw)
		assert.True(t, errs.Is(err, errs.BadInput), "canonicalURL(%q) err = %v", raw, err)
	}
}

func TestFirstFailure(t *testing.T) {
	results := map[string]events.Event{
		"a": {Kind: events.TaskCompleted, TaskID: "a"},
		"b": {Kind: events.TaskFailed, TaskID: "b", Error: "ffmpeg exited", ErrorCode: "decode_failure"},
		"c": {Kind: events.TaskCanceled, TaskID: "c"},
	}

	assert.NoError(t, firstFailure([]string{"a"}, results))

	err := firstFailure([]string{"a", "b", "c"}, results)
	assert.Equal(t, errs.ExitDecode, errs.ExitCode(err))

	err = firstFailure([]string{"c", "b"}, results)
	assert.Equal(t, errs.ExitCanceled, errs.ExitCode(err))

	results["d"] = events.Event{Kind: events.TaskFailed, TaskID: "d", Error: "stat models", ErrorCode: "internal", Stage: "resolve"}
	results["e"] = events.Event{Kind: events.TaskFailed, TaskID: "e", Error: "dial tcp", ErrorCode: "network_failure", Stage: "transcribe"}
	assert.Equal(t, errs.ExitModel, errs.ExitCode(firstFailure([]string{"d"}, results)))
	assert.Equal(t, errs.ExitInference, errs.ExitCode(firstFailure([]string{"e"}, results)))
}

func TestTrackerWait(t *testing.T) {
	var out, diag bytes.Buffer
	tr := newTracker(&out, &diag)

	go func() {
		tr.OnEvent(events.Event{Kind: events.TaskProgress, TaskID: "a", Progress: 0.42})
		tr.OnEvent(events.Event{Kind: events.TaskCompleted, TaskID: "a", OutputPaths: []string{"/tmp/a.txt"}})
		tr.OnEvent(events.Event{Kind: events.TaskFailed, TaskID: "b", Error: "boom", ErrorCode: "internal"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := tr.wait(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, events.TaskCompleted, results["a"].Kind)
	assert.Equal(t, events.TaskFailed, results["b"].Kind)
	assert.Equal(t, "/tmp/a.txt\n", out.String())
	assert.Contains(t, diag.String(), "42%")
	assert.Contains(t, diag.String(), "boom")
}

func TestTrackerWaitCanceled(t *testing.T) {
	tr := newTracker(&bytes.Buffer{}, &bytes.Buffer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.wait(ctx, []string{"never"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "-"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{77691713, "74.1 MiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("BUZZ_CACHE_DIR", t.TempDir())
	t.Setenv("BUZZ_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("BUZZ_NATS_URL", "")
	t.Setenv("BUZZ_ASR_BACKEND", "cli")
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, errs.ExitUsage, code)
	assert.Contains(t, stderr, "Usage: buzz")

	code, _, stderr = runCLI(t, "dance")
	assert.Equal(t, errs.ExitUsage, code)
	assert.Contains(t, stderr, `unknown command "dance"`)

	code, stdout, _ := runCLI(t, "help")
	assert.Equal(t, errs.ExitOK, code)
	assert.Contains(t, stdout, "transcribe FILE")
}

func TestRunTranscribeBadUsage(t *testing.T) {
	code, _, stderr := runCLI(t, "transcribe")
	assert.Equal(t, errs.ExitUsage, code)
	assert.Contains(t, stderr, "transcribe needs FILE")

	code, _, _ = runCLI(t, "transcribe", "--model", "whisper:colossal", filepath.Join(t.TempDir(), "none.wav"))
	assert.Equal(t, errs.ExitUsage, code)

	code, _, _ = runCLI(t, "transcribe", "--bogus")
	assert.Equal(t, errs.ExitUsage, code)
}

func TestRunTranscribeUnknownModel(t *testing.T) {
	file := filepath.Join(t.TempDir(), "talk.wav")
	require.NoError(t, os.WriteFile(file, []byte("RIFF"), 0o644))

	code, _, stderr := runCLI(t, "transcribe", "--model", "whisper:colossal", file)
	assert.Equal(t, errs.ExitUsage, code)
	assert.Contains(t, stderr, "unknown model")
}

func TestRunTranscribeLLMWithoutEndpoint(t *testing.T) {
	file := filepath.Join(t.TempDir(), "talk.wav")
	require.NoError(t, os.WriteFile(file, []byte("RIFF"), 0o644))

	code, _, stderr := runCLI(t, "transcribe", "--llm", "gpt-4o-mini", file)
	assert.Equal(t, errs.ExitUsage, code)
	assert.Contains(t, stderr, "BUZZ_OPENAI_API_KEY")
}

func TestRunListEmpty(t *testing.T) {
	code, stdout, _ := runCLI(t, "list")
	assert.Equal(t, errs.ExitOK, code)
	assert.True(t, strings.HasPrefix(stdout, "ID"), stdout)

	code, _, _ = runCLI(t, "list", "--status", "sleeping")
	assert.Equal(t, errs.ExitUsage, code)
}

func TestRunModelsCatalog(t *testing.T) {
	code, stdout, _ := runCLI(t, "models")
	assert.Equal(t, errs.ExitOK, code)
	assert.Contains(t, stdout, "whisper:tiny:multilingual")
	assert.Contains(t, stdout, "remote")
}
