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
	"encoding/json"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

// runFunc executes a sidecar and returns its stderr
type runFunc func(ctx context.Context, name string, args ...string) (stderr string, err error)

func execRun(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// CLIEngine decodes each window by running whisper.cpp's whisper-cli
type CLIEngine struct {
	binary  string
	threads int
	run     runFunc
}

// NewCLIEngine creates a sidecar engine; binary defaults to whisper-cli
func NewCLIEngine(binary string, threads int) *CLIEngine {
	if binary == "" {
		binary = "whisper-cli"
	}
	return &CLIEngine{binary: binary, threads: threads, run: execRun}
}

// Name implements Engine
func (e *CLIEngine) Name() string { return BackendCLI }

// Open checks the model file; the sidecar loads it per window
func (e *CLIEngine) Open(ctx context.Context, model Model) (Decoder, error) {
	if _, err := os.Stat(model.Path); err != nil {
		return nil, errs.Wrapf(errs.NotFound, err, "whisper model not found at %s", model.Path)
	}
	workDir, err := os.MkdirTemp("", "buzz-cli-*")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "create sidecar directory")
	}
	return &cliDecoder{engine: e, modelPath: model.Path, workDir: workDir}, nil
}

type cliDecoder struct {
	engine    *CLIEngine
	modelPath string
	workDir   string
}

// cliOutput is the subset of whisper-cli's full JSON output that is used
type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string `json:"text"`
		Tokens []struct {
			Text string  `json:"text"`
			P    float64 `json:"p"`
		} `json:"tokens"`
	} `json:"transcription"`
}

func (d *cliDecoder) DecodeWindow(ctx context.Context, req WindowRequest) (WindowResult, error) {
	dir, err := os.MkdirTemp(d.workDir, "window-*")
	if err != nil {
		return WindowResult{}, errs.Wrap(errs.Internal, err, "create window directory")
	}
	defer os.RemoveAll(dir)

	wavPath := filepath.Join(dir, "window.wav")
	if err := os.WriteFile(wavPath, encodeWAV(req.Samples, SampleRate), 0o600); err != nil {
		return WindowResult{}, errs.Wrap(errs.Internal, err, "write window audio")
	}
	outBase := filepath.Join(dir, "window")

	args := d.args(req, wavPath, outBase)
	stderr, err := d.engine.run(ctx, d.engine.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return WindowResult{}, errs.Wrap(errs.Canceled, ctx.Err(), "transcription canceled")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || stderr != "" {
			return WindowResult{}, errs.Wrapf(errs.InferenceFailure, err, "%s failed: %s", d.engine.binary, tail(stderr, 5))
		}
		return WindowResult{}, errs.Wrapf(errs.InferenceFailure, err, "run %s", d.engine.binary)
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return WindowResult{}, errs.Wrapf(errs.InferenceFailure, err, "%s wrote no output", d.engine.binary)
	}
	result, err := parseCLIOutput(raw)
	if err != nil {
		return WindowResult{}, err
	}
	if req.Language != "" {
		result.Language = ""
	}
	logging.LogDebug("Sidecar window decoded",
		zap.Int("segments", len(result.Segments)),
		zap.Float64("temperature", req.Temperature))
	return result, nil
}

func (d *cliDecoder) args(req WindowRequest, wavPath, outBase string) []string {
	language := req.Language
	if language == "" {
		language = "auto"
	}
	args := []string{
		"-m", d.modelPath,
		"-f", wavPath,
		"-of", outBase,
		"-ojf",
		"-np",
		"-nf",
		"-l", language,
		"-tp", strconv.FormatFloat(req.Temperature, 'f', 2, 64),
	}
	if d.engine.threads > 0 {
		args = append(args, "-t", strconv.Itoa(d.engine.threads))
	}
	if req.Task == domain.TaskTranslate {
		args = append(args, "-tr")
	}
	if req.Prompt != "" {
		args = append(args, "--prompt", req.Prompt)
	}
	if req.WordTimestamps {
		args = append(args, "-ml", "1", "-sow")
	}
	return args
}

func parseCLIOutput(raw []byte) (WindowResult, error) {
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return WindowResult{}, errs.Wrap(errs.InferenceFailure, err, "parse sidecar output")
	}

	result := WindowResult{Language: out.Result.Language}
	var logSum float64
	var logCount int
	for _, s := range out.Transcription {
		result.Segments = append(result.Segments, DecodedSegment{
			Start: s.Offsets.From / MsPerTimestamp,
			End:   s.Offsets.To / MsPerTimestamp,
			Text:  s.Text,
		})
		for _, tok := range s.Tokens {
			// special tokens such as [_BEG_] carry no text probability
			if tok.P <= 0 || strings.HasPrefix(tok.Text, "[_") {
				continue
			}
			logSum += math.Log(tok.P)
			logCount++
		}
	}
	if logCount > 0 {
		result.AvgLogprob = logSum / float64(logCount)
	}
	markNoSpeech(&result)
	return result, nil
}

func (d *cliDecoder) Close() error {
	return os.RemoveAll(d.workDir)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
