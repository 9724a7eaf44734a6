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

package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

// DefaultSeparationModel is the demucs model used for vocal isolation
const DefaultSeparationModel = "htdemucs"

const speechSuffix = "_speech.flac"

// SpeechPath returns <dir>/<stem>_speech.flac for input
func SpeechPath(input string) string {
	dir := filepath.Dir(input)
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, stem+speechSuffix)
}

// IsSpeechPath reports whether path looks like an extracted speech file
func IsSpeechPath(path string) bool {
	return strings.HasSuffix(filepath.Base(path), speechSuffix)
}

// SpeechExtractor isolates the vocal stem of a media file with demucs and
// stores it as mono FLAC next to the input.
type SpeechExtractor struct {
	demucsPath string
	ffmpegPath string
	model      string
	runner     commandRunner
	mkdirTemp  func(dir, pattern string) (string, error)
	removeAll  func(path string) error
}

// NewSpeechExtractor creates an extractor; empty paths use the tools on PATH
func NewSpeechExtractor(demucsPath, ffmpegPath string) *SpeechExtractor {
	if demucsPath == "" {
		demucsPath = "demucs"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &SpeechExtractor{
		demucsPath: demucsPath,
		ffmpegPath: ffmpegPath,
		model:      DefaultSeparationModel,
		runner:     execRunner{},
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
	}
}

// Extract returns the speech-only derivative of inputPath, reusing an
// existing one.
func (e *SpeechExtractor) Extract(ctx context.Context, inputPath string) (string, error) {
	output := SpeechPath(inputPath)
	if info, err := os.Stat(output); err == nil && !info.IsDir() && info.Size() > 0 {
		logging.LogDecoder(inputPath, "speech reused", zap.String("output", output))
		return output, nil
	}
	if _, err := os.Stat(inputPath); err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "cannot read %s", inputPath)
	}

	workDir, err := e.mkdirTemp("", "buzz-speech-*")
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "create separation directory")
	}
	defer e.removeAll(workDir)

	logging.LogDecoder(inputPath, "speech extraction started", zap.String("model", e.model))
	res, err := e.runner.Run(ctx, e.demucsPath,
		"--two-stems", "vocals",
		"-n", e.model,
		"-o", workDir,
		inputPath,
	)
	if err != nil {
		return "", e.toolError(ctx, err, "separate vocals", res)
	}

	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	vocals := filepath.Join(workDir, e.model, stem, "vocals.wav")
	if _, err := os.Stat(vocals); err != nil {
		return "", errs.Wrapf(errs.DecodeFailure, err, "separator produced no vocal stem for %s", inputPath)
	}

	// write beside the final name so the rename stays on one filesystem
	tmp := output + ".tmp.flac"
	res, err = e.runner.Run(ctx, e.ffmpegPath,
		"-nostdin",
		"-y",
		"-loglevel", "error",
		"-i", vocals,
		"-ac", "1",
		"-c:a", "flac",
		tmp,
	)
	if err != nil {
		_ = os.Remove(tmp)
		return "", e.toolError(ctx, err, "encode speech", res)
	}
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return "", errs.Wrapf(errs.Internal, err, "install %s", output)
	}

	logging.LogDecoder(inputPath, "speech extracted", zap.String("output", output))
	return output, nil
}

func (e *SpeechExtractor) toolError(ctx context.Context, err error, step string, res commandResult) error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.Canceled, ctx.Err(), step+" canceled")
	}
	detail := lastLines(res.Stderr, DefaultStderrLines)
	if detail != "" {
		return errs.Wrapf(errs.DecodeFailure, err, "%s (exit %d): %s", step, res.ExitCode, detail)
	}
	return errs.Wrapf(errs.DecodeFailure, err, "%s (exit %d)", step, res.ExitCode)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
