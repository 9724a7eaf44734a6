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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/errs"
)

// scriptedRunner imitates demucs and ffmpeg by writing their outputs
type scriptedRunner struct {
	calls      [][]string
	failDemucs bool
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	switch name {
	case "demucs":
		if r.failDemucs {
			return commandResult{Stderr: "loading model\nRuntimeError: out of memory\n", ExitCode: 1}, errors.New("exit status 1")
		}
		out := args[indexOf(args, "-o")+1]
		input := args[len(args)-1]
		stem := input[len(filepath.Dir(input))+1 : len(input)-len(filepath.Ext(input))]
		dir := filepath.Join(out, DefaultSeparationModel, stem)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return commandResult{}, err
		}
		return commandResult{}, os.WriteFile(filepath.Join(dir, "vocals.wav"), []byte("vocals"), 0o644)
	case "ffmpeg":
		return commandResult{}, os.WriteFile(args[len(args)-1], []byte("fLaC"), 0o644)
	}
	return commandResult{ExitCode: 127}, errors.New("not found")
}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func newTestExtractor(runner commandRunner) *SpeechExtractor {
	e := NewSpeechExtractor("", "")
	e.runner = runner
	return e
}

func TestSpeechPath(t *testing.T) {
	got := SpeechPath("/music/interview.take2.mp4")
	if want := "/music/interview.take2_speech.flac"; got != want {
		t.Errorf("SpeechPath() = %q, want %q", got, want)
	}
}

func TestExtract_WritesSpeechNextToInput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(input, []byte("ID3"), 0o644))
	runner := &scriptedRunner{}

	out, err := newTestExtractor(runner).Extract(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, SpeechPath(input), out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "fLaC", string(data))
	assert.NoFileExists(t, out+".tmp.flac")

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "demucs", runner.calls[0][0])
	assert.Contains(t, runner.calls[0], "--two-stems")
	assert.Contains(t, runner.calls[1], "flac")
}

func TestExtract_ReusesExistingOutput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(input, []byte("ID3"), 0o644))
	require.NoError(t, os.WriteFile(SpeechPath(input), []byte("old"), 0o644))
	runner := &scriptedRunner{}

	out, err := newTestExtractor(runner).Extract(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, SpeechPath(input), out)
	assert.Empty(t, runner.calls)
}

func TestExtract_SeparatorFailure(t *testing.T) {
	input := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(input, []byte("ID3"), 0o644))

	_, err := newTestExtractor(&scriptedRunner{failDemucs: true}).Extract(context.Background(), input)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DecodeFailure), "err = %v", err)
	assert.Contains(t, err.Error(), "out of memory")
	assert.NoFileExists(t, SpeechPath(input))
}

func TestExtract_MissingInput(t *testing.T) {
	_, err := newTestExtractor(&scriptedRunner{}).Extract(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	assert.True(t, errs.Is(err, errs.BadInput), "err = %v", err)
}
