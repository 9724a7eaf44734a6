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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/errs"
)

func f32le(samples ...float32) []byte {
	var buf bytes.Buffer
	for _, s := range samples {
		_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(s))
	}
	return buf.Bytes()
}

type fakeProcess struct {
	stdout  io.Reader
	stderr  io.Reader
	waitErr error
	killed  atomic.Bool
	waited  atomic.Bool
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }

func (p *fakeProcess) Wait() error {
	p.waited.Store(true)
	if p.killed.Load() {
		return errors.New("signal: killed")
	}
	return p.waitErr
}

// fakeStarter hands out one scripted process. When hang is set, stdout
// blocks until the context is canceled, like a stalled decoder.
type fakeStarter struct {
	stdout  []byte
	stderr  string
	waitErr error
	hang    bool
	oneByte bool

	mu   sync.Mutex
	name string
	args []string
	proc *fakeProcess
}

func (f *fakeStarter) Start(ctx context.Context, name string, args ...string) (process, error) {
	p := &fakeProcess{stderr: strings.NewReader(f.stderr), waitErr: f.waitErr}
	if f.hang {
		pr, pw := io.Pipe()
		go func() { _, _ = pw.Write(f.stdout) }()
		go func() {
			<-ctx.Done()
			p.killed.Store(true)
			_ = pw.Close()
		}()
		p.stdout = pr
	} else {
		var r io.Reader = bytes.NewReader(f.stdout)
		if f.oneByte {
			r = iotest.OneByteReader(r)
		}
		p.stdout = r
		go func() {
			<-ctx.Done()
			p.killed.Store(true)
		}()
	}

	f.mu.Lock()
	f.name, f.args, f.proc = name, args, p
	f.mu.Unlock()
	return p, nil
}

func mediaFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	return path
}

func TestLoad_DecodesFloatPCM(t *testing.T) {
	starter := &fakeStarter{stdout: f32le(0.5, -0.25, 1)}
	loader := NewLoader("/opt/ffmpeg", withStarter(starter))
	path := mediaFile(t)

	samples, err := loader.Load(context.Background(), FileInput(path))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, samples)

	assert.Equal(t, "/opt/ffmpeg", starter.name)
	joined := strings.Join(starter.args, " ")
	for _, want := range []string{"-nostdin", "-i " + path, "-f f32le", "-ac 1", "-ar 16000"} {
		assert.Contains(t, joined, want)
	}
	assert.Equal(t, "-", starter.args[len(starter.args)-1])
	assert.True(t, starter.proc.waited.Load(), "decoder was not reaped")
}

func TestStream_ReassemblesSplitSamples(t *testing.T) {
	want := []float32{0.1, 0.2, 0.3, -0.4, 0.5}
	starter := &fakeStarter{stdout: f32le(want...), oneByte: true}
	loader := NewLoader("", withStarter(starter))

	stream, err := loader.Open(context.Background(), FileInput(mediaFile(t)))
	require.NoError(t, err)
	defer stream.Close()

	var got []float32
	for {
		chunk, err := stream.Next(2)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 2)
		got = append(got, chunk...)
	}
	assert.Equal(t, want, got)
}

func TestLoad_NonzeroExitKeepsStderrTail(t *testing.T) {
	var stderr strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&stderr, "line-%02d\n", i)
	}
	starter := &fakeStarter{stdout: f32le(0.1), stderr: stderr.String(), waitErr: errors.New("exit status 1")}
	loader := NewLoader("", withStarter(starter))

	_, err := loader.Load(context.Background(), FileInput(mediaFile(t)))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DecodeFailure), "err = %v", err)
	assert.Contains(t, err.Error(), "line-29")
	assert.Contains(t, err.Error(), "line-10")
	assert.NotContains(t, err.Error(), "line-09")
}

func TestLoad_NoSamplesIsDecodeFailure(t *testing.T) {
	loader := NewLoader("", withStarter(&fakeStarter{stderr: "Invalid data found when processing input\n"}))

	_, err := loader.Load(context.Background(), FileInput(mediaFile(t)))
	assert.True(t, errs.Is(err, errs.DecodeFailure), "err = %v", err)
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestLoad_IdleTimeoutKillsDecoder(t *testing.T) {
	starter := &fakeStarter{hang: true}
	loader := NewLoader("", withStarter(starter), WithIdleTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := loader.Load(context.Background(), FileInput(mediaFile(t)))
	assert.True(t, errs.Is(err, errs.DecodeFailure), "err = %v", err)
	assert.Contains(t, err.Error(), "no output")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, starter.proc.waited.Load())
}

func TestLoad_CancelReapsDecoder(t *testing.T) {
	starter := &fakeStarter{stdout: f32le(0.1, 0.2), hang: true}
	loader := NewLoader("", withStarter(starter))

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := loader.Open(ctx, FileInput(mediaFile(t)))
	require.NoError(t, err)

	chunk, err := stream.Next(16)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, chunk)

	cancel()
	_, err = stream.Next(16)
	assert.True(t, errs.Is(err, errs.Canceled), "err = %v", err)
	require.NoError(t, stream.Close())
	assert.True(t, starter.proc.waited.Load())
}

func TestStream_CloseEarlyKillsDecoder(t *testing.T) {
	starter := &fakeStarter{stdout: f32le(0.1), hang: true}
	loader := NewLoader("", withStarter(starter))

	stream, err := loader.Open(context.Background(), FileInput(mediaFile(t)))
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.True(t, starter.proc.waited.Load())
	assert.Eventually(t, starter.proc.killed.Load, time.Second, 5*time.Millisecond)
}

func TestOpen_Inputs(t *testing.T) {
	loader := NewLoader("", withStarter(&fakeStarter{stdout: f32le(0.1)}))
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
		kind errs.Kind
	}{
		{"missing file", FileInput(filepath.Join(t.TempDir(), "absent.mp3")), errs.BadInput},
		{"directory", FileInput(t.TempDir()), errs.BadInput},
		{"ftp url", URLInput("ftp://example.com/a.mp3"), errs.BadInput},
		{"relative url", URLInput("/a.mp3"), errs.BadInput},
		{"empty", Input{}, errs.BadInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Open(ctx, tt.in)
			if got := errs.KindOf(err); got != tt.kind {
				t.Errorf("KindOf(err) = %v, want %v (err = %v)", got, tt.kind, err)
			}
		})
	}
}

func TestOpen_URLPassedToDecoder(t *testing.T) {
	starter := &fakeStarter{stdout: f32le(0.1)}
	loader := NewLoader("", withStarter(starter))

	_, err := loader.Load(context.Background(), URLInput("https://example.com/talk.mp3?x=1"))
	require.NoError(t, err)
	assert.Contains(t, starter.args, "https://example.com/talk.mp3?x=1")
}

func TestBufferInput(t *testing.T) {
	loader := NewLoader("")
	stream, err := loader.Open(context.Background(), BufferInput([]float32{1, 2, 3, 4, 5}))
	require.NoError(t, err)

	first, err := stream.Next(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, first)

	rest, err := stream.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5}, rest)

	_, err = stream.Next(2)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineRing(t *testing.T) {
	ring := newLineRing(3)
	long := strings.Repeat("x", maxLineBytes*3)
	ring.consume(strings.NewReader("a\nb\n\nc\nd\n" + long))

	got := ring.lines()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0])
	assert.Equal(t, "d", got[1])
	assert.Len(t, got[2], maxLineBytes)
}
