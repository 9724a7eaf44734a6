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

// Package media normalizes input media into mono float32 PCM by driving an
// external decoder process, and isolates speech with a source-separation
// tool.
package media

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

const (
	// SampleRate is the rate every consumer of the loader expects
	SampleRate = 16000

	// DefaultIdleTimeout bounds how long the decoder may go without output
	DefaultIdleTimeout = 120 * time.Second

	// DefaultStderrLines is how many trailing decoder stderr lines are kept
	DefaultStderrLines = 20

	readChunk = 32 * 1024
)

// Input is one of a local path, an http(s) URL or an in-memory buffer
type Input struct {
	Path    string
	URL     string
	Samples []float32

	// zero means SampleRate / mono
	SampleRate int
	Channels   int
}

// FileInput reads a local media file
func FileInput(path string) Input { return Input{Path: path} }

// URLInput streams media from an http(s) URL
func URLInput(rawURL string) Input { return Input{URL: rawURL} }

// BufferInput wraps samples already at SampleRate, mono
func BufferInput(samples []float32) Input { return Input{Samples: samples} }

// String names the input for logs and errors
func (in Input) String() string {
	switch {
	case in.Path != "":
		return in.Path
	case in.URL != "":
		return in.URL
	default:
		return "buffer(" + strconv.Itoa(len(in.Samples)) + " samples)"
	}
}

func (in Input) format() (int, int) {
	rate, channels := in.SampleRate, in.Channels
	if rate <= 0 {
		rate = SampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return rate, channels
}

// Loader decodes media through an ffmpeg-compatible child process
type Loader struct {
	ffmpegPath  string
	idleTimeout time.Duration
	stderrLines int
	starter     processStarter
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithIdleTimeout overrides DefaultIdleTimeout
func WithIdleTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.idleTimeout = d
		}
	}
}

// WithStderrLines overrides DefaultStderrLines
func WithStderrLines(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.stderrLines = n
		}
	}
}

func withStarter(s processStarter) LoaderOption {
	return func(l *Loader) { l.starter = s }
}

// NewLoader creates a loader running ffmpegPath ("ffmpeg" when empty)
func NewLoader(ffmpegPath string, opts ...LoaderOption) *Loader {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	l := &Loader{
		ffmpegPath:  ffmpegPath,
		idleTimeout: DefaultIdleTimeout,
		stderrLines: DefaultStderrLines,
		starter:     execStarter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load decodes the whole input into memory
func (l *Loader) Load(ctx context.Context, in Input) ([]float32, error) {
	stream, err := l.Open(ctx, in)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	return stream.ReadAll()
}

// Open starts decoding in and returns a stream of samples. The caller must
// Close the stream; Close reaps the decoder on every path.
func (l *Loader) Open(ctx context.Context, in Input) (*Stream, error) {
	if in.Samples != nil || (in.Path == "" && in.URL == "") {
		if len(in.Samples) == 0 {
			return nil, errs.New(errs.BadInput, "no input: expected a path, a URL or samples")
		}
		return &Stream{buffered: in.Samples, input: in.String()}, nil
	}

	source, err := sourceArg(in)
	if err != nil {
		return nil, err
	}
	rate, channels := in.format()
	args := decoderArgs(source, rate, channels)

	procCtx, cancel := context.WithCancel(ctx)
	proc, err := l.starter.Start(procCtx, l.ffmpegPath, args...)
	if err != nil {
		cancel()
		return nil, errs.Wrapf(errs.DecodeFailure, err, "start decoder %s", l.ffmpegPath)
	}
	logging.LogDecoder(in.String(), "started", zap.Strings("args", args))

	s := &Stream{
		input:      in.String(),
		ctx:        ctx,
		proc:       proc,
		cancel:     cancel,
		stderr:     newLineRing(l.stderrLines),
		stderrDone: make(chan struct{}),
		idle:       l.idleTimeout,
	}
	go func() {
		defer close(s.stderrDone)
		s.stderr.consume(proc.Stderr())
	}()
	s.watchdog = time.AfterFunc(s.idle, s.onIdle)
	return s, nil
}

func sourceArg(in Input) (string, error) {
	if in.URL != "" {
		u, err := url.Parse(in.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", errs.Newf(errs.BadInput, "unsupported URL %q", in.URL)
		}
		return u.String(), nil
	}
	info, err := os.Stat(in.Path)
	if err != nil {
		return "", errs.Wrapf(errs.BadInput, err, "cannot read %s", in.Path)
	}
	if info.IsDir() {
		return "", errs.Newf(errs.BadInput, "%s is a directory", in.Path)
	}
	return in.Path, nil
}

// decoderArgs requests raw float32 little-endian PCM on stdout
func decoderArgs(source string, rate, channels int) []string {
	return []string{
		"-nostdin",
		"-threads", "0",
		"-loglevel", "error",
		"-i", source,
		"-vn",
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"-",
	}
}

// Stream yields decoded samples. It is not safe for concurrent reads.
type Stream struct {
	input string

	// in-memory input
	buffered []float32
	offset   int

	// decoder-backed input
	ctx        context.Context
	proc       process
	cancel     context.CancelFunc
	stderr     *lineRing
	stderrDone chan struct{}
	watchdog   *time.Timer
	idle       time.Duration
	timedOut   atomic.Bool

	pending  []byte
	produced int64
	finished bool
	err      error
	reapOnce sync.Once
	reapErr  error
}

// Next returns up to max samples. It returns io.EOF once the input is
// exhausted and the decoder exited cleanly.
func (s *Stream) Next(max int) ([]float32, error) {
	if max <= 0 {
		max = readChunk / 4
	}
	if s.proc == nil {
		if s.offset >= len(s.buffered) {
			return nil, io.EOF
		}
		end := s.offset + max
		if end > len(s.buffered) {
			end = len(s.buffered)
		}
		out := s.buffered[s.offset:end]
		s.offset = end
		return out, nil
	}

	if s.err != nil {
		return nil, s.err
	}
	if s.finished {
		return nil, io.EOF
	}

	buf := make([]byte, max*4)
	n := copy(buf, s.pending)
	for n < 4 {
		m, readErr := s.proc.Stdout().Read(buf[n:])
		if m > 0 {
			s.watchdog.Reset(s.idle)
		}
		n += m
		if readErr == nil || n >= 4 {
			continue
		}
		// a trailing partial sample is discarded
		if errors.Is(readErr, io.EOF) {
			return nil, s.finish()
		}
		return nil, s.fail(readErr)
	}

	whole := n - n%4
	s.pending = append(s.pending[:0], buf[whole:n]...)
	out := decodeF32LE(buf[:whole])
	s.produced += int64(len(out))
	return out, nil
}

// ReadAll drains the stream into one slice
func (s *Stream) ReadAll() ([]float32, error) {
	if s.proc == nil {
		out := s.buffered[s.offset:]
		s.offset = len(s.buffered)
		return out, nil
	}
	var samples []float32
	for {
		chunk, err := s.Next(readChunk / 4)
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		samples = append(samples, chunk...)
	}
}

// Close stops the decoder if still running and reaps it
func (s *Stream) Close() error {
	if s.proc == nil {
		return nil
	}
	s.reap(true)
	return nil
}

// Stderr returns the retained tail of decoder diagnostics
func (s *Stream) Stderr() []string {
	if s.stderr == nil {
		return nil
	}
	return s.stderr.lines()
}

func (s *Stream) onIdle() {
	s.timedOut.Store(true)
	s.cancel()
}

// finish reaps the decoder after stdout EOF and classifies its exit
func (s *Stream) finish() error {
	waitErr := s.reap(false)
	switch {
	case s.timedOut.Load():
		s.err = errs.Newf(errs.DecodeFailure, "decoder produced no output for %s%s", s.idle, s.stderrDetail())
	case s.ctx.Err() != nil:
		s.err = errs.Wrap(errs.Canceled, s.ctx.Err(), "decode canceled")
	case waitErr != nil:
		s.err = errs.Wrapf(errs.DecodeFailure, waitErr, "decoder failed on %s%s", s.input, s.stderrDetail())
	case s.produced == 0:
		s.err = errs.Newf(errs.DecodeFailure, "decoder produced no audio for %s%s", s.input, s.stderrDetail())
	default:
		s.finished = true
		logging.LogDecoder(s.input, "finished", zap.Int64("samples", s.produced))
		return io.EOF
	}
	logging.LogDecoder(s.input, "failed", zap.Error(s.err))
	return s.err
}

func (s *Stream) fail(readErr error) error {
	s.reap(true)
	switch {
	case s.timedOut.Load():
		s.err = errs.Newf(errs.DecodeFailure, "decoder produced no output for %s%s", s.idle, s.stderrDetail())
	case s.ctx.Err() != nil:
		s.err = errs.Wrap(errs.Canceled, s.ctx.Err(), "decode canceled")
	default:
		s.err = errs.Wrapf(errs.DecodeFailure, readErr, "read decoder output%s", s.stderrDetail())
	}
	return s.err
}

func (s *Stream) reap(kill bool) error {
	s.reapOnce.Do(func() {
		s.watchdog.Stop()
		if kill {
			s.cancel()
		}
		<-s.stderrDone
		s.reapErr = s.proc.Wait()
		s.cancel()
	})
	return s.reapErr
}

func (s *Stream) stderrDetail() string {
	lines := s.Stderr()
	if len(lines) == 0 {
		return ""
	}
	return ": " + strings.Join(lines, "\n")
}

func decodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
