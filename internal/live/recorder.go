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

// Package live transcribes microphone audio as it is captured, publishing
// partial text for the latest window and committed text once a window has
// been superseded.
package live

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/asr"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

// Defaults for Config fields left zero
const (
	DefaultChunkInterval  = 10 * time.Second
	DefaultWindowDuration = 30 * time.Second
	DefaultNoiseLearning  = 2 * time.Second
	DefaultGateMarginDB   = 12.0
	DefaultStopTimeout    = 5 * time.Second
	DefaultPendingWindows = 2
)

// Source produces mono float32 samples at asr.SampleRate. The channel is
// closed when the source stops.
type Source interface {
	Start(ctx context.Context) (<-chan []float32, error)
	Stop() error
}

// Publisher receives live transcription events
type Publisher interface {
	Publish(events.Event)
}

// Config tunes a recorder
type Config struct {
	ChunkInterval  time.Duration
	WindowDuration time.Duration
	GateMarginDB   float64
	StopTimeout    time.Duration

	// NoiseLearning is how much leading audio sets the noise floor; a
	// negative value keeps the floor at digital silence
	NoiseLearning time.Duration

	// PendingWindows bounds windows waiting for the transcriber; windows
	// cut while the queue is full are dropped
	PendingWindows int

	Model   asr.Model
	Options asr.Options

	// TranscriptPath, when set, receives each committed text on its own line
	TranscriptPath string
}

func (c Config) withDefaults() Config {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.WindowDuration <= 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.WindowDuration < c.ChunkInterval {
		c.WindowDuration = c.ChunkInterval
	}
	if c.NoiseLearning == 0 {
		c.NoiseLearning = DefaultNoiseLearning
	}
	if c.GateMarginDB == 0 {
		c.GateMarginDB = DefaultGateMarginDB
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.PendingWindows <= 0 {
		c.PendingWindows = DefaultPendingWindows
	}
	if c.Options.Task == "" {
		c.Options.Task = domain.TaskTranscribe
	}
	if len(c.Options.Temperatures) == 0 {
		c.Options.Temperatures = domain.DefaultTemperatures
	}
	return c
}

// window is one slice of the rolling buffer handed to the transcriber
type window struct {
	startSample int64
	samples     []float32
	silent      bool
}

// Recorder runs one live transcription session at a time
type Recorder struct {
	cfg         Config
	source      Source
	transcriber asr.Transcriber
	publisher   Publisher

	mu      sync.Mutex
	running bool
	session string
	stopCh  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	// set when Stop gave up waiting; the worker then discards its results
	discarded atomic.Bool

	// commit state, guarded by textMu
	textMu         sync.Mutex
	pending        []domain.Segment
	pendingStart   int64
	hasPending     bool
	committedUntil int64
	committed      []string
}

// NewRecorder creates a stopped recorder
func NewRecorder(cfg Config, source Source, transcriber asr.Transcriber, publisher Publisher) *Recorder {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Recorder{
		cfg:         cfg.withDefaults(),
		source:      source,
		transcriber: transcriber,
		publisher:   publisher,
	}
}

// Session returns the id attached to the current session's events
func (r *Recorder) Session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Running reports whether a session is active
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start begins capturing and transcribing. Only one session may run.
// The session stops on Stop, when ctx is done, or when the source closes.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errs.New(errs.StateConflict, "live recorder already running")
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	samples, err := r.source.Start(workCtx)
	if err != nil {
		cancel()
		return err
	}

	r.textMu.Lock()
	r.pending, r.hasPending, r.pendingStart = nil, false, 0
	r.committedUntil, r.committed = 0, nil
	r.textMu.Unlock()

	r.running = true
	r.session = uuid.NewString()
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.cancel = cancel
	r.discarded.Store(false)

	windows := make(chan window, r.cfg.PendingWindows)
	go r.capture(samples, windows, r.stopCh)
	go r.work(workCtx, r.session, windows, r.done)
	go func(stopCh chan struct{}) {
		select {
		case <-ctx.Done():
			_ = r.Stop()
		case <-stopCh:
		}
	}(r.stopCh)

	logging.LogInfo("🎙️ Live transcription started",
		zap.String("session", r.session),
		zap.Duration("chunk_interval", r.cfg.ChunkInterval),
		zap.Duration("window", r.cfg.WindowDuration))
	return nil
}

// Stop ends the session. Windows still being transcribed are awaited for
// StopTimeout and then discarded. Stopping an idle recorder is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stopCh, done, cancel, session := r.stopCh, r.done, r.cancel, r.session
	close(stopCh)
	r.mu.Unlock()

	if err := r.source.Stop(); err != nil {
		logging.LogWarn("⚠️ Failed to stop audio source", zap.Error(err))
	}

	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		r.discarded.Store(true)
		cancel()
		logging.LogWarn("⚠️ Discarding live windows still in flight",
			zap.String("session", session), zap.Duration("timeout", r.cfg.StopTimeout))
		r.commitAll(session)
	}
	cancel()

	logging.LogInfo("🛑 Live transcription stopped", zap.String("session", session))
	return nil
}

// Wait blocks until the current session has finished
func (r *Recorder) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Canceled, ctx.Err(), "wait for live session")
	}
}

// Transcript returns every committed text of the session, space separated
func (r *Recorder) Transcript() string {
	r.textMu.Lock()
	defer r.textMu.Unlock()
	return strings.Join(r.committed, " ")
}

// capture fills the rolling buffer and cuts a window every chunk interval
// of audio
func (r *Recorder) capture(samples <-chan []float32, windows chan<- window, stopCh <-chan struct{}) {
	defer close(windows)

	chunkSamples := durationSamples(r.cfg.ChunkInterval)
	windowSamples := durationSamples(r.cfg.WindowDuration)
	learn := 0
	if r.cfg.NoiseLearning > 0 {
		learn = int(durationSamples(r.cfg.NoiseLearning))
	}
	gate := newNoiseGate(learn, r.cfg.GateMarginDB)

	buffer := make([]float32, 0, windowSamples)
	var total int64
	next := chunkSamples

	for {
		var chunk []float32
		var ok bool
		select {
		case chunk, ok = <-samples:
		case <-stopCh:
			return
		}
		if !ok {
			return
		}

		gate.observe(chunk)
		buffer = append(buffer, chunk...)
		if over := len(buffer) - int(windowSamples); over > 0 {
			buffer = append(buffer[:0], buffer[over:]...)
		}
		total += int64(len(chunk))

		for total >= next {
			next += chunkSamples
			w := window{
				startSample: total - int64(len(buffer)),
				samples:     append([]float32(nil), buffer...),
			}
			if !gate.admit(w.samples) {
				logging.LogDebug("Live window below noise gate",
					zap.Float64("floor_db", gate.floorDB()),
					zap.Float64("window_db", decibels(rms(w.samples))))
				w.samples = nil
				w.silent = true
			}

			select {
			case windows <- w:
			case <-stopCh:
				return
			default:
				logging.LogWarn("⚠️ Transcription is falling behind, dropping live window",
					zap.Int64("start_ms", samplesToMs(w.startSample)))
			}
		}
	}
}

// work transcribes windows in order and turns results into events
func (r *Recorder) work(ctx context.Context, session string, windows <-chan window, done chan<- struct{}) {
	defer close(done)

	for w := range windows {
		if r.discarded.Load() {
			return
		}
		if w.silent {
			// the speech before this silence will not be revisited
			r.commitAll(session)
			continue
		}

		segments, err := r.transcriber.Transcribe(ctx, r.cfg.Model, w.samples, r.cfg.Options, nil)
		if r.discarded.Load() {
			return
		}
		if err != nil {
			if errs.Is(err, errs.Canceled) || ctx.Err() != nil {
				return
			}
			logging.LogWarn("⚠️ Live window transcription failed", zap.Error(err))
			continue
		}
		r.accept(session, w, segments)
	}

	if !r.discarded.Load() {
		r.commitAll(session)
	}
}

// accept publishes the window's text as partial and commits whatever the
// window has pushed out of reach of later windows
func (r *Recorder) accept(session string, w window, segments []domain.Segment) {
	offset := samplesToMs(w.startSample)
	abs := make([]domain.Segment, 0, len(segments))
	for _, seg := range segments {
		seg.StartMs += offset
		seg.EndMs += offset
		abs = append(abs, seg)
	}
	endMs := samplesToMs(w.startSample + int64(len(w.samples)))

	r.textMu.Lock()
	if r.hasPending && offset > r.pendingStart {
		r.commitLocked(session, offset)
	}
	r.pending, r.pendingStart, r.hasPending = abs, offset, true
	r.textMu.Unlock()

	r.publisher.Publish(events.Event{
		Kind:    events.LivePartial,
		TaskID:  session,
		Text:    joinText(abs),
		StartMs: offset,
		EndMs:   endMs,
	})
}

// commitAll commits everything still pending
func (r *Recorder) commitAll(session string) {
	r.textMu.Lock()
	defer r.textMu.Unlock()
	if !r.hasPending {
		return
	}
	r.commitLocked(session, -1)
	r.pending, r.hasPending = nil, false
}

// commitLocked commits pending segments starting before until (all of
// them when until < 0) that were not committed by an earlier window
func (r *Recorder) commitLocked(session string, until int64) {
	var out []domain.Segment
	for _, seg := range r.pending {
		if seg.StartMs < r.committedUntil {
			continue
		}
		if until >= 0 && seg.StartMs >= until {
			continue
		}
		out = append(out, seg)
	}

	boundary := until
	if boundary < 0 {
		boundary = r.committedUntil
		for _, seg := range r.pending {
			if seg.EndMs > boundary {
				boundary = seg.EndMs
			}
		}
	}
	if boundary > r.committedUntil {
		r.committedUntil = boundary
	}

	text := joinText(out)
	if text == "" {
		return
	}
	r.committed = append(r.committed, text)
	r.appendTranscript(text)

	r.publisher.Publish(events.Event{
		Kind:     events.LiveCommitted,
		TaskID:   session,
		Text:     text,
		Segments: out,
		StartMs:  out[0].StartMs,
		EndMs:    out[len(out)-1].EndMs,
	})
}

func (r *Recorder) appendTranscript(text string) {
	if r.cfg.TranscriptPath == "" {
		return
	}
	f, err := os.OpenFile(r.cfg.TranscriptPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logging.LogWarn("⚠️ Failed to open live transcript", zap.String("path", r.cfg.TranscriptPath), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text + "\n"); err != nil {
		logging.LogWarn("⚠️ Failed to write live transcript", zap.String("path", r.cfg.TranscriptPath), zap.Error(err))
	}
}

func joinText(segments []domain.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func durationSamples(d time.Duration) int64 {
	return int64(d) * asr.SampleRate / int64(time.Second)
}

func samplesToMs(n int64) int64 {
	return n * 1000 / asr.SampleRate
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}
