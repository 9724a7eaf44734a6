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
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

// Backend names accepted by SelectEngine
const (
	BackendAuto       = "auto"
	BackendWhisperCpp = "whispercpp"
	BackendCLI        = "cli"
	BackendOpenAI     = "openai"
)

// RemoteFamily is the model family served by the OpenAI-compatible API
const RemoteFamily = "openai"

// Engine loads decoders for one kind of model
type Engine interface {
	Name() string
	Open(ctx context.Context, model Model) (Decoder, error)
}

// EngineConfig selects and configures the local engine
type EngineConfig struct {
	Backend        string
	WhisperCLIPath string
	Threads        int
}

// SelectEngine returns the engine for local model files
func SelectEngine(cfg EngineConfig, remote Engine) (Engine, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendAuto:
		if WhisperCppAvailable {
			return NewWhisperCppEngine(cfg.Threads), nil
		}
		return NewCLIEngine(cfg.WhisperCLIPath, cfg.Threads), nil
	case BackendWhisperCpp:
		if !WhisperCppAvailable {
			return nil, errs.New(errs.BadInput, "whispercpp backend not compiled in (build with -tags whisper)")
		}
		return NewWhisperCppEngine(cfg.Threads), nil
	case BackendCLI:
		return NewCLIEngine(cfg.WhisperCLIPath, cfg.Threads), nil
	case BackendOpenAI:
		if remote == nil {
			return nil, errs.New(errs.BadInput, "openai backend needs an API client")
		}
		return remote, nil
	default:
		return nil, errs.Newf(errs.BadInput, "unknown ASR backend %q", cfg.Backend)
	}
}

const decoderCacheSize = 2

// Service implements Transcriber by routing each model to an engine and
// keeping recently used decoders loaded.
type Service struct {
	local  Engine
	remote Engine

	mu       sync.Mutex
	decoders *lru.Cache[string, *cachedDecoder]
}

type cachedDecoder struct {
	dec     Decoder
	refs    int
	evicted bool
}

// NewService routes the remote family to remote and everything else to local.
// Either engine may be nil.
func NewService(local, remote Engine) *Service {
	s := &Service{local: local, remote: remote}
	s.decoders, _ = lru.NewWithEvict[string, *cachedDecoder](decoderCacheSize, s.onEvict)
	return s
}

// Transcribe implements Transcriber
func (s *Service) Transcribe(ctx context.Context, model Model, pcm []float32, opts Options, progress ProgressSink) ([]domain.Segment, error) {
	dec, release, err := s.acquire(ctx, model)
	if err != nil {
		return nil, err
	}
	defer release()
	return Transcribe(ctx, dec, pcm, opts, progress)
}

// Close unloads every cached decoder not currently in use
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decoders.Purge()
}

func (s *Service) engineFor(ref domain.ModelRef) (Engine, error) {
	engine := s.local
	if ref.Family == RemoteFamily {
		engine = s.remote
	}
	if engine == nil {
		return nil, errs.Newf(errs.InferenceFailure, "no engine configured for model %s", ref)
	}
	return engine, nil
}

func (s *Service) acquire(ctx context.Context, model Model) (Decoder, func(), error) {
	engine, err := s.engineFor(model.Ref)
	if err != nil {
		return nil, nil, err
	}
	key := engine.Name() + "|" + model.Ref.String() + "|" + model.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.decoders.Get(key)
	if !ok {
		dec, err := engine.Open(ctx, model)
		if err != nil {
			return nil, nil, errs.Wrapf(errs.InferenceFailure, err, "load model %s", model.Ref)
		}
		logging.LogInfo("✅ Model loaded",
			zap.String("engine", engine.Name()),
			zap.String("model", model.Ref.String()))
		entry = &cachedDecoder{dec: dec}
		s.decoders.Add(key, entry)
	}
	entry.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			entry.refs--
			if entry.evicted && entry.refs == 0 {
				closeDecoder(entry.dec)
			}
		})
	}
	return entry.dec, release, nil
}

// onEvict runs with s.mu held
func (s *Service) onEvict(_ string, entry *cachedDecoder) {
	entry.evicted = true
	if entry.refs == 0 {
		closeDecoder(entry.dec)
	}
}

func closeDecoder(dec Decoder) {
	if err := dec.Close(); err != nil {
		logging.LogWarn("⚠️ Failed to unload model", zap.Error(err))
	}
}
