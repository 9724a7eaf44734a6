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

// Package core wires the transcription components together from configuration.
package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/asr"
	"github.com/buzzcore/buzz/internal/config"
	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/live"
	"github.com/buzzcore/buzz/internal/logging"
	"github.com/buzzcore/buzz/internal/media"
	"github.com/buzzcore/buzz/internal/messaging"
	"github.com/buzzcore/buzz/internal/models"
	"github.com/buzzcore/buzz/internal/scheduler"
	"github.com/buzzcore/buzz/internal/storage"
	"github.com/buzzcore/buzz/internal/translate"
	"github.com/buzzcore/buzz/internal/watcher"
)

// CoreContext holds every long-lived component. It replaces process-wide
// singletons: everything is reached through it.
type CoreContext struct {
	Config *config.Config
	Clock  func() time.Time

	DB         *storage.Database
	Store      *storage.TranscriptionStore
	Bus        *events.Bus
	Registry   *models.Registry
	Loader     *media.Loader
	Extractor  *media.SpeechExtractor
	ASR        *asr.Service
	Translator *translate.Translator // nil without an LLM endpoint
	Scheduler  *scheduler.Scheduler
	NATS       *messaging.NATSService // nil unless configured

	mirror *events.Subscription
}

// New opens the store and builds every component. Nothing runs until
// StartScheduler is called.
func New(cfg *config.Config) (*CoreContext, error) {
	db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.Cache.DBPath})
	if err != nil {
		return nil, err
	}

	c := &CoreContext{
		Config: cfg,
		Clock:  time.Now,
		DB:     db,
		Bus:    events.NewBus(events.DefaultQueueSize),
	}
	c.Store = storage.NewTranscriptionStore(db, c.Bus)
	c.Registry = models.NewRegistry(cfg.ModelsDir(), models.WithPublisher(c.Bus))
	c.Loader = media.NewLoader(cfg.Media.FFmpegPath, media.WithIdleTimeout(cfg.Media.DecoderIdleTimeout))
	c.Extractor = media.NewSpeechExtractor(cfg.Media.DemucsPath, cfg.Media.FFmpegPath)

	var remote asr.Engine
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		client := translate.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Timeout)
		c.Translator = translate.New(client)
		remote = asr.NewOpenAIEngine(client)
	}
	local, err := asr.SelectEngine(asr.EngineConfig{
		Backend:        cfg.ASR.Backend,
		WhisperCLIPath: cfg.ASR.WhisperCLIPath,
		Threads:        cfg.ASR.Threads,
	}, remote)
	if err != nil {
		c.closeStorage()
		return nil, err
	}
	c.ASR = asr.NewService(local, remote)

	deps := scheduler.Deps{
		Store:       c.Store,
		Publisher:   c.Bus,
		Registry:    c.Registry,
		Loader:      c.Loader,
		Extractor:   c.Extractor,
		Transcriber: c.ASR,
		Now:         c.now,
	}
	if c.Translator != nil {
		deps.Translator = c.Translator
	}
	c.Scheduler = scheduler.New(scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		SpeechNoFallback:  cfg.Media.SpeechNoFallback,
		FavoriteLanguages: cfg.ASR.FavoriteLanguages,
	}, deps)

	if cfg.NATS.URL != "" {
		if err := c.connectNATS(); err != nil {
			// the mirror is optional; run without it
			logging.LogWarn("⚠️ NATS event mirror disabled", zap.Error(err))
		}
	}

	logging.LogInfo("🔧 Components configured",
		zap.String("cache_dir", cfg.Cache.Dir),
		zap.String("db_path", cfg.Cache.DBPath),
		zap.String("asr_engine", local.Name()),
		zap.Int("workers", cfg.Scheduler.Workers),
		zap.Bool("llm", c.Translator != nil),
		zap.Bool("nats", c.NATS != nil))
	return c, nil
}

func (c *CoreContext) now() time.Time {
	return c.Clock()
}

func (c *CoreContext) connectNATS() error {
	ns, err := messaging.NewNATSService(c.Config.NATS)
	if err != nil {
		return err
	}
	if err := ns.Connect(); err != nil {
		return err
	}
	c.NATS = ns
	c.mirror = ns.Mirror(c.Bus)
	return nil
}

// StartScheduler launches the workers and resumes work left by an earlier
// run. It returns how many tasks were resumed.
func (c *CoreContext) StartScheduler(ctx context.Context) (int, error) {
	c.Scheduler.Start()
	return c.Scheduler.Resume(ctx)
}

// NewWatcher creates a folder watcher feeding the scheduler
func (c *CoreContext) NewWatcher(dir string, template domain.Transcription) (*watcher.Watcher, error) {
	if template.OutputDirectory == "" {
		template.OutputDirectory = c.Config.Watch.OutputDir
	}
	return watcher.New(watcher.Config{
		InputDir: dir,
		Interval: c.Config.Watch.Interval,
		Template: template,
	}, c.Scheduler, c.Store)
}

// NewRecorder creates a live recorder publishing on the bus. Zero
// intervals in cfg fall back to the configured ones.
func (c *CoreContext) NewRecorder(cfg live.Config, source live.Source) *live.Recorder {
	if cfg.ChunkInterval == 0 {
		cfg.ChunkInterval = c.Config.Live.ChunkInterval
	}
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = c.Config.Live.WindowDuration
	}
	if len(cfg.Options.FavoriteLanguages) == 0 {
		cfg.Options.FavoriteLanguages = c.Config.ASR.FavoriteLanguages
	}
	return live.NewRecorder(cfg, source, c.ASR, c.Bus)
}

// Close stops the scheduler and releases every resource
func (c *CoreContext) Close(ctx context.Context) error {
	err := c.Scheduler.Shutdown(ctx)
	c.ASR.Close()
	if c.mirror != nil {
		c.mirror.Close()
	}
	if c.NATS != nil {
		c.NATS.Close()
	}
	c.closeStorage()
	return err
}

func (c *CoreContext) closeStorage() {
	c.Bus.Close()
	if err := c.DB.Close(); err != nil {
		logging.LogWarn("⚠️ Failed to close database", zap.Error(err))
	}
}
