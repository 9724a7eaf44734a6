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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the transcription core
type Config struct {
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Media     MediaConfig
	ASR       ASRConfig
	LLM       LLMConfig
	Watch     WatchConfig
	Live      LiveConfig
	Logging   LoggingConfig
	NATS      NATSConfig
}

// CacheConfig holds on-disk locations
type CacheConfig struct {
	Dir    string // root of models and the store
	DBPath string
}

// SchedulerConfig holds worker pool settings
type SchedulerConfig struct {
	Workers int
}

// MediaConfig holds external decoder and speech extraction settings
type MediaConfig struct {
	FFmpegPath         string
	DecoderIdleTimeout time.Duration // kill the decoder after this long without output
	DemucsPath         string
	SpeechNoFallback   bool
}

// ASRConfig holds Transcriber engine settings
type ASRConfig struct {
	Backend           string // "auto", "whispercpp", "cli", "openai"
	WhisperCLIPath    string
	FavoriteLanguages []string
	Threads           int
}

// LLMConfig holds the OpenAI-compatible endpoint used for translation and remote ASR
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// WatchConfig holds Folder Watcher settings
type WatchConfig struct {
	Interval  time.Duration
	OutputDir string
}

// LiveConfig holds Live Recorder settings
type LiveConfig struct {
	Input          string // capture device id or description, "default" for the system default
	ChunkInterval  time.Duration
	WindowDuration time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// NATSConfig holds the optional event mirror configuration. An empty URL disables it.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	cacheDir := getEnvString("BUZZ_CACHE_DIR", defaultCacheDir())

	config := &Config{
		Cache: CacheConfig{
			Dir:    cacheDir,
			DBPath: getEnvString("BUZZ_DB_PATH", filepath.Join(cacheDir, "store.db")),
		},
		Scheduler: SchedulerConfig{
			Workers: getEnvInt("BUZZ_WORKERS", DefaultWorkers()),
		},
		Media: MediaConfig{
			FFmpegPath:         getEnvString("BUZZ_FFMPEG_PATH", "ffmpeg"),
			DecoderIdleTimeout: getEnvDuration("BUZZ_DECODER_IDLE_TIMEOUT", 120*time.Second),
			DemucsPath:         getEnvString("BUZZ_DEMUCS_PATH", "demucs"),
			SpeechNoFallback:   getEnvBool("BUZZ_SPEECH_NO_FALLBACK", false),
		},
		ASR: ASRConfig{
			Backend:           strings.ToLower(getEnvString("BUZZ_ASR_BACKEND", "auto")),
			WhisperCLIPath:    getEnvString("BUZZ_WHISPER_CLI", "whisper-cli"),
			FavoriteLanguages: getEnvList("BUZZ_FAVORITE_LANGUAGES"),
			Threads:           getEnvInt("BUZZ_THREADS", 0),
		},
		LLM: LLMConfig{
			BaseURL: getEnvString("BUZZ_OPENAI_BASE_URL", ""),
			APIKey:  getEnvString("BUZZ_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Timeout: getEnvDuration("BUZZ_LLM_TIMEOUT", 60*time.Second),
		},
		Watch: WatchConfig{
			Interval:  getEnvDuration("BUZZ_WATCH_INTERVAL", 5*time.Second),
			OutputDir: getEnvString("BUZZ_WATCH_OUTPUT_DIR", ""),
		},
		Live: LiveConfig{
			Input:          getEnvString("BUZZ_AUDIO_INPUT", "default"),
			ChunkInterval:  getEnvDuration("BUZZ_CHUNK_INTERVAL", 10*time.Second),
			WindowDuration: getEnvDuration("BUZZ_WINDOW_DURATION", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
			File:   getEnvString("BUZZ_LOG_FILE", ""),
		},
		NATS: NATSConfig{
			URL:           getEnvString("BUZZ_NATS_URL", ""),
			Subject:       getEnvString("BUZZ_NATS_SUBJECT", "buzz.events"),
			MaxReconnect:  getEnvInt("BUZZ_NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("BUZZ_NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// DefaultWorkers is the number of cores clamped to [1, 4]
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}

// ModelsDir returns the root of the model artifact cache
func (c *Config) ModelsDir() string {
	return filepath.Join(c.Cache.Dir, "models")
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache directory must be provided")
	}

	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("workers must be positive: %d", c.Scheduler.Workers)
	}

	if c.Media.DecoderIdleTimeout <= 0 {
		return fmt.Errorf("decoder idle timeout must be positive: %s", c.Media.DecoderIdleTimeout)
	}

	switch c.ASR.Backend {
	case "auto", "whispercpp", "cli", "openai":
	default:
		return fmt.Errorf("unknown ASR backend: %q", c.ASR.Backend)
	}

	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch interval must be positive: %s", c.Watch.Interval)
	}

	if c.Live.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive: %s", c.Live.ChunkInterval)
	}

	if c.Live.WindowDuration < c.Live.ChunkInterval {
		return fmt.Errorf("window duration %s is shorter than chunk interval %s",
			c.Live.WindowDuration, c.Live.ChunkInterval)
	}

	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM timeout must be positive: %s", c.LLM.Timeout)
	}

	return nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "Buzz")
	}
	return filepath.Join(os.TempDir(), "Buzz")
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
