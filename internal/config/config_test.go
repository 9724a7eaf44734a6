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
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultValues(t *testing.T) {
	clearEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cache.Dir == "" {
		t.Error("Cache.Dir is empty, want the user cache directory")
	}
	if want := filepath.Join(cfg.Cache.Dir, "store.db"); cfg.Cache.DBPath != want {
		t.Errorf("Cache.DBPath = %q, want %q", cfg.Cache.DBPath, want)
	}
	if got := cfg.Scheduler.Workers; got < 1 || got > 4 {
		t.Errorf("Scheduler.Workers = %d, want within [1, 4]", got)
	}
	if cfg.Media.FFmpegPath != "ffmpeg" {
		t.Errorf("Media.FFmpegPath = %q, want %q", cfg.Media.FFmpegPath, "ffmpeg")
	}
	if cfg.Media.DecoderIdleTimeout != 120*time.Second {
		t.Errorf("Media.DecoderIdleTimeout = %v, want %v", cfg.Media.DecoderIdleTimeout, 120*time.Second)
	}
	if cfg.ASR.Backend != "auto" {
		t.Errorf("ASR.Backend = %q, want %q", cfg.ASR.Backend, "auto")
	}
	if cfg.Watch.Interval != 5*time.Second {
		t.Errorf("Watch.Interval = %v, want %v", cfg.Watch.Interval, 5*time.Second)
	}
	if cfg.Live.ChunkInterval != 10*time.Second {
		t.Errorf("Live.ChunkInterval = %v, want %v", cfg.Live.ChunkInterval, 10*time.Second)
	}
	if cfg.Live.WindowDuration != 30*time.Second {
		t.Errorf("Live.WindowDuration = %v, want %v", cfg.Live.WindowDuration, 30*time.Second)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS.URL = %q, want empty (disabled)", cfg.NATS.URL)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Cache directory override",
			envVars: map[string]string{
				"BUZZ_CACHE_DIR": "/var/cache/buzz",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Cache.Dir != "/var/cache/buzz" {
					t.Errorf("Cache.Dir = %q, want %q", cfg.Cache.Dir, "/var/cache/buzz")
				}
				if cfg.Cache.DBPath != "/var/cache/buzz/store.db" {
					t.Errorf("Cache.DBPath = %q, want %q", cfg.Cache.DBPath, "/var/cache/buzz/store.db")
				}
				if cfg.ModelsDir() != "/var/cache/buzz/models" {
					t.Errorf("ModelsDir() = %q, want %q", cfg.ModelsDir(), "/var/cache/buzz/models")
				}
			},
		},
		{
			name: "Favorite languages",
			envVars: map[string]string{
				"BUZZ_FAVORITE_LANGUAGES": " EN, fr ,,de",
			},
			validate: func(t *testing.T, cfg *Config) {
				want := []string{"en", "fr", "de"}
				if !reflect.DeepEqual(cfg.ASR.FavoriteLanguages, want) {
					t.Errorf("ASR.FavoriteLanguages = %v, want %v", cfg.ASR.FavoriteLanguages, want)
				}
			},
		},
		{
			name: "Scheduler and media",
			envVars: map[string]string{
				"BUZZ_WORKERS":              "3",
				"BUZZ_DECODER_IDLE_TIMEOUT": "45s",
				"BUZZ_SPEECH_NO_FALLBACK":   "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Scheduler.Workers != 3 {
					t.Errorf("Scheduler.Workers = %d, want %d", cfg.Scheduler.Workers, 3)
				}
				if cfg.Media.DecoderIdleTimeout != 45*time.Second {
					t.Errorf("Media.DecoderIdleTimeout = %v, want %v", cfg.Media.DecoderIdleTimeout, 45*time.Second)
				}
				if !cfg.Media.SpeechNoFallback {
					t.Error("Media.SpeechNoFallback = false, want true")
				}
			},
		},
		{
			name: "OpenAI key fallback",
			envVars: map[string]string{
				"OPENAI_API_KEY": "sk-test",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.LLM.APIKey != "sk-test" {
					t.Errorf("LLM.APIKey = %q, want %q", cfg.LLM.APIKey, "sk-test")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name          string
		envVars       map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name:          "Zero workers",
			envVars:       map[string]string{"BUZZ_WORKERS": "0"},
			expectError:   true,
			errorContains: "workers must be positive",
		},
		{
			name:          "Unknown backend",
			envVars:       map[string]string{"BUZZ_ASR_BACKEND": "vosk"},
			expectError:   true,
			errorContains: "unknown ASR backend",
		},
		{
			name: "Window shorter than chunk",
			envVars: map[string]string{
				"BUZZ_CHUNK_INTERVAL":  "20s",
				"BUZZ_WINDOW_DURATION": "10s",
			},
			expectError:   true,
			errorContains: "shorter than chunk interval",
		},
		{
			name:        "Valid configuration",
			envVars:     map[string]string{"BUZZ_ASR_BACKEND": "CLI"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			_, err := Load()

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultWorkers(t *testing.T) {
	if got := DefaultWorkers(); got < 1 || got > 4 {
		t.Errorf("DefaultWorkers() = %d, want within [1, 4]", got)
	}
}

// clearEnvVars blanks every variable Load reads for the duration of the test
func clearEnvVars(t *testing.T) {
	t.Helper()
	envVars := []string{
		"BUZZ_CACHE_DIR", "BUZZ_DB_PATH", "BUZZ_WORKERS",
		"BUZZ_FFMPEG_PATH", "BUZZ_DECODER_IDLE_TIMEOUT", "BUZZ_DEMUCS_PATH", "BUZZ_SPEECH_NO_FALLBACK",
		"BUZZ_ASR_BACKEND", "BUZZ_WHISPER_CLI", "BUZZ_FAVORITE_LANGUAGES", "BUZZ_THREADS",
		"BUZZ_OPENAI_BASE_URL", "BUZZ_OPENAI_API_KEY", "OPENAI_API_KEY", "BUZZ_LLM_TIMEOUT",
		"BUZZ_WATCH_INTERVAL", "BUZZ_WATCH_OUTPUT_DIR",
		"BUZZ_AUDIO_INPUT", "BUZZ_CHUNK_INTERVAL", "BUZZ_WINDOW_DURATION",
		"LOG_LEVEL", "LOG_FORMAT", "BUZZ_LOG_FILE",
		"BUZZ_NATS_URL", "BUZZ_NATS_SUBJECT", "BUZZ_NATS_MAX_RECONNECT", "BUZZ_NATS_RECONNECT_WAIT",
	}

	for _, envVar := range envVars {
		if _, ok := os.LookupEnv(envVar); ok {
			t.Setenv(envVar, "")
		}
	}
}
