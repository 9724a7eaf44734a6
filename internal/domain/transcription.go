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

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/buzzcore/buzz/internal/errs"
)

// Status is the lifecycle state of a transcription
type Status string

const (
	StatusQueued       Status = "queued"
	StatusLoadingModel Status = "loading-model"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusLoadingModel, StatusProcessing,
		StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Re-asserting a non-terminal status is a no-op and allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusQueued:
		return next == StatusLoadingModel || next == StatusFailed || next == StatusCanceled
	case StatusLoadingModel:
		return next == StatusProcessing || next == StatusFailed || next == StatusCanceled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCanceled
	}
	return false
}

// SourceKind describes where a transcription's input came from
type SourceKind string

const (
	SourceFile        SourceKind = "file"
	SourceURL         SourceKind = "url"
	SourceFolderWatch SourceKind = "folder-watch"
	SourceRecording   SourceKind = "recording"
)

// IsValid reports whether k is a known source kind
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceFile, SourceURL, SourceFolderWatch, SourceRecording:
		return true
	}
	return false
}

// Task selects between same-language transcription and translation to English
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// IsValid reports whether t is a known task
func (t Task) IsValid() bool {
	return t == TaskTranscribe || t == TaskTranslate
}

// DefaultVariant is used when a model reference omits its variant
const DefaultVariant = "multilingual"

// ModelRef identifies a model by family, size and variant
type ModelRef struct {
	Family  string `json:"family"`
	Size    string `json:"size"`
	Variant string `json:"variant"`
}

// String renders the reference as family:size:variant
func (m ModelRef) String() string {
	return m.Family + ":" + m.Size + ":" + m.Variant
}

// ParseModelRef parses "family:size[:variant]"
func ParseModelRef(s string) (ModelRef, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ModelRef{}, errs.Newf(errs.BadInput, "model %q must be family:size[:variant]", s)
	}
	ref := ModelRef{
		Family:  strings.ToLower(strings.TrimSpace(parts[0])),
		Size:    strings.ToLower(strings.TrimSpace(parts[1])),
		Variant: DefaultVariant,
	}
	if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
		ref.Variant = strings.ToLower(strings.TrimSpace(parts[2]))
	}
	if ref.Family == "" || ref.Size == "" {
		return ModelRef{}, errs.Newf(errs.BadInput, "model %q has an empty family or size", s)
	}
	return ref, nil
}

// LLMOptions configures the optional translation post-stage
type LLMOptions struct {
	Enabled bool   `json:"enabled"`
	ModelID string `json:"model_id"`
	Prompt  string `json:"prompt"`
}

// DefaultTemperatures is the fallback schedule tried per window
var DefaultTemperatures = []float64{0.0, 0.2, 0.4, 0.6, 0.8, 1.0}

// Transcription is one unit of transcription work and its outcome
type Transcription struct {
	ID                  string      `json:"id"`
	SourcePath          string      `json:"source_path"`
	SourceKind          SourceKind  `json:"source_kind"`
	Model               ModelRef    `json:"model_ref"`
	Language            string      `json:"language,omitempty"`
	Task                Task        `json:"task"`
	WordLevelTimings    bool        `json:"word_level_timings"`
	ExtractSpeech       bool        `json:"extract_speech"`
	TemperatureSchedule []float64   `json:"temperature_schedule"`
	InitialPrompt       string      `json:"initial_prompt,omitempty"`
	OutputDirectory     string      `json:"output_directory,omitempty"`
	ExportFormats       []string    `json:"export_formats,omitempty"`
	LLM                 *LLMOptions `json:"llm,omitempty"`
	Status              Status      `json:"status"`
	Progress            float64     `json:"progress"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	Notes               []string    `json:"notes,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
}

// IsValid checks the submitter-controlled fields
func (t *Transcription) IsValid() error {
	if strings.TrimSpace(t.SourcePath) == "" {
		return errs.New(errs.BadInput, "source path is required")
	}
	if !t.SourceKind.IsValid() {
		return errs.Newf(errs.BadInput, "unknown source kind %q", t.SourceKind)
	}
	if !t.Task.IsValid() {
		return errs.Newf(errs.BadInput, "unknown task %q", t.Task)
	}
	if t.Model.Family == "" || t.Model.Size == "" {
		return errs.New(errs.BadInput, "model reference is required")
	}
	if t.Language != "" && !IsKnownLanguage(t.Language) {
		return errs.Newf(errs.BadInput, "unknown language %q", t.Language)
	}
	if err := ValidateTemperatures(t.TemperatureSchedule); err != nil {
		return err
	}
	for _, f := range t.ExportFormats {
		if !IsExportFormat(f) {
			return errs.Newf(errs.BadInput, "unknown export format %q", f)
		}
	}
	if t.LLM != nil && t.LLM.Enabled && t.LLM.ModelID == "" {
		return errs.New(errs.BadInput, "llm model id is required when llm is enabled")
	}
	return nil
}

// ValidateTemperatures checks a temperature schedule is non-empty and within [0,1]
func ValidateTemperatures(schedule []float64) error {
	if len(schedule) == 0 {
		return errs.New(errs.BadInput, "temperature schedule must not be empty")
	}
	for _, v := range schedule {
		if v != v || v < 0 || v > 1 {
			return errs.Newf(errs.BadInput, "temperature %v outside [0,1]", v)
		}
	}
	return nil
}

// ParseTemperatures parses a comma-separated schedule such as "0,0.2,0.4"
func ParseTemperatures(s string) ([]float64, error) {
	var schedule []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(part, "%g", &v); err != nil {
			return nil, errs.Newf(errs.BadInput, "invalid temperature %q", part)
		}
		schedule = append(schedule, v)
	}
	if err := ValidateTemperatures(schedule); err != nil {
		return nil, err
	}
	return schedule, nil
}

// Export formats understood by the exporter
const (
	FormatTXT = "txt"
	FormatSRT = "srt"
	FormatVTT = "vtt"
)

// IsExportFormat reports whether f is a supported export format
func IsExportFormat(f string) bool {
	return f == FormatTXT || f == FormatSRT || f == FormatVTT
}

// Segment is a contiguous time-bounded piece of transcribed text
type Segment struct {
	TranscriptionID string  `json:"transcription_id,omitempty"`
	Ordinal         int     `json:"ordinal"`
	StartMs         int64   `json:"start_ms"`
	EndMs           int64   `json:"end_ms"`
	Text            string  `json:"text"`
	Translation     *string `json:"translation,omitempty"`
}

// IsValid checks the per-segment invariants
func (s Segment) IsValid() error {
	if s.StartMs < 0 || s.EndMs < s.StartMs {
		return errs.Newf(errs.BadInput, "segment %d has invalid bounds [%d, %d]", s.Ordinal, s.StartMs, s.EndMs)
	}
	if s.Text == "" && s.Translation == nil {
		return errs.Newf(errs.BadInput, "segment %d has no text", s.Ordinal)
	}
	return nil
}
