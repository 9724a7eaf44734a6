//go:build !whisper

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

	"github.com/buzzcore/buzz/internal/errs"
)

// WhisperCppAvailable reports whether the in-process engine is compiled in
const WhisperCppAvailable = false

// WhisperCppEngine stub when whisper is disabled
type WhisperCppEngine struct{}

// NewWhisperCppEngine creates a stub engine when whisper is disabled
func NewWhisperCppEngine(threads int) *WhisperCppEngine {
	return &WhisperCppEngine{}
}

// Name implements Engine
func (e *WhisperCppEngine) Name() string { return BackendWhisperCpp }

// Open stub implementation always fails
func (e *WhisperCppEngine) Open(ctx context.Context, model Model) (Decoder, error) {
	return nil, errs.New(errs.InferenceFailure, "whisper transcription disabled (build with -tags whisper to enable)")
}
