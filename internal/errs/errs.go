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

// Package errs defines the stable error kinds surfaced by the transcription core.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it.
type Kind int

const (
	Internal Kind = iota
	BadInput
	NotFound
	StateConflict
	IntegrityFailure
	NetworkFailure
	DecodeFailure
	InferenceFailure
	Canceled
)

var kindCodes = map[Kind]string{
	Internal:         "internal",
	BadInput:         "bad_input",
	NotFound:         "not_found",
	StateConflict:    "state_conflict",
	IntegrityFailure: "integrity_failure",
	NetworkFailure:   "network_failure",
	DecodeFailure:    "decode_failure",
	InferenceFailure: "inference_failure",
	Canceled:         "canceled",
}

// String returns the stable code for the kind
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a code produced by Kind.String back to its kind
func ParseKind(code string) (Kind, bool) {
	for k, c := range kindCodes {
		if c == code {
			return k, true
		}
	}
	return Internal, false
}

// Error is a classified error with an optional wrapped cause
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, defaults to Kind.String()
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: kind.String(), Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: kind.String(), Message: message, Err: err}
}

// Wrapf classifies err with a formatted message
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	return Wrap(kind, err, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the outermost classified error in the chain.
// Context cancellation maps to Canceled; unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Internal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Exit codes used by the command-line interface
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitModel     = 10
	ExitDecode    = 11
	ExitInference = 12
	ExitCanceled  = 13
)

// Stage names the pipeline step an error came from
type Stage string

const (
	StageResolve    Stage = "resolve"
	StageDecode     Stage = "decode"
	StageTranscribe Stage = "transcribe"
	StageTranslate  Stage = "translate"
)

type stageError struct {
	stage Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// AtStage records the pipeline step that produced err. A nil err or an
// empty stage returns err unchanged.
func AtStage(stage Stage, err error) error {
	if err == nil || stage == "" {
		return err
	}
	return &stageError{stage: stage, err: err}
}

// StageOf returns the outermost stage recorded on err, or "" if none
func StageOf(err error) Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// ExitCode maps an error to the process exit status. A recorded stage
// decides the code; the kind is the fallback.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	kind := KindOf(err)
	if kind == Canceled {
		return ExitCanceled
	}
	switch StageOf(err) {
	case StageResolve:
		return ExitModel
	case StageDecode:
		return ExitDecode
	case StageTranscribe, StageTranslate:
		return ExitInference
	}
	switch kind {
	case BadInput:
		return ExitUsage
	case IntegrityFailure, NetworkFailure:
		return ExitModel
	case DecodeFailure:
		return ExitDecode
	case InferenceFailure:
		return ExitInference
	default:
		return ExitFailure
	}
}
