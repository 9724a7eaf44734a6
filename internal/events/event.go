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

package events

import (
	"encoding/json"
	"time"

	"github.com/buzzcore/buzz/internal/domain"
)

// Kind names an event on the bus
type Kind string

const (
	TaskQueued           Kind = "task-queued"
	TaskStatusChanged    Kind = "task-status-changed"
	TaskProgress         Kind = "task-progress"
	TaskSegmentsAppended Kind = "task-segments-appended"
	TaskCompleted        Kind = "task-completed"
	TaskFailed           Kind = "task-failed"
	TaskCanceled         Kind = "task-canceled"
	LivePartial          Kind = "live-partial"
	LiveCommitted        Kind = "live-committed"
	DownloadProgress     Kind = "download-progress"
)

// IsTerminal reports whether the event ends a task's lifecycle
func (k Kind) IsTerminal() bool {
	return k == TaskCompleted || k == TaskFailed || k == TaskCanceled
}

// Droppable reports whether the event may be discarded under backpressure
func (k Kind) Droppable() bool {
	return k == TaskProgress || k == DownloadProgress || k == LivePartial
}

// Event is one lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// task-status-changed, terminal events
	Status domain.Status `json:"status,omitempty"`

	// task-progress
	Progress float64 `json:"progress,omitempty"`

	// task-segments-appended, task-completed, live-committed
	Segments []domain.Segment `json:"segments,omitempty"`

	// task-failed
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Stage     string `json:"stage,omitempty"`

	// task-completed
	OutputPaths []string `json:"output_paths,omitempty"`
	Notes       []string `json:"notes,omitempty"`

	// live-partial, live-committed
	Text    string `json:"text,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`

	// download-progress
	Model      string `json:"model,omitempty"`
	BytesDone  int64  `json:"bytes_done,omitempty"`
	BytesTotal int64  `json:"bytes_total,omitempty"`
}

// JSON serializes the event for external mirrors
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
