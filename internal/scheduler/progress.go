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

package scheduler

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/events"
	"github.com/buzzcore/buzz/internal/logging"
)

type stage int

const (
	stageResolve stage = iota
	stageDecode
	stageTranscribe
	stageTranslate
	stageCount
)

var stageWeights = [stageCount]float64{0.10, 0.10, 0.70, 0.10}

const (
	// progress below this step is not persisted or published
	progressStep = 0.01

	// 1.0 is reserved for the completion itself
	maxRunningProgress = 0.99
)

// span is the slice of overall progress a stage covers
type span struct {
	start, width float64
}

// stageSpans lays out the present stages. A skipped stage's weight goes to
// the next present stage, or to the previous one when nothing follows.
func stageSpans(present [stageCount]bool) [stageCount]span {
	var widths [stageCount]float64
	carry := 0.0
	last := stage(-1)
	for s := stage(0); s < stageCount; s++ {
		if !present[s] {
			carry += stageWeights[s]
			continue
		}
		widths[s] = stageWeights[s] + carry
		carry = 0
		last = s
	}
	if last >= 0 {
		widths[last] += carry
	}

	var spans [stageCount]span
	pos := 0.0
	for s := stage(0); s < stageCount; s++ {
		spans[s] = span{start: pos, width: widths[s]}
		pos += widths[s]
	}
	return spans
}

// progressStore is the store operation the reporter needs
type progressStore interface {
	SetProgress(ctx context.Context, id string, value float64) (bool, error)
}

// progressReporter folds stage-local fractions into one monotonic value
// and fans it out to the store and the bus.
type progressReporter struct {
	ctx       context.Context
	taskID    string
	store     progressStore
	publisher Publisher
	spans     [stageCount]span

	mu        sync.Mutex
	published float64
}

func newProgressReporter(ctx context.Context, taskID string, store progressStore, publisher Publisher, present [stageCount]bool) *progressReporter {
	return &progressReporter{
		ctx:       ctx,
		taskID:    taskID,
		store:     store,
		publisher: publisher,
		spans:     stageSpans(present),
	}
}

// update reports fraction (0..1) of stage s as done
func (p *progressReporter) update(s stage, fraction float64) {
	if math.IsNaN(fraction) {
		return
	}
	fraction = math.Max(0, math.Min(1, fraction))
	value := p.spans[s].start + p.spans[s].width*fraction
	value = math.Min(value, maxRunningProgress)

	p.mu.Lock()
	defer p.mu.Unlock()
	if value < p.published+progressStep && !(fraction == 1 && value > p.published) {
		return
	}

	applied, err := p.store.SetProgress(p.ctx, p.taskID, value)
	if err != nil {
		logging.LogWarn("⚠️ Failed to persist progress", zap.String("task_id", p.taskID), zap.Error(err))
		return
	}
	if !applied {
		return
	}
	p.published = value
	p.publisher.Publish(events.Event{Kind: events.TaskProgress, TaskID: p.taskID, Progress: value})
}

// finish marks stage s complete
func (p *progressReporter) finish(s stage) {
	p.update(s, 1)
}

func (p *progressReporter) frames(s stage) func(done, total int64) {
	return func(done, total int64) {
		if total <= 0 {
			p.update(s, 1)
			return
		}
		p.update(s, float64(done)/float64(total))
	}
}
