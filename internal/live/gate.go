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

package live

import "math"

// minLevel keeps digital silence finite in decibels (-80 dBFS)
const minLevel = 1e-4

// noiseAlpha weights each new frame in the noise-floor average
const noiseAlpha = 0.2

// noiseGate learns the background level from the first samples of a
// session and rejects windows that do not rise clearly above it
type noiseGate struct {
	learnSamples int
	seen         int
	floor        float64
	learned      bool
	marginDB     float64
}

func newNoiseGate(learnSamples int, marginDB float64) *noiseGate {
	return &noiseGate{learnSamples: learnSamples, floor: minLevel, marginDB: marginDB}
}

// observe feeds captured samples into the floor estimate until enough
// have been seen
func (g *noiseGate) observe(chunk []float32) {
	if g.seen >= g.learnSamples || len(chunk) == 0 {
		return
	}
	if n := g.learnSamples - g.seen; len(chunk) > n {
		chunk = chunk[:n]
	}
	g.seen += len(chunk)

	level := rms(chunk)
	if !g.learned {
		g.floor = level
		g.learned = true
		return
	}
	g.floor = noiseAlpha*level + (1-noiseAlpha)*g.floor
}

// admit reports whether window is loud enough to transcribe
func (g *noiseGate) admit(window []float32) bool {
	return decibels(rms(window)) >= decibels(g.floor)+g.marginDB
}

func (g *noiseGate) floorDB() float64 {
	return decibels(g.floor)
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func decibels(level float64) float64 {
	return 20 * math.Log10(math.Max(level, minLevel))
}
