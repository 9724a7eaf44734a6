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

package export

import (
	"strconv"
	"strings"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
)

// ParseSRT reads cues produced by SRT back into segments
func ParseSRT(doc string) ([]domain.Segment, error) {
	return parseCues(doc, ",", true)
}

// ParseVTT reads cues produced by VTT back into segments
func ParseVTT(doc string) ([]domain.Segment, error) {
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	if !strings.HasPrefix(doc, "WEBVTT") {
		return nil, errs.New(errs.BadInput, "missing WEBVTT header")
	}
	if i := strings.Index(doc, "\n\n"); i >= 0 {
		doc = doc[i+2:]
	} else {
		doc = ""
	}
	return parseCues(doc, ".", false)
}

func parseCues(doc, sep string, numbered bool) ([]domain.Segment, error) {
	doc = strings.ReplaceAll(doc, "\r\n", "\n")
	var segments []domain.Segment
	for _, block := range strings.Split(doc, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		lines := strings.Split(strings.TrimLeft(block, "\n"), "\n")
		if numbered {
			if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
				return nil, errs.Newf(errs.BadInput, "cue %d: invalid sequence number %q", len(segments)+1, lines[0])
			}
			lines = lines[1:]
		}
		if len(lines) == 0 {
			return nil, errs.Newf(errs.BadInput, "cue %d: missing timing line", len(segments)+1)
		}
		start, end, err := parseTiming(lines[0], sep)
		if err != nil {
			return nil, errs.Wrapf(errs.BadInput, err, "cue %d", len(segments)+1)
		}
		segments = append(segments, domain.Segment{
			Ordinal: len(segments),
			StartMs: start,
			EndMs:   end,
			Text:    strings.Join(lines[1:], "\n"),
		})
	}
	return segments, nil
}

func parseTiming(line, sep string) (int64, int64, error) {
	from, to, ok := strings.Cut(line, " --> ")
	if !ok {
		return 0, 0, errs.Newf(errs.BadInput, "invalid timing line %q", line)
	}
	start, err := ParseTimestamp(strings.TrimSpace(from), sep)
	if err != nil {
		return 0, 0, err
	}
	// VTT cue settings may follow the end time
	if fields := strings.Fields(to); len(fields) > 0 {
		to = fields[0]
	}
	end, err := ParseTimestamp(to, sep)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseTimestamp parses HH:MM:SS<sep>mmm into milliseconds
func ParseTimestamp(s, sep string) (int64, error) {
	clock, millis, ok := strings.Cut(s, sep)
	if !ok {
		return 0, errs.Newf(errs.BadInput, "invalid timestamp %q", s)
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, errs.Newf(errs.BadInput, "invalid timestamp %q", s)
	}
	var values [4]int64
	for i, p := range append(parts, millis) {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, errs.Newf(errs.BadInput, "invalid timestamp %q", s)
		}
		values[i] = v
	}
	return values[0]*3_600_000 + values[1]*60_000 + values[2]*1_000 + values[3], nil
}
