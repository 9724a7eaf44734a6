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

// Package export renders segment lists as txt, srt and vtt documents and
// parses srt and vtt back into segments.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buzzcore/buzz/internal/domain"
	"github.com/buzzcore/buzz/internal/errs"
)

// Render formats segments as the given format. With useTranslation set,
// segments that carry a translation are rendered with it instead of the text.
func Render(format string, segments []domain.Segment, useTranslation bool) (string, error) {
	switch format {
	case domain.FormatTXT:
		return TXT(segments, useTranslation), nil
	case domain.FormatSRT:
		return SRT(segments, useTranslation), nil
	case domain.FormatVTT:
		return VTT(segments, useTranslation), nil
	default:
		return "", errs.Newf(errs.BadInput, "unknown export format %q", format)
	}
}

// TXT joins segment text with single spaces and collapses repeated whitespace
func TXT(segments []domain.Segment, useTranslation bool) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, segmentText(seg, useTranslation))
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// SRT renders 1-based numbered cues with comma millisecond separators
func SRT(segments []domain.Segment, useTranslation bool) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, Timestamp(seg.StartMs, ","), Timestamp(seg.EndMs, ","), segmentText(seg, useTranslation))
	}
	return b.String()
}

// VTT renders a WEBVTT document with dot millisecond separators
func VTT(segments []domain.Segment, useTranslation bool) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			Timestamp(seg.StartMs, "."), Timestamp(seg.EndMs, "."), segmentText(seg, useTranslation))
	}
	return b.String()
}

// Timestamp formats milliseconds as HH:MM:SS<sep>mmm
func Timestamp(ms int64, sep string) string {
	if ms < 0 {
		ms = 0
	}
	hours := ms / 3_600_000
	ms -= hours * 3_600_000
	minutes := ms / 60_000
	ms -= minutes * 60_000
	seconds := ms / 1_000
	ms -= seconds * 1_000
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hours, minutes, seconds, sep, ms)
}

func segmentText(seg domain.Segment, useTranslation bool) string {
	if useTranslation && seg.Translation != nil {
		return *seg.Translation
	}
	return seg.Text
}

// FileName builds "<stem> (<task>d on <date>).<ext>" for an input path or URL
func FileName(source string, task domain.Task, at time.Time, format string) string {
	base := source
	if i := strings.IndexAny(base, "?#"); i >= 0 && strings.Contains(source, "://") {
		base = base[:i]
	}
	base = filepath.Base(strings.TrimRight(base, "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		stem = "recording"
	}
	return fmt.Sprintf("%s (%sd on %s).%s", stem, task, at.Format("02-Jan-2006 15-04-05"), format)
}

// OutputDir is the configured directory, or the input's directory when unset
func OutputDir(source, configured string) string {
	if configured != "" {
		return configured
	}
	if strings.Contains(source, "://") {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return filepath.Dir(source)
}

// WriteFiles renders every format next to the source (or into outputDir)
// and returns the written paths in format order.
func WriteFiles(source, outputDir string, task domain.Task, at time.Time, formats []string, segments []domain.Segment) ([]string, error) {
	dir := OutputDir(source, outputDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(errs.BadInput, err, "create output directory %s", dir)
	}

	// LLM translations, when present, replace the source text
	useTranslation := hasTranslations(segments)
	var written []string
	for _, format := range formats {
		body, err := Render(format, segments, useTranslation)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, FileName(source, task, at, format))
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return written, errs.Wrapf(errs.Internal, err, "write %s", path)
		}
		written = append(written, path)
	}
	return written, nil
}

func hasTranslations(segments []domain.Segment) bool {
	for _, seg := range segments {
		if seg.Translation != nil {
			return true
		}
	}
	return false
}
