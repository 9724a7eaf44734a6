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
	"bytes"
	"compress/zlib"
	"strings"

	"github.com/buzzcore/buzz/internal/domain"
)

// FavoriteMargin is how far below the best score a favourite language may
// be and still win detection
const FavoriteMargin = 0.05

// CompressionRatio is len(text) / len(zlib(text)); high values mean the
// decoder is repeating itself.
func CompressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write([]byte(text))
	_ = w.Close()
	return float64(len(text)) / float64(buf.Len())
}

// chooseLanguage prefers a favourite language whose probability is within
// FavoriteMargin of the detected one.
func chooseLanguage(detected string, probs map[string]float64, favorites []string) string {
	detected = normalizeLanguage(detected)
	if len(probs) == 0 || len(favorites) == 0 {
		return detected
	}

	best := probs[detected]
	for code, p := range probs {
		if p > best {
			best, detected = p, code
		}
	}

	choice, choiceP := detected, -1.0
	for _, fav := range favorites {
		fav = normalizeLanguage(fav)
		p, ok := probs[fav]
		if !ok || best-p > FavoriteMargin {
			continue
		}
		if p > choiceP {
			choice, choiceP = fav, p
		}
	}
	return choice
}

// normalizeLanguage maps names such as "english" to their code
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if domain.IsKnownLanguage(lang) {
		return lang
	}
	for code, name := range domain.Languages {
		if name == lang {
			return code
		}
	}
	return lang
}
