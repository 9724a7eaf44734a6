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

package models

import (
	"path/filepath"

	"github.com/buzzcore/buzz/internal/domain"
)

// Model families known to the registry
const (
	FamilyWhisper = "whisper" // ggml artifacts for whisper.cpp
	FamilyOpenAI  = "openai"  // remote API, no local artifact
)

const ggmlRevision = "bf8b606c2fcd9173605cdf6bd2ac8a75a8141b6c"

// Artifact describes where a model comes from and how to verify it
type Artifact struct {
	Key            domain.ModelRef
	URL            string
	ExpectedDigest string // hex sha256
	SizeBytes      int64  // 0 when unknown
	Remote         bool   // served by an API; nothing to download
	Description    string
}

// ggmlDigests pins the multilingual whisper.cpp models at ggmlRevision
var ggmlDigests = map[string]struct {
	digest string
	size   int64
}{
	"tiny":   {"be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21", 77691713},
	"base":   {"60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe", 147951465},
	"small":  {"1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b", 487601967},
	"medium": {"6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208", 1533763059},
	"large":  {"64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2", 3094623691},
}

var ggmlDescriptions = map[string]string{
	"tiny":   "Fastest, lowest accuracy (~75 MB)",
	"base":   "Fast with reasonable accuracy (~142 MB)",
	"small":  "Balanced speed and accuracy (~466 MB)",
	"medium": "High accuracy (~1.5 GB)",
	"large":  "Best accuracy, slowest (~2.9 GB)",
}

// DefaultCatalog returns the built-in model entries
func DefaultCatalog() []Artifact {
	var catalog []Artifact
	for _, size := range []string{"tiny", "base", "small", "medium", "large"} {
		pin := ggmlDigests[size]
		catalog = append(catalog, Artifact{
			Key:            domain.ModelRef{Family: FamilyWhisper, Size: size, Variant: domain.DefaultVariant},
			URL:            "https://huggingface.co/ggerganov/whisper.cpp/resolve/" + ggmlRevision + "/ggml-" + size + ".bin",
			ExpectedDigest: pin.digest,
			SizeBytes:      pin.size,
			Description:    ggmlDescriptions[size],
		})
	}
	catalog = append(catalog, Artifact{
		Key:         domain.ModelRef{Family: FamilyOpenAI, Size: "whisper-1", Variant: domain.DefaultVariant},
		Remote:      true,
		Description: "OpenAI-compatible transcription API",
	})
	return catalog
}

// LocalPath returns <root>/<family>/<size>/<variant>.bin
func LocalPath(modelsRoot string, key domain.ModelRef) string {
	return filepath.Join(modelsRoot, key.Family, key.Size, key.Variant+".bin")
}
