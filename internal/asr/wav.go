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
	"encoding/binary"
)

// encodeWAV converts float32 samples to a 16-bit PCM mono WAV file
func encodeWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataSize)

	// WAV header
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))           // Subchunk1Size (16 for PCM)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // AudioFormat (1 = PCM)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // NumChannels (1 = mono)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))   // SampleRate
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // ByteRate
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))            // BlockAlign
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))           // BitsPerSample
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataSize))

	pcm := make([]byte, 2)
	for _, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(pcm, uint16(int16(s*32767)))
		buf.Write(pcm)
	}
	return buf.Bytes()
}
