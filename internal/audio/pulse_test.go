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

package audio

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"

	"github.com/buzzcore/buzz/internal/errs"
)

func TestSelectDeviceFromListDefault(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-elgato", Description: "Elgato Wave 3 Mono", Available: true, Default: true},
		{ID: "alsa_input.pci-builtin", Description: "Built-in Audio", Available: true},
	}

	for _, input := range []string{"", "default", " Default "} {
		dev, err := selectDeviceFromList(devices, input)
		require.NoError(t, err)
		require.Equal(t, "alsa_input.usb-elgato", dev.ID)
	}
}

func TestSelectDeviceFromListByDescription(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-elgato", Description: "Elgato Wave 3 Mono", Available: true, Default: true},
		{ID: "alsa_input.pci-builtin", Description: "Built-in Audio", Available: true},
	}

	dev, err := selectDeviceFromList(devices, "built-in")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.pci-builtin", dev.ID)
}

func TestSelectDeviceFromListErrors(t *testing.T) {
	_, err := selectDeviceFromList(nil, "default")
	require.True(t, errs.Is(err, errs.NotFound))

	devices := []Device{
		{ID: "mic", Description: "USB Mic", Available: false, Default: true},
	}
	_, err = selectDeviceFromList(devices, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not match")

	_, err = selectDeviceFromList(devices, "usb")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not available")

	_, err = selectDeviceFromList([]Device{{ID: "mic", Available: true}}, "")
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestDeviceMatchesByIDAndDescription(t *testing.T) {
	dev := Device{ID: "alsa_input.usb-elgato", Description: "Elgato Wave 3 Mono"}
	require.True(t, deviceMatches(dev, "elgato"))
	require.True(t, deviceMatches(dev, "wave 3"))
	require.False(t, deviceMatches(dev, "missing"))
	require.False(t, deviceMatches(dev, ""))
}

func TestListDevicesFailsWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	_, err := ListDevices(context.Background())
	require.Error(t, err)

	source := &PulseSource{Input: "default"}
	_, err = source.Start(context.Background())
	require.Error(t, err)
	require.NoError(t, source.Stop())
}

func TestSourceStateString(t *testing.T) {
	require.Equal(t, "running", sourceStateString(0))
	require.Equal(t, "idle", sourceStateString(1))
	require.Equal(t, "suspended", sourceStateString(2))
	require.Equal(t, "unknown(99)", sourceStateString(99))
}

func TestSourceAvailableWithoutPorts(t *testing.T) {
	require.False(t, sourceAvailable(nil))
	require.True(t, sourceAvailable(&pulseproto.GetSourceInfoReply{}))
}

func TestInt16ToFloat32(t *testing.T) {
	b := make([]byte, 8)
	for i, v := range []int16{0, 16384, -32768, 32767} {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}

	got := int16ToFloat32(b)
	require.Len(t, got, 4)
	require.Equal(t, float32(0), got[0])
	require.Equal(t, float32(0.5), got[1])
	require.Equal(t, float32(-1), got[2])
	require.InDelta(t, 1.0, got[3], 1e-4)
}

func TestCaptureOnPCMChunkingAndStopFlushesPending(t *testing.T) {
	capture := &Capture{
		chunks: make(chan []float32, 8),
		stopCh: make(chan struct{}),
	}

	input := make([]byte, chunkSizeBytes+110)
	n, err := capture.onPCM(input)
	require.NoError(t, err)
	require.Equal(t, len(input), n)
	require.Equal(t, int64(len(input)/2), capture.SamplesCaptured())

	first := <-capture.Samples()
	require.Len(t, first, chunkSizeBytes/2)

	require.NoError(t, capture.Stop())

	remaining, ok := <-capture.Samples()
	require.True(t, ok)
	require.Len(t, remaining, 55)

	_, ok = <-capture.Samples()
	require.False(t, ok)

	// stopping twice is harmless
	require.NoError(t, capture.Stop())
}

func TestCaptureOnPCMReturnsEOFWhenStopped(t *testing.T) {
	capture := &Capture{
		chunks: make(chan []float32, 1),
		stopCh: make(chan struct{}),
	}
	close(capture.stopCh)

	n, err := capture.onPCM([]byte{1, 2, 3, 4})
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, int64(0), capture.SamplesCaptured())
}
