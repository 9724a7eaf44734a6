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

// Package audio captures microphone PCM from PulseAudio for live transcription.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/buzzcore/buzz/internal/errs"
	"github.com/buzzcore/buzz/internal/logging"
)

const (
	// SampleRate is the capture rate expected by the transcriber
	SampleRate = 16000

	chunkSizeBytes = 3200 // 100ms @ 16kHz mono s16
	chunkBuffer    = 64
)

// Device is one PulseAudio input source
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("buzz"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "connect pulse server")
	}
	return client, nil
}

// ListDevices returns the available input sources
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read default source")
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "list sources")
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// SelectDevice resolves input ("" or "default" for the system default)
// against the live source list
func SelectDevice(ctx context.Context, input string) (Device, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Device{}, err
	}
	return selectDeviceFromList(devices, input)
}

func selectDeviceFromList(devices []Device, input string) (Device, error) {
	if len(devices) == 0 {
		return Device{}, errs.New(errs.NotFound, "no audio input devices found")
	}

	input = strings.TrimSpace(strings.ToLower(input))
	var chosen *Device
	for i := range devices {
		dev := &devices[i]
		if input == "" || input == "default" {
			if dev.Default {
				chosen = dev
				break
			}
			continue
		}
		if deviceMatches(*dev, input) {
			chosen = dev
			break
		}
	}

	switch {
	case chosen == nil && (input == "" || input == "default"):
		return Device{}, errs.New(errs.NotFound, "default audio source is unavailable")
	case chosen == nil:
		return Device{}, errs.Newf(errs.BadInput, "audio input %q did not match any device", input)
	case !chosen.Available:
		return Device{}, errs.Newf(errs.BadInput, "audio input %q is not available", chosen.ID)
	}
	if chosen.Muted {
		logging.LogWarn("⚠️ Selected audio input is muted", zap.String("device", chosen.ID))
	}
	return *chosen, nil
}

// deviceMatches reports whether term matches a device id or description
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	id := strings.ToLower(device.ID)
	desc := strings.ToLower(device.Description)
	return strings.Contains(id, term) || strings.Contains(desc, term)
}

// Capture streams mono float32 samples from one PulseAudio source
type Capture struct {
	device Device

	client *pulse.Client
	stream *pulse.RecordStream

	chunks chan []float32
	stopCh chan struct{}

	mu      sync.Mutex
	pending []byte
	stopped bool

	inflight sync.WaitGroup
	samples  atomic.Int64
}

// StartCapture opens a 16 kHz mono record stream on device. The stream
// stops when ctx is done or Stop is called.
func StartCapture(ctx context.Context, device Device) (*Capture, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(device.ID)
	if err != nil {
		client.Close()
		return nil, errs.Wrapf(errs.BadInput, err, "resolve source %q", device.ID)
	}

	capture := &Capture{
		device: device,
		client: client,
		chunks: make(chan []float32, chunkBuffer),
		stopCh: make(chan struct{}),
	}

	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(chunkSizeBytes),
		pulse.RecordMediaName("buzz live transcription"),
	)
	if err != nil {
		capture.Close()
		return nil, errs.Wrap(errs.Internal, err, "create pulse record stream")
	}

	capture.stream = stream
	stream.Start()
	logging.LogInfo("🎤 Audio capture started", zap.String("device", device.ID))

	go func() {
		select {
		case <-ctx.Done():
			_ = capture.Stop()
		case <-capture.stopCh:
		}
	}()

	return capture, nil
}

// Device returns the source being captured
func (c *Capture) Device() Device {
	return c.device
}

// Samples returns the captured audio in chunks. The channel is closed by Stop.
func (c *Capture) Samples() <-chan []float32 {
	return c.chunks
}

// SamplesCaptured reports the number of samples accepted from PulseAudio
func (c *Capture) SamplesCaptured() int64 {
	return c.samples.Load()
}

// Stop halts the stream, flushes residual samples and closes Samples once
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) >= 2 {
		select {
		case c.chunks <- int16ToFloat32(pending):
		default:
		}
	}

	close(c.chunks)
	logging.LogInfo("🛑 Audio capture stopped",
		zap.String("device", c.device.ID), zap.Int64("samples", c.samples.Load()))
	return nil
}

// Close is Stop without the error
func (c *Capture) Close() {
	_ = c.Stop()
}

// onPCM receives raw s16 frames and emits fixed-size float32 chunks
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	select {
	case <-c.stopCh:
		return 0, io.EOF
	default:
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	// Add under the same lock as stopped so Stop's Wait sees it
	c.inflight.Add(1)

	c.pending = append(c.pending, buffer...)
	chunks := make([][]float32, 0, len(c.pending)/chunkSizeBytes)
	for len(c.pending) >= chunkSizeBytes {
		chunks = append(chunks, int16ToFloat32(c.pending[:chunkSizeBytes]))
		c.pending = c.pending[chunkSizeBytes:]
	}
	c.mu.Unlock()
	defer c.inflight.Done()

	c.samples.Add(int64(len(buffer) / 2))

	for _, chunk := range chunks {
		select {
		case <-c.stopCh:
			return 0, io.EOF
		case c.chunks <- chunk:
		}
	}

	return len(buffer), nil
}

// int16ToFloat32 converts little-endian s16 PCM to float32 in [-1, 1)
func int16ToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(v) / -math.MinInt16
	}
	return out
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	if len(source.Ports) == 0 {
		return true
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio: unknown=0, no=1, yes=2
		return port.Available == 0 || port.Available == 2
	}
	return true
}

// PulseSource adapts capture to the live recorder's audio source
type PulseSource struct {
	Input string

	mu      sync.Mutex
	capture *Capture
}

// Start selects the configured device and begins capturing
func (p *PulseSource) Start(ctx context.Context) (<-chan []float32, error) {
	device, err := SelectDevice(ctx, p.Input)
	if err != nil {
		return nil, err
	}
	capture, err := StartCapture(ctx, device)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.capture = capture
	p.mu.Unlock()
	return capture.Samples(), nil
}

// Stop ends the capture started by Start
func (p *PulseSource) Stop() error {
	p.mu.Lock()
	capture := p.capture
	p.capture = nil
	p.mu.Unlock()
	if capture == nil {
		return nil
	}
	return capture.Stop()
}
