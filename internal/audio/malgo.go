// SPDX-License-Identifier: MIT
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"pitchscope/internal/config"
	"pitchscope/internal/log"

	"github.com/gen2brain/malgo"
)

type malgoStream struct {
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	info     StreamInfo
	stopping atomic.Bool
}

// openMalgo opens a float32 capture device through miniaudio. The device
// is opened with its native channel count and channel 0 is kept, so
// miniaudio never mixes channels down.
func openMalgo(e *Engine) (stream, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debugf("Engine: miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("audio: init miniaudio context: %w", err)
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("audio: enumerate capture devices: %w", err)
	}

	info, err := selectMalgoDevice(infos, e.config.InputDevice)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 0 // Native channel count
	deviceConfig.Capture.DeviceID = info.ID.Pointer()
	deviceConfig.SampleRate = uint32(e.config.SampleRate)
	if e.config.FramesPerBuffer > 0 {
		deviceConfig.PeriodSizeInFrames = uint32(e.config.FramesPerBuffer)
	}

	s := &malgoStream{ctx: ctx}

	// Set once the device is open, before it is started.
	var onData func(in []byte, frameCount uint32)

	onStop := func() {
		if !s.stopping.Load() {
			e.reportError("stopped", ErrDeviceStopped)
		}
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			onData(in, frameCount)
		},
		Stop: onStop,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("%w: %s: %w", ErrNoStreamConfig, info.Name(), err)
	}

	if device.CaptureFormat() != malgo.FormatF32 || device.SampleRate() != uint32(e.config.SampleRate) {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("%w: %s", ErrNoStreamConfig, info.Name())
	}
	channels := max(int(device.CaptureChannels()), 1)
	onData = newMalgoDataCallback(e, channels, max(int(deviceConfig.PeriodSizeInFrames), config.MaxBufferFrames))

	s.device = device
	s.info = StreamInfo{
		Backend:    config.BackendMalgo,
		DeviceName: info.Name(),
		Channels:   channels,
		SampleRate: e.config.SampleRate,
		Latency:    time.Duration(deviceConfig.PeriodSizeInFrames) * time.Second / time.Duration(deviceConfig.SampleRate),
	}
	return s, nil
}

// newMalgoDataCallback returns the capture callback for a device with the
// given channel count. Its decode buffer holds maxFrames frames and is
// allocated here; a longer callback is decoded in several passes.
func newMalgoDataCallback(e *Engine, channels, maxFrames int) func(in []byte, frameCount uint32) {
	samples := make([]float32, maxFrames*channels)

	return func(in []byte, frameCount uint32) {
		e.countCallback()

		n := min(int(frameCount)*channels, len(in)/4)
		n -= n % channels
		for start := 0; start < n; start += len(samples) {
			part := samples[:min(len(samples), n-start)]
			for i := range part {
				part[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[(start+i)*4:]))
			}
			e.writeFrames(part, channels)
		}
	}
}

// selectMalgoDevice picks the default capture device for MinDeviceID, the
// device at index id otherwise.
func selectMalgoDevice(infos []malgo.DeviceInfo, id int) (malgo.DeviceInfo, error) {
	if len(infos) == 0 {
		return malgo.DeviceInfo{}, ErrNoInputDevice
	}

	if id == config.MinDeviceID {
		for i := range infos {
			if infos[i].IsDefault == 1 {
				return infos[i], nil
			}
		}
		// No default found, use first device
		return infos[0], nil
	}

	if id < 0 || id >= len(infos) {
		return malgo.DeviceInfo{}, fmt.Errorf("invalid device ID: %d", id)
	}
	return infos[id], nil
}

func (s *malgoStream) Start() error {
	return s.device.Start()
}

func (s *malgoStream) Stop() error {
	s.stopping.Store(true)
	return s.device.Stop()
}

func (s *malgoStream) Close() error {
	s.stopping.Store(true)
	s.device.Uninit()
	err := s.ctx.Uninit()
	s.ctx.Free()
	return err
}

func (s *malgoStream) Info() StreamInfo {
	return s.info
}
