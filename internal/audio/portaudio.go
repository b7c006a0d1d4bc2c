// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"

	"pitchscope/internal/config"

	"github.com/gordonklaus/portaudio"
)

type paStream struct {
	stream *portaudio.Stream
	info   StreamInfo
}

// openPortAudio negotiates and opens a float32 capture stream on the
// configured PortAudio device. PortAudio must be initialised.
func openPortAudio(e *Engine) (stream, error) {
	device, err := InputDevice(e.config.InputDevice)
	if err != nil {
		return nil, err
	}

	latency := device.DefaultHighInputLatency
	if e.config.LowLatency {
		latency = device.DefaultLowInputLatency
	}

	frames := e.config.FramesPerBuffer
	if frames <= 0 {
		frames = portaudio.FramesPerBufferUnspecified
	}

	params := func(channels int) portaudio.StreamParameters {
		return portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   device,
				Channels: channels,
				Latency:  latency,
			},
			Output: portaudio.StreamDeviceParameters{
				Channels: 0, // No output device
				Device:   nil,
			},
			FramesPerBuffer: frames,
			SampleRate:      e.config.SampleRate,
		}
	}

	var channels int
	callback := func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			e.reportError("overflow", ErrInputOverflow)
		}
		e.processInput(in, channels)
	}

	channels, err = negotiateChannels(device.MaxInputChannels, func(ch int) bool {
		return paLibIsFormatSupported(params(ch), callback) == nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: device %q at %.0f Hz", err, device.Name, e.config.SampleRate)
	}

	s, err := portaudio.OpenStream(params(channels), callback)
	if err != nil {
		return nil, fmt.Errorf("audio: open PortAudio stream: %w", err)
	}

	return &paStream{
		stream: s,
		info: StreamInfo{
			Backend:    config.BackendPortAudio,
			DeviceName: device.Name,
			Channels:   channels,
			SampleRate: e.config.SampleRate,
			Latency:    latency,
		},
	}, nil
}

func (s *paStream) Start() error {
	return s.stream.Start()
}

func (s *paStream) Stop() error {
	return s.stream.Stop()
}

func (s *paStream) Close() error {
	return s.stream.Close()
}

func (s *paStream) Info() StreamInfo {
	return s.info
}
