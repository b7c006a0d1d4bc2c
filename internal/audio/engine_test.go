// SPDX-License-Identifier: MIT
package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"pitchscope/internal/buffer"
	"pitchscope/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testFrameSize = 256

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingObserver struct {
	callbacks int
	errors    map[string]int
}

func (o *countingObserver) CaptureCallback() { o.callbacks++ }

func (o *countingObserver) DeviceError(kind string) {
	if o.errors == nil {
		o.errors = map[string]int{}
	}
	o.errors[kind]++
}

// fakeStream records lifecycle calls.
type fakeStream struct {
	stopped, closed int
	stopErr         error
}

func (s *fakeStream) Start() error { return nil }
func (s *fakeStream) Stop() error  { s.stopped++; return s.stopErr }
func (s *fakeStream) Close() error { s.closed++; return nil }
func (s *fakeStream) Info() StreamInfo {
	return StreamInfo{Backend: "fake", DeviceName: "fake", Channels: 1, SampleRate: 44100}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *buffer.Consumer[float32]) {
	t.Helper()

	producer, consumer := buffer.New[float32](buffer.WithMinBufferCapacity(testFrameSize * 4))
	cfg := config.NewConfig().Audio
	cfg.FramesPerBuffer = testFrameSize

	e, err := NewEngine(cfg, producer, opts...)
	require.NoError(t, err)
	return e, consumer
}

func TestProcessInputMono(t *testing.T) {
	observer := &countingObserver{}
	e, consumer := newTestEngine(t, WithObserver(observer))
	defer e.Close()

	e.processInput([]float32{0.1, 0.2, 0.3}, 1)

	got, err := consumer.Read(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got)
	assert.Equal(t, uint64(1), e.Callbacks())
	assert.Equal(t, 1, observer.callbacks)
}

func TestProcessInputKeepsFirstChannel(t *testing.T) {
	tests := []struct {
		name     string
		in       []float32
		channels int
		want     []float32
	}{
		{"Stereo", []float32{1, -1, 2, -2, 3, -3}, 2, []float32{1, 2, 3}},
		{"Four channels", []float32{1, 9, 9, 9, 2, 9, 9, 9}, 4, []float32{1, 2}},
		{"Trailing partial frame", []float32{1, 9, 2, 9, 3}, 2, []float32{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, consumer := newTestEngine(t)
			defer e.Close()

			e.processInput(tt.in, tt.channels)

			got, err := consumer.Read(len(tt.want))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Zero(t, consumer.Pending())
		})
	}
}

func TestProcessInputSplitsOversizedCallback(t *testing.T) {
	e, consumer := newTestEngine(t)
	defer e.Close()

	frames := 2*testFrameSize + 10
	in := make([]float32, frames*2)
	want := make([]float32, frames)
	for i := range frames {
		in[i*2] = float32(i)
		in[i*2+1] = -1
		want[i] = float32(i)
	}
	e.processInput(in, 2)

	// Nothing is cut from the middle of a callback.
	assert.Equal(t, 3, consumer.Pending())
	got, err := consumer.Read(frames)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(1), e.Callbacks())
}

func TestProcessInputDoesNotMutateSource(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	in := []float32{1, 2, 3, 4}
	e.processInput(in, 2)
	assert.Equal(t, []float32{1, 2, 3, 4}, in)
}

func TestProcessInputDropHotPathNoAllocs(t *testing.T) {
	producer, _ := buffer.New[float32](buffer.WithQueueCapacity(1), buffer.WithMinBufferCapacity(16))
	cfg := config.NewConfig().Audio
	cfg.FramesPerBuffer = testFrameSize
	e, err := NewEngine(cfg, producer)
	require.NoError(t, err)
	defer e.Close()

	in := make([]float32, testFrameSize*2)
	e.processInput(in, 2) // Fill the queue

	allocs := testing.AllocsPerRun(100, func() {
		e.processInput(in, 2)
	})
	if allocs > 0 {
		t.Errorf("Expected zero allocations with a full queue, got %.1f", allocs)
	}
	assert.Equal(t, uint64(101), e.Dropped())
}

func TestReportErrorNeverBlocks(t *testing.T) {
	observer := &countingObserver{}
	e, _ := newTestEngine(t, WithObserver(observer))
	defer e.Close()

	for range errorQueueSize + 10 {
		e.reportError("overflow", ErrInputOverflow)
	}

	assert.Len(t, e.Errors(), errorQueueSize)
	assert.Equal(t, errorQueueSize+10, observer.errors["overflow"])

	derr := <-e.Errors()
	assert.True(t, errors.Is(derr, ErrInputOverflow))
	assert.Equal(t, "overflow: audio: input overflow", derr.Error())
}

func TestMonitorErrorsStopsOnCancel(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.MonitorErrors(ctx)
	}()

	e.reportError("stopped", ErrDeviceStopped)
	require.Eventually(t, func() bool { return len(e.Errors()) == 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("MonitorErrors did not return")
	}
}

func TestCloseEndsStream(t *testing.T) {
	e, consumer := newTestEngine(t)
	s := &fakeStream{stopErr: errors.New("device busy")}
	e.stream = s

	e.processInput([]float32{1, 2}, 1)

	err := e.Close()
	assert.ErrorContains(t, err, "device busy")
	assert.Equal(t, err, e.Close(), "second Close returns the same result")
	assert.Equal(t, 1, s.stopped)
	assert.Equal(t, 1, s.closed)

	// Queued samples survive, then the consumer sees the end.
	got, err := consumer.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
	_, err = consumer.Read(1)
	assert.ErrorIs(t, err, buffer.ErrStreamEnded)

	assert.Error(t, e.Start(), "closed engine must not restart")
}

func TestStartUnknownBackend(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	e.config.Backend = "jack"
	assert.ErrorContains(t, e.Start(), "unknown backend")
}

func TestInfoBeforeStart(t *testing.T) {
	e, _ := newTestEngine(t)
	defer e.Close()

	assert.Equal(t, StreamInfo{}, e.Info())
	e.stream = &fakeStream{}
	assert.Equal(t, "fake", e.Info().Backend)
}

func TestNegotiateChannels(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		supported map[int]bool
		want      int
		wantErr   bool
	}{
		{"Mono supported", 2, map[int]bool{1: true, 2: true}, 1, false},
		{"Stereo only", 2, map[int]bool{2: true}, 2, false},
		{"Picks fewest", 8, map[int]bool{4: true, 6: true}, 4, false},
		{"Nothing supported", 2, map[int]bool{}, 0, true},
		{"No input channels", 0, map[int]bool{1: true}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := negotiateChannels(tt.max, func(ch int) bool { return tt.supported[ch] })
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoStreamConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewEngineRequiresProducer(t *testing.T) {
	_, err := NewEngine(config.NewConfig().Audio, nil)
	assert.Error(t, err)
}

func BenchmarkProcessInputStereo(b *testing.B) {
	producer, consumer := buffer.New[float32](buffer.WithMinBufferCapacity(testFrameSize))
	cfg := config.NewConfig().Audio
	cfg.FramesPerBuffer = testFrameSize
	e, err := NewEngine(cfg, producer)
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close()

	in := make([]float32, testFrameSize*2)
	window := make([]float32, testFrameSize)

	b.ReportAllocs()
	for b.Loop() {
		e.processInput(in, 2)
		if err := consumer.ReadInto(window); err != nil {
			b.Fatal(err)
		}
	}
}
