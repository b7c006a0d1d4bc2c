// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"testing"
	"time"

	"pitchscope/internal/analysis"
	"pitchscope/internal/buffer"
	"pitchscope/internal/pitch"
	"pitchscope/pkg/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Samples go in at the buffer and come out of a sink as NoteEvents.
func TestCaptureToSinkPipeline(t *testing.T) {
	const (
		window     = 4096
		sampleRate = 44100.0
	)

	producer, consumer := buffer.New[float32]()
	detector, err := pitch.NewDetector(window, sampleRate)
	require.NoError(t, err)
	sender, receiver := analysis.NewResults(analysis.DefaultResultCapacity)

	worker, err := analysis.NewWorker(analysis.Config{
		WindowSize: window,
		Range:      pitch.DefaultRange,
		SampleRate: sampleRate,
	}, consumer, detector, sender)
	require.NoError(t, err)

	sink := &utils.MockTransport{}
	fanout := NewFanout(receiver, uuid.New())
	fanout.AddSink("mock", sink)

	done := make(chan error, 1)
	go func() { done <- worker.Run() }()

	// Two windows of A2 in callback-sized chunks, one of silence, then a
	// tail too short to make a window.
	signal := append(utils.GenerateSineWave32(2*window, sampleRate, 110, 0.5), utils.GenerateSilence32(window)...)
	signal = append(signal, utils.GenerateSineWave32(window/2, sampleRate, 110, 0.5)...)
	for _, chunk := range utils.Chunk(signal, 512) {
		producer.Write(chunk)
	}
	producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fanout.Run(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, analysis.StreamEnded, worker.StopReason())

	sent := sink.Sent()
	require.Len(t, sent, 2)
	for i, payload := range sent {
		event := payload.(NoteEvent)
		assert.Equal(t, "A2", event.Label)
		assert.InDelta(t, 110, event.Frequency, 3)
		assert.Equal(t, uint64(i+1), event.Sequence)
		assert.False(t, event.Time.IsZero())
	}

	require.NoError(t, fanout.Shutdown())
	assert.True(t, sink.Closed())
}
