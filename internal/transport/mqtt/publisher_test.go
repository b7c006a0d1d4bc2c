// SPDX-License-Identifier: MIT
package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pitchscope/internal/config"
	"pitchscope/internal/transport"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(complete bool, err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the paho.Client methods the publisher uses.
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	open         bool
	token        *fakeToken
	messages     []published
	disconnected int
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return newFakeToken(true, nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
}

func TestPublisherSendPublishesJSON(t *testing.T) {
	client := &fakeClient{open: true}
	p := newPublisherWithClient(client, "pitchscope/notes", 1)

	event := transport.NoteEvent{Name: "A", Octave: 4, Label: "A4", Frequency: 440}
	require.NoError(t, p.Send(event))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "pitchscope/notes", msg.topic)
	assert.Equal(t, byte(1), msg.qos)

	var got transport.NoteEvent
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "A4", got.Label)
	assert.Equal(t, 440.0, got.Frequency)
}

func TestPublisherSendNotConnected(t *testing.T) {
	client := &fakeClient{open: false}
	p := newPublisherWithClient(client, "notes", 0)

	assert.ErrorIs(t, p.Send(transport.NoteEvent{}), ErrNotConnected)
	assert.Empty(t, client.messages)
}

func TestPublisherSendReportsCompletedFailure(t *testing.T) {
	boom := errors.New("broker rejected")
	client := &fakeClient{open: true, token: newFakeToken(true, boom)}
	p := newPublisherWithClient(client, "notes", 0)

	assert.ErrorIs(t, p.Send(transport.NoteEvent{}), boom)
}

func TestPublisherSendDoesNotWaitForAck(t *testing.T) {
	client := &fakeClient{open: true, token: newFakeToken(false, nil)}
	p := newPublisherWithClient(client, "notes", 2)

	assert.NoError(t, p.Send(transport.NoteEvent{}))
}

func TestPublisherSendUnmarshalable(t *testing.T) {
	client := &fakeClient{open: true}
	p := newPublisherWithClient(client, "notes", 0)

	assert.Error(t, p.Send(make(chan int)))
}

func TestPublisherClose(t *testing.T) {
	client := &fakeClient{open: true}
	p := newPublisherWithClient(client, "notes", 0)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, client.disconnected)
	assert.ErrorIs(t, p.Send(transport.NoteEvent{}), ErrPublisherClosed)
}

func TestNewPublisherValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MQTTConfig
	}{
		{"No broker", config.MQTTConfig{Topic: "notes"}},
		{"No topic", config.MQTTConfig{Broker: "tcp://localhost:1883"}},
		{"Bad QoS", config.MQTTConfig{Broker: "tcp://localhost:1883", Topic: "notes", QoS: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublisher(tt.cfg)
			assert.Error(t, err)
		})
	}
}
