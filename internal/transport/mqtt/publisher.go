// SPDX-License-Identifier: MIT
// Package mqtt publishes note events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pitchscope/internal/config"
	"pitchscope/internal/log"
	"pitchscope/internal/transport"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 5 * time.Second
	disconnectMs   = 250
)

var (
	// ErrNotConnected is returned by Send while the client is reconnecting.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPublisherClosed is returned by Send after Close.
	ErrPublisherClosed = errors.New("mqtt: publisher closed")
)

// Publisher sends every event it is given to one topic as JSON. It never
// waits for broker acknowledgement; a publish that has already failed by
// the time Send returns is reported, anything later is only logged by paho.
type Publisher struct {
	client paho.Client
	topic  string
	qos    byte
	closed atomic.Bool
}

// NewPublisher connects to cfg.Broker and returns a publisher for cfg.Topic.
// The client reconnects on its own after the initial connection.
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid QoS %d", cfg.QoS)
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(paho.Client) {
		log.Infof("MQTT: Connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Warnf("MQTT: Connection to %s lost: %v", cfg.Broker, err)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt: connecting to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s: %w", cfg.Broker, err)
	}

	return newPublisherWithClient(client, cfg.Topic, cfg.QoS), nil
}

func newPublisherWithClient(client paho.Client, topic string, qos byte) *Publisher {
	return &Publisher{client: client, topic: topic, qos: qos}
}

// Topic returns the topic events are published to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Send publishes data as JSON.
func (p *Publisher) Send(data any) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("mqtt: marshal %T: %w", data, err)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// Close disconnects from the broker. Safe to call more than once.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.client.Disconnect(disconnectMs)
	log.Debugf("MQTT: Disconnected")
	return nil
}

var _ transport.Transport = (*Publisher)(nil)
