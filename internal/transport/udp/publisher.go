// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"pitchscope/internal/log"
	"pitchscope/internal/transport"
)

// DefaultInterval is used when NewUDPPublisher gets a non-positive interval.
const DefaultInterval = 33 * time.Millisecond // ~30Hz

// maxNameLen bounds the note name field.
const maxNameLen = 255

// packetSender is the subset of UDPSender the publisher needs.
type packetSender interface {
	Send(data []byte) error
	Close() error
}

// UDPPublisher keeps the most recent note it was sent and, at most once
// per interval, packs it into a binary packet and sends it over UDP. Notes
// arriving faster than the interval are coalesced to the latest one.
type UDPPublisher struct {
	sender   packetSender
	interval time.Duration

	latest  transport.NoteEvent
	pending bool
	noteMu  sync.Mutex

	ticker   *time.Ticker   // Ticker that triggers packet sending.
	doneChan chan struct{}  // Channel used to signal the publisher goroutine to stop.
	stopOnce sync.Once      // Ensures the stop logic runs only once per Start/Stop cycle.
	wg       sync.WaitGroup // Waits for the publisher goroutine to finish during Stop.
	mu       sync.Mutex     // Protects access to ticker and doneChan during Start/Stop.

	sequenceNum uint32 // Monotonically increasing sequence number for packets.

	packetBuffer *bytes.Buffer // Reusable buffer for constructing the binary packet.
}

// NewUDPPublisher creates a publisher sending through sender.
func NewUDPPublisher(interval time.Duration, sender *UDPSender) (*UDPPublisher, error) {
	if sender == nil {
		return nil, fmt.Errorf("UDPPublisher: UDP sender cannot be nil")
	}
	return newPublisher(interval, sender), nil
}

func newPublisher(interval time.Duration, sender packetSender) *UDPPublisher {
	if interval <= 0 {
		interval = DefaultInterval
		log.Warnf("UDPPublisher: Invalid interval provided, defaulting to %s", interval)
	}
	log.Infof("UDPPublisher: Initializing (Interval: %s)", interval)

	return &UDPPublisher{
		sender:       sender,
		interval:     interval,
		packetBuffer: new(bytes.Buffer),
	}
}

// Send records data as the note to publish on the next tick. Only
// transport.NoteEvent values are accepted.
func (p *UDPPublisher) Send(data any) error {
	event, ok := data.(transport.NoteEvent)
	if !ok {
		return fmt.Errorf("UDPPublisher: unsupported payload %T", data)
	}

	p.noteMu.Lock()
	p.latest = event
	p.pending = true
	p.noteMu.Unlock()
	return nil
}

// Start begins the periodic publishing process.
// It is safe to call Start multiple times; subsequent calls are no-ops if already started.
func (p *UDPPublisher) Start() {
	p.mu.Lock()
	if p.ticker != nil {
		p.mu.Unlock()
		log.Warnf("UDPPublisher: Start called but already running.")
		return
	}

	p.ticker = time.NewTicker(p.interval)
	p.doneChan = make(chan struct{})
	p.stopOnce = sync.Once{}

	// Local copies so the goroutine never reads p.ticker/p.doneChan.
	ticker := p.ticker
	doneChan := p.doneChan

	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Debugf("UDPPublisher: Publisher goroutine started (Interval: %s)", p.interval)
		for {
			select {
			case <-ticker.C:
				p.publishLatest()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop signals the publisher goroutine to terminate and waits for it to exit.
// It is safe to call Stop multiple times; subsequent calls are no-ops.
func (p *UDPPublisher) Stop() error {
	p.mu.Lock()
	if p.ticker == nil {
		p.mu.Unlock()
		return nil
	}

	p.stopOnce.Do(func() {
		close(p.doneChan)
		p.ticker.Stop()
		p.ticker = nil
	})

	p.mu.Unlock()

	p.wg.Wait()
	log.Debugf("UDPPublisher: Publisher goroutine finished.")
	return nil
}

// publishLatest sends the pending note, if any.
func (p *UDPPublisher) publishLatest() {
	p.noteMu.Lock()
	if !p.pending {
		p.noteMu.Unlock()
		return
	}
	event := p.latest
	p.pending = false
	p.noteMu.Unlock()

	p.sequenceNum++
	p.packetBuffer.Reset()
	if err := EncodePacket(p.packetBuffer, p.sequenceNum, event); err != nil {
		log.Errorf("UDPPublisher: Error packing note: %v", err)
		return
	}

	packetBytes := p.packetBuffer.Bytes()
	if err := p.sender.Send(packetBytes); err == nil {
		log.Debugf("UDPPublisher: Sent packet %d (%d bytes)", p.sequenceNum, len(packetBytes))
	}
}

/*
UDP Packet Structure (BigEndian)

+-----------------------------------------------------------------------------+
| Field             | Data Type      | Size (Bytes) | Description             |
|-------------------|----------------|--------------|-------------------------|
| Sequence Number   | uint32         | 4            | Monotonically increasing|
| Timestamp         | int64          | 8            | Nanoseconds since epoch |
| Frequency         | float32        | 4            | Detected Hz             |
| Note Frequency    | float32        | 4            | Nearest note Hz         |
| Cents             | float32        | 4            | Offset from the note    |
| Octave            | int8           | 1            |                         |
| Name Length       | uint8          | 1            | Bytes in Name (N)       |
| Name              | []byte         | N            | e.g. "C#"               |
+-----------------------------------------------------------------------------+
*/

// Packet is a decoded note packet.
type Packet struct {
	Sequence      uint32
	Timestamp     time.Time
	Frequency     float32
	NoteFrequency float32
	Cents         float32
	Octave        int8
	Name          string
}

type packetHeader struct {
	Sequence      uint32
	Timestamp     int64
	Frequency     float32
	NoteFrequency float32
	Cents         float32
	Octave        int8
	NameLen       uint8
}

// EncodePacket writes event as a note packet to w.
func EncodePacket(w io.Writer, sequence uint32, event transport.NoteEvent) error {
	if len(event.Name) > maxNameLen {
		return fmt.Errorf("note name too long (%d bytes)", len(event.Name))
	}
	if event.Octave < math.MinInt8 || event.Octave > math.MaxInt8 {
		return fmt.Errorf("octave %d out of range", event.Octave)
	}

	header := packetHeader{
		Sequence:      sequence,
		Timestamp:     event.Time.UnixNano(),
		Frequency:     float32(event.Frequency),
		NoteFrequency: float32(event.NoteFrequency),
		Cents:         float32(event.Cents),
		Octave:        int8(event.Octave),
		NameLen:       uint8(len(event.Name)),
	}
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return err
	}
	_, err := io.WriteString(w, event.Name)
	return err
}

// DecodePacket parses a note packet.
func DecodePacket(data []byte) (Packet, error) {
	r := bytes.NewReader(data)

	var header packetHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return Packet{}, fmt.Errorf("decode header: %w", err)
	}
	name := make([]byte, header.NameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Packet{}, fmt.Errorf("decode name: %w", err)
	}
	if r.Len() != 0 {
		return Packet{}, errors.New("decode: trailing bytes")
	}

	return Packet{
		Sequence:      header.Sequence,
		Timestamp:     time.Unix(0, header.Timestamp),
		Frequency:     header.Frequency,
		NoteFrequency: header.NoteFrequency,
		Cents:         header.Cents,
		Octave:        header.Octave,
		Name:          string(name),
	}, nil
}

// Close stops the publisher and closes its sender.
func (p *UDPPublisher) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.sender.Close()
}

// Ensure UDPPublisher satisfies the interface at compile time.
var _ transport.Transport = (*UDPPublisher)(nil)
