// SPDX-License-Identifier: MIT
package transport

import (
	"fmt"

	"pitchscope/internal/log"
)

// LoggingTransport implements the Transport interface by logging notes. It
// is the display in headless mode.
type LoggingTransport struct {
	logf func(format string, v ...any)
}

// NewLoggingTransport creates a new LoggingTransport instance.
func NewLoggingTransport() *LoggingTransport {
	log.Debugf("Transport: Using LoggingTransport")
	return &LoggingTransport{logf: log.Infof}
}

// Send logs the received data. NoteEvents get the display form, anything
// else is logged with its type.
func (lt *LoggingTransport) Send(data any) error {
	switch v := data.(type) {
	case NoteEvent:
		lt.logf("Note: %s (%s, %+.0f cents)", v.Display, v.Label, v.Cents)
	case fmt.Stringer:
		lt.logf("Note: %s", v)
	default:
		lt.logf("Transport: Received (%T): %+v", data, data)
	}
	return nil // Logging transport never fails to "send"
}

// Close is a no-op for LoggingTransport.
func (lt *LoggingTransport) Close() error {
	log.Debugf("Transport: LoggingTransport closed")
	return nil
}

// Ensure LoggingTransport satisfies the interface at compile time.
var _ Transport = (*LoggingTransport)(nil)
