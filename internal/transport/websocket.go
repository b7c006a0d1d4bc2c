// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pitchscope/internal/log"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	broadcastQueueSize = 256
	writeTimeout       = time.Second
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport: closed")

// WebSocketOption configures a WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

// WithMaxRate limits broadcasts to perSecond messages, with a burst of one.
// Messages over the limit are dropped. Zero means unlimited.
func WithMaxRate(perSecond float64) WebSocketOption {
	return func(wst *WebSocketTransport) {
		if perSecond > 0 {
			wst.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithHandler mounts h at pattern next to /ws, e.g. the metrics endpoint.
func WithHandler(pattern string, h http.Handler) WebSocketOption {
	return func(wst *WebSocketTransport) {
		wst.extra = append(wst.extra, route{pattern: pattern, handler: h})
	}
}

// WithClientObserver calls fn with the client count whenever it changes.
func WithClientObserver(fn func(clients int)) WebSocketOption {
	return func(wst *WebSocketTransport) {
		wst.onClients = fn
	}
}

type route struct {
	pattern string
	handler http.Handler
}

// WebSocketTransport implements the Transport interface for WebSocket
// connections. Every message is JSON encoded once and written to all
// connected clients on /ws.
type WebSocketTransport struct {
	upgrader  websocket.Upgrader
	limiter   *rate.Limiter
	extra     []route
	onClients func(int)

	clients   map[*websocket.Conn]bool
	clientsMu sync.Mutex

	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	listener net.Listener
	server   *http.Server
}

// NewWebSocketTransport starts serving on addr. Use ":0" for an ephemeral
// port and Addr to find it.
func NewWebSocketTransport(addr string, opts ...WebSocketOption) (*WebSocketTransport, error) {
	wst := &WebSocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local display clients come from anywhere
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(wst)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("WebSocketTransport: listen on %s: %w", addr, err)
	}
	wst.listener = listener

	wst.start()
	return wst, nil
}

// start begins the WebSocket server
func (wst *WebSocketTransport) start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wst.handleWebSocket)
	for _, r := range wst.extra {
		mux.Handle(r.pattern, r.handler)
	}

	wst.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wst.wg.Add(2)
	go func() {
		defer wst.wg.Done()
		log.Infof("WebSocketTransport: Starting WebSocket server on %s", wst.Addr())
		if err := wst.server.Serve(wst.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("WebSocketTransport: Server error: %v", err)
		}
	}()

	// Start broadcast handler
	go func() {
		defer wst.wg.Done()
		wst.handleBroadcasts()
	}()
}

// Addr returns the listening address.
func (wst *WebSocketTransport) Addr() string {
	return wst.listener.Addr().String()
}

// ClientCount returns the number of connected clients.
func (wst *WebSocketTransport) ClientCount() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocketTransport: Upgrade error: %v", err)
		return
	}

	wst.clientsMu.Lock()
	select {
	case <-wst.done:
		wst.clientsMu.Unlock()
		conn.Close()
		return
	default:
	}
	wst.clients[conn] = true
	count := len(wst.clients)
	wst.wg.Add(1)
	wst.clientsMu.Unlock()
	defer wst.wg.Done()

	log.Infof("WebSocketTransport: Client connected, total: %d", count)
	wst.notifyClients(count)

	// Clients only listen; the read loop exists to notice them leaving.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	wst.removeClient(conn)
}

func (wst *WebSocketTransport) removeClient(conn *websocket.Conn) {
	wst.clientsMu.Lock()
	if !wst.clients[conn] {
		wst.clientsMu.Unlock()
		return
	}
	delete(wst.clients, conn)
	count := len(wst.clients)
	wst.clientsMu.Unlock()

	conn.Close()
	log.Infof("WebSocketTransport: Client disconnected, total: %d", count)
	wst.notifyClients(count)
}

func (wst *WebSocketTransport) notifyClients(count int) {
	if wst.onClients != nil {
		wst.onClients(count)
	}
}

// handleBroadcasts sends messages to all connected clients
func (wst *WebSocketTransport) handleBroadcasts() {
	for {
		select {
		case <-wst.done:
			return
		case msg := <-wst.broadcast:
			wst.clientsMu.Lock()
			var failed []*websocket.Conn
			for client := range wst.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
					log.Warnf("WebSocketTransport: Error sending to client: %v", err)
					failed = append(failed, client)
				}
			}
			wst.clientsMu.Unlock()

			for _, client := range failed {
				wst.removeClient(client)
			}
		}
	}
}

// Send broadcasts data as JSON to all connected WebSocket clients. Messages
// over the rate limit, or sent while the queue is full, are dropped.
func (wst *WebSocketTransport) Send(data any) error {
	select {
	case <-wst.done:
		return ErrTransportClosed
	default:
	}

	if wst.limiter != nil && !wst.limiter.Allow() {
		return nil
	}

	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("WebSocketTransport: encode: %w", err)
	}

	select {
	case wst.broadcast <- msg:
	default:
		// Channel full, drop message
	}
	return nil
}

// Close shuts down the WebSocket server and disconnects every client.
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		log.Debugf("WebSocketTransport: Closing server")
		close(wst.done)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = wst.server.Shutdown(ctx)

		// Shutdown does not touch hijacked connections.
		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.Close()
		}
		wst.clientsMu.Unlock()

		wst.wg.Wait()
	})
	return err
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
