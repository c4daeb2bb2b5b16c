// Package httpserver carries preview messages between the orchestrator and a
// browser or headless surface over a websocket.
package httpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-live-preview/internal/contracts"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when sending through a stopped server.
var ErrClosed = errors.New("preview server closed")

// PreviewServer serves the page shell, local assets and the websocket. One
// surface is connected at a time; a new connection replaces the old one.
type PreviewServer struct {
	addr  string
	shell string

	mu       sync.Mutex
	started  bool
	server   *http.Server
	listener net.Listener
	mux      *http.ServeMux

	onMessage func(contracts.Message)

	inbound    chan []byte
	outbound   chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopLoop   chan struct{}
	stopOnce   sync.Once

	upgrader websocket.Upgrader
}

// NewPreviewServer creates a server bound to addr. onMessage receives every
// valid surface message, in arrival order, on a single goroutine.
func NewPreviewServer(addr string, shell string, onMessage func(contracts.Message)) *PreviewServer {
	m := &PreviewServer{
		addr:      addr,
		shell:     shell,
		onMessage: onMessage,

		inbound:    make(chan []byte, 64),
		outbound:   make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopLoop:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	m.mux = http.NewServeMux()
	m.mux.HandleFunc("/", m.handleIndex)
	m.mux.HandleFunc("/ws", m.handleWS)
	m.mux.HandleFunc("/@mdfs/", m.handleAsset)

	go m.runLoop()
	go m.dispatchLoop()
	return m
}

// Handler exposes the routes, for embedding or tests.
func (m *PreviewServer) Handler() http.Handler {
	return m.mux
}

// Start listens on the configured address. Calling it again is a no-op.
func (m *PreviewServer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return err
	}
	m.listener = ln
	m.server = &http.Server{Handler: m.mux, ReadHeaderTimeout: 5 * time.Second}
	m.started = true

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[go-live-preview] preview server: %v", err)
		}
	}()
	return nil
}

// URL returns the browser URL for the preview server.
func (m *PreviewServer) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return "http://" + m.listener.Addr().String()
	}
	return "http://" + m.addr
}

// Send encodes msg and queues it for the connected surface. Messages sent
// while no surface is connected are dropped; a surface announces itself with
// "ready" and is brought up to date then.
func (m *PreviewServer) Send(msg contracts.Message) error {
	raw, err := contracts.Encode(contracts.ToSurface, msg)
	if err != nil {
		return err
	}
	select {
	case <-m.stopLoop:
		return ErrClosed
	default:
	}
	select {
	case m.outbound <- raw:
		return nil
	case <-m.stopLoop:
		return ErrClosed
	}
}

// Stop shuts down the HTTP server and the loops.
func (m *PreviewServer) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		server := m.server
		m.started = false
		m.server = nil
		m.listener = nil
		m.mu.Unlock()

		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = server.Shutdown(ctx)
		}
		close(m.stopLoop)
	})
	return err
}

// handleIndex serves the initial HTML shell.
func (m *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.shell))
}

// handleWS upgrades the connection and forwards surface frames to the loop.
func (m *PreviewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case m.register <- conn:
	case <-m.stopLoop:
		_ = conn.Close()
		return
	}
	defer func() {
		select {
		case m.unregister <- conn:
		case <-m.stopLoop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case m.inbound <- msg:
		case <-m.stopLoop:
			return
		}
	}
}

// handleAsset serves local markdown assets via encoded absolute paths.
func (m *PreviewServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/@mdfs/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	assetPath := filepath.Clean(string(decoded))
	if assetPath == "." || !filepath.IsAbs(assetPath) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(assetPath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, assetPath)
}

// runLoop serializes connection changes and websocket writes on a single
// goroutine.
func (m *PreviewServer) runLoop() {
	var conn *websocket.Conn

	for {
		select {
		case raw := <-m.outbound:
			if conn == nil {
				continue
			}
			if !writeRaw(conn, raw) {
				conn = nil
			}

		case c := <-m.register:
			if conn != nil {
				_ = conn.Close()
			}
			conn = c

		case c := <-m.unregister:
			if conn == c {
				_ = conn.Close()
				conn = nil
			}

		case <-m.stopLoop:
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
	}
}

// dispatchLoop validates surface frames and hands them to onMessage in order.
// It runs apart from runLoop so handlers may Send without blocking writes.
func (m *PreviewServer) dispatchLoop() {
	for {
		select {
		case raw := <-m.inbound:
			msg, err := contracts.Decode(contracts.ToOrchestrator, raw)
			if err != nil {
				log.Printf("[go-live-preview] preview server: drop inbound message: %v", err)
				continue
			}
			if m.onMessage != nil {
				m.onMessage(msg)
			}
		case <-m.stopLoop:
			return
		}
	}
}

// writeRaw writes a text frame and reports whether the connection is usable.
func writeRaw(conn *websocket.Conn, raw []byte) bool {
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
