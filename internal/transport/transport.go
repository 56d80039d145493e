// Package transport delivers whole binary messages reliably and in order per
// peer, on top of websockets.
//
// A Host is driven by exactly one service goroutine: it alone calls Service,
// Send and Disconnect. Other goroutines that need something sent push onto a
// Queue and call Wakeup, which makes a pending Service return early.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blukai/netplay/internal/debug"
	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

const (
	MaxMessageSize = 32 << 20

	handshakeTimeout  = 5 * time.Second
	writeTimeout      = time.Second
	keepAliveInterval = 5 * time.Second
	peerTimeout       = 30 * time.Second
	eventQueueLength  = 1024
)

var ErrUnknownPeer = errors.New("unknown peer")

// Handle identifies a connection. Handles are plain values; the connection
// itself is owned by the Host.
type Handle uint64

func makeHandle(addr string) Handle {
	return Handle(xxhash.Sum64String(addr))
}

type EventType int

const (
	EventNone EventType = iota
	// EventConnect carries the first message the peer sent (its handshake).
	EventConnect
	EventReceive
	EventDisconnect
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventReceive:
		return "receive"
	case EventDisconnect:
		return "disconnect"
	}
	return "none"
}

type Event struct {
	Type EventType
	Peer Handle
	Addr string
	Data []byte
}

type peer struct {
	handle Handle
	addr   string
	conn   *websocket.Conn
}

type Host struct {
	logger *log.Logger

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	events chan Event
	wake   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.Mutex
	peers map[Handle]*peer
}

func newHost(logger *log.Logger) *Host {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Host{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			// peers are emulators, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events: make(chan Event, eventQueueLength),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		peers:  make(map[Handle]*peer),
	}
}

// Option customizes a listening Host.
type Option func(mux *http.ServeMux)

// WithHandler serves h on pattern next to the websocket endpoint, which owns
// every other path.
func WithHandler(pattern string, h http.Handler) Option {
	return func(mux *http.ServeMux) {
		mux.Handle(pattern, h)
	}
}

// Listen accepts peers on address. Each accepted peer must send its handshake
// as the first message; it's surfaced as EventConnect.
func Listen(address string, logger *log.Logger, opts ...Option) (*Host, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	h := newHost(logger)
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.handleUpgrade)
	for _, opt := range opts {
		opt(mux)
	}
	h.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: handshakeTimeout,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := h.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	return h, nil
}

// Dial connects to a listening Host and sends handshake as the first message.
// The returned handle refers to the remote host.
func Dial(ctx context.Context, address string, handshake []byte, logger *log.Logger) (*Host, Handle, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://"+address+"/", nil)
	if err != nil {
		return nil, 0, fmt.Errorf("could not dial %s: %w", address, err)
	}
	conn.SetReadLimit(MaxMessageSize)

	h := newHost(logger)

	err = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err == nil {
		err = conn.WriteMessage(websocket.BinaryMessage, handshake)
	}
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("could not send handshake: %w", err)
	}

	p := h.register(conn)
	debug.Assert(p != nil)
	go h.readLoop(p)

	return h, p.handle, nil
}

// Addr is the listening address, useful when Listen was given ":0".
func (h *Host) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *Host) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().
			Str("addr", r.RemoteAddr).
			Msgf("could not upgrade: %v", err)
		return
	}

	conn.SetReadLimit(MaxMessageSize)

	err = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err == nil {
		_, data, rerr := conn.ReadMessage()
		err = rerr
		if err == nil {
			p := h.register(conn)
			if p == nil {
				conn.Close()
				return
			}
			if !h.emit(Event{Type: EventConnect, Peer: p.handle, Addr: p.addr, Data: data}) {
				h.unregister(p)
				conn.Close()
				h.wg.Done()
				return
			}
			h.readLoop(p)
			return
		}
	}

	h.logger.Error().
		Str("addr", conn.RemoteAddr().String()).
		Msgf("could not read handshake: %v", err)
	conn.Close()
}

// register tracks conn and accounts for its reader in wg. It returns nil once
// the Host is closed.
func (h *Host) register(conn *websocket.Conn) *peer {
	addr := conn.RemoteAddr().String()

	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.closed:
		return nil
	default:
	}

	handle := makeHandle(addr)
	for {
		// a stale entry for a reused address can linger until its reader
		// notices the close
		if _, ok := h.peers[handle]; !ok {
			break
		}
		handle++
	}

	p := &peer{handle: handle, addr: addr, conn: conn}
	h.peers[handle] = p
	h.wg.Add(1)
	return p
}

func (h *Host) unregister(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.peers[p.handle]; ok && cur == p {
		delete(h.peers, p.handle)
		return true
	}
	return false
}

func (h *Host) lookup(handle Handle) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.peers[handle]
	return p, ok
}

func (h *Host) emit(ev Event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.closed:
		return false
	}
}

func (h *Host) readLoop(p *peer) {
	defer h.wg.Done()

	stopKeepAlive := make(chan struct{})
	defer close(stopKeepAlive)

	refresh := func() {
		_ = p.conn.SetReadDeadline(time.Now().Add(peerTimeout))
	}
	refresh()
	p.conn.SetPongHandler(func(string) error {
		refresh()
		return nil
	})

	go h.keepAlive(p, stopKeepAlive)

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().
					Str("addr", p.addr).
					Msgf("read failed: %v", err)
			}
			p.conn.Close()
			if h.unregister(p) {
				h.emit(Event{Type: EventDisconnect, Peer: p.handle, Addr: p.addr})
			}
			return
		}
		refresh()

		if !h.emit(Event{Type: EventReceive, Peer: p.handle, Addr: p.addr, Data: data}) {
			return
		}
	}
}

// keepAlive pings the peer periodically. WriteControl may be called
// concurrently with the service goroutine's writes.
func (h *Host) keepAlive(p *peer, stop <-chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-h.closed:
			return
		case <-ticker.C:
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			if err != nil {
				return
			}
		}
	}
}

// Service blocks for at most timeout waiting for a transport event. It returns
// false on timeout, on Wakeup and after Close.
func (h *Host) Service(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-h.events:
		return ev, true
	case <-h.wake:
		return Event{}, false
	case <-timer.C:
		return Event{}, false
	case <-h.closed:
		return Event{}, false
	}
}

// Wakeup makes a blocked (or the next) Service call return immediately. Safe to
// call from any goroutine.
func (h *Host) Wakeup() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Send delivers data to one peer. Service goroutine only.
func (h *Host) Send(handle Handle, data []byte) error {
	p, ok := h.lookup(handle)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, handle)
	}

	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("could not write to %s: %w", p.addr, err)
	}
	return nil
}

// Disconnect closes the connection to a peer after everything already sent.
// An EventDisconnect follows once the reader notices. Disconnecting an unknown
// or already disconnected peer is a no-op.
func (h *Host) Disconnect(handle Handle) {
	p, ok := h.lookup(handle)
	if !ok {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	p.conn.Close()
}

// PeerCount returns the number of live connections.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close tears down the listener and every connection and waits for the
// goroutines the Host started.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)

		if h.httpServer != nil {
			err = h.httpServer.Close()
		}

		h.mu.Lock()
		for _, p := range h.peers {
			p.conn.Close()
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
	return err
}
