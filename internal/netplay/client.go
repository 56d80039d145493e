package netplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blukai/netplay/internal/inputbuffer"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
	"github.com/phuslu/log"
)

type ClientConfig struct {
	Name     string
	Revision string
	// BufferSize is the local pad buffer target until the server sends
	// its own.
	BufferSize uint32
	Games      GameLookup
	Storage    savesync.Storage
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:       "Player",
		Revision:   "dev",
		BufferSize: 1,
	}
}

// game is everything a client needs while a game runs. A new one is made for
// every START_GAME so late readers of a stopped game never see the next one.
type game struct {
	start GameStart
	// stop is closed when the game stops.
	stop     chan struct{}
	pads     *inputbuffer.Slots[protocol.PadStatus]
	wiimotes *inputbuffer.Slots[[]byte]
	// firstPad is closed once the server has input for that slot; only the
	// host waits on it, in host input authority mode.
	firstPad [protocol.MaxPads]chan struct{}
}

func newGame(start GameStart) *game {
	g := &game{
		start:    start,
		stop:     make(chan struct{}),
		pads:     inputbuffer.NewSlots[protocol.PadStatus](inputbuffer.DefaultCapacity),
		wiimotes: inputbuffer.NewSlots[[]byte](inputbuffer.DefaultCapacity),
	}
	for i := range g.firstPad {
		g.firstPad[i] = make(chan struct{})
	}
	return g
}

type Client struct {
	logger *log.Logger
	host   *transport.Host
	server transport.Handle
	ui     ClientUI
	config ClientConfig

	pid protocol.PlayerID

	outbox transport.Queue[[]byte]
	done   chan struct{}

	mu    sync.RWMutex
	notes notes

	players            *session.Registry
	pads               protocol.MappingArray
	wiimotes           protocol.MappingArray
	state              State
	selectedGame       string
	bufferSize         uint32
	hostInputAuthority bool
	sram               []byte
	game               *game

	receiver  *savesync.Receiver
	md5Cancel context.CancelFunc
}

// NewClient connects to the server at address and waits for the handshake
// reply. A rejection is returned as *ConnectionError.
func NewClient(ctx context.Context, address string, config ClientConfig, ui ClientUI, logger *log.Logger) (*Client, error) {
	logger = silence(logger)
	if ui == nil {
		ui = NopClientUI{}
	}
	if config.Games == nil {
		config.Games = GameMap{}
	}
	if config.Storage == nil {
		config.Storage = savesync.NewMemStorage()
	}

	hs := protocol.Handshake{
		Version:  protocol.Version,
		Revision: config.Revision,
		Name:     config.Name,
	}
	data, err := hs.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal handshake: %w", err)
	}

	host, server, err := transport.Dial(ctx, address, data, logger)
	if err != nil {
		return nil, err
	}

	pid, err := awaitHandshakeReply(ctx, host)
	if err != nil {
		host.Close()
		return nil, err
	}

	c := &Client{
		logger: logger,
		host:   host,
		server: server,
		ui:     ui,
		config: config,
		pid:    pid,
		done:   make(chan struct{}),

		players:    session.NewRegistry(),
		pads:       protocol.EmptyMapping(),
		wiimotes:   protocol.EmptyMapping(),
		state:      StateLobby,
		bufferSize: config.BufferSize,
		receiver:   savesync.NewReceiver(config.Storage),
	}

	// the server never announces a player to itself
	err = c.players.Add(&session.Player{
		PID:      pid,
		Name:     config.Name,
		Revision: config.Revision,
	})
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("could not add local player: %w", err)
	}

	logger.Info().
		Int("pid", int(pid)).
		Str("addr", address).
		Msg("connected")

	return c, nil
}

func awaitHandshakeReply(ctx context.Context, host *transport.Host) (protocol.PlayerID, error) {
	deadline := time.Now().Add(handshakeTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, errors.New("handshake timed out")
		}

		ev, ok := host.Service(min(remaining, serviceTimeout))
		if !ok {
			continue
		}

		switch ev.Type {
		case transport.EventDisconnect:
			return 0, ErrConnectionLost
		case transport.EventReceive:
			r := protocol.NewReader(ev.Data)
			code, err := r.ReadU8()
			if err != nil {
				return 0, fmt.Errorf("could not read handshake reply: %w", err)
			}
			if code != uint8(protocol.MsgConnected) {
				return 0, &ConnectionError{Code: protocol.ConnError(code)}
			}
			pid, err := r.ReadU8()
			if err != nil {
				return 0, fmt.Errorf("could not read player id: %w", err)
			}
			return protocol.PlayerID(pid), nil
		}
	}
}

// Run services the connection until ctx is done (nil) or the server goes
// away (ErrConnectionLost). It closes the transport on return.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	stop := context.AfterFunc(ctx, c.host.Wakeup)
	defer stop()

	var err error
	for ctx.Err() == nil && err == nil {
		ev, ok := c.host.Service(serviceTimeout)

		c.mu.Lock()
		if ok {
			err = c.handleEvent(ev)
		}
		if err == nil {
			for _, data := range c.outbox.Drain() {
				c.send(data)
			}
		}
		pending := c.notes.take()
		c.mu.Unlock()

		pending.run()
	}

	c.mu.Lock()
	c.cancelMD5()
	c.endGame()
	c.state = StateIdle
	c.mu.Unlock()

	if cerr := c.host.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) handleEvent(ev transport.Event) error {
	switch ev.Type {
	case transport.EventDisconnect:
		c.logger.Error().Msg("connection lost")
		c.notes.add(c.ui.OnConnectionLost)
		return ErrConnectionLost
	case transport.EventReceive:
		if err := c.onMessage(ev.Data); err != nil {
			c.logger.Error().Msgf("disconnecting: %v", err)
			c.host.Disconnect(c.server)
			return err
		}
	}
	return nil
}

// send writes to the server. Service goroutine only.
func (c *Client) send(data []byte) {
	c.logger.Debug().
		Str("msg", protocol.MessageID(data[0]).String()).
		Msg("send")

	if err := c.host.Send(c.server, data); err != nil {
		c.logger.Error().Msgf("could not send %s: %v", protocol.MessageID(data[0]), err)
	}
}

// sendAsync queues data for the server. Safe from any goroutine.
func (c *Client) sendAsync(data []byte) {
	c.outbox.Push(data)
	c.host.Wakeup()
}

// endGame stops whatever runs and releases its buffers. Consumers blocked on
// input get inputbuffer.ErrStopped.
func (c *Client) endGame() {
	if c.game != nil {
		close(c.game.stop)
		c.game = nil
	}
	if c.state == StateRunning || c.state == StateStopping {
		c.state = StateLobby
	}
}

// running returns the current game, or nil.
func (c *Client) running() *game {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.game
}

// GetNetPad returns the input for one in-game pad slot for the next frame.
// poll is asked for local input when the local player owns slot; it is given
// the local controller index. The call blocks until input for the slot is
// available, the game stops (inputbuffer.ErrStopped) or ctx is done. An
// unassigned slot reads as a disconnected pad.
func (c *Client) GetNetPad(ctx context.Context, slot int, poll func(localPad int) protocol.PadStatus) (protocol.PadStatus, error) {
	var zero protocol.PadStatus
	if slot < 0 || slot >= protocol.MaxPads {
		return zero, fmt.Errorf("%w: %d", padmap.ErrInvalidSlot, slot)
	}

	c.mu.RLock()
	g := c.game
	pads := c.pads
	target := int(c.bufferSize)
	hia := c.hostInputAuthority
	c.mu.RUnlock()

	if g == nil {
		return zero, ErrNotRunning
	}
	// nobody feeds an unassigned slot
	if pads[slot] == protocol.Unassigned {
		return zero, nil
	}

	buf := g.pads[slot]
	if local := padmap.LocalIndex(pads, c.pid, slot); local >= 0 {
		status := poll(local)
		if hia {
			// the server keeps the last status and hands it out on the
			// host's polls
			w := protocol.NewMessage(protocol.MsgPadData)
			protocol.WritePadSamples(w, protocol.PadSample{Slot: uint8(slot), Status: status})
			c.sendAsync(w.Bytes())
		} else {
			var samples []protocol.PadSample
			_, err := buf.TopUp(status, target, func(s protocol.PadStatus) {
				samples = append(samples, protocol.PadSample{Slot: uint8(slot), Status: s})
			})
			if len(samples) > 0 {
				w := protocol.NewMessage(protocol.MsgPadData)
				protocol.WritePadSamples(w, samples...)
				c.sendAsync(w.Bytes())
			}
			if err != nil {
				c.logger.Error().
					Int("slot", slot).
					Msgf("could not buffer local pad: %v", err)
			}
		}
	}

	if hia && c.pid == protocol.HostPID && buf.Len() == 0 {
		if err := c.pollHost(ctx, g, slot); err != nil {
			return zero, err
		}
	}

	return buf.Pop(ctx, g.stop)
}

// pollHost asks the server for the last known status of slot once the server
// has received any.
func (c *Client) pollHost(ctx context.Context, g *game, slot int) error {
	select {
	case <-g.firstPad[slot]:
	case <-g.stop:
		return inputbuffer.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	w := protocol.NewMessage(protocol.MsgPadHostPoll)
	w.WriteI8(int8(slot))
	c.sendAsync(w.Bytes())
	return nil
}

// GetWiimote returns the report for one in-game wiimote slot, buffering the
// same way pads do in the default input mode.
func (c *Client) GetWiimote(ctx context.Context, slot int, poll func(localWiimote int) []byte) ([]byte, error) {
	if slot < 0 || slot >= protocol.MaxPads {
		return nil, fmt.Errorf("%w: %d", padmap.ErrInvalidSlot, slot)
	}

	c.mu.RLock()
	g := c.game
	wiimotes := c.wiimotes
	target := int(c.bufferSize)
	c.mu.RUnlock()

	if g == nil {
		return nil, ErrNotRunning
	}
	if wiimotes[slot] == protocol.Unassigned {
		return nil, nil
	}

	buf := g.wiimotes[slot]
	if local := padmap.LocalIndex(wiimotes, c.pid, slot); local >= 0 {
		report := poll(local)
		_, err := buf.TopUp(report, target, func(data []byte) {
			w := protocol.NewMessage(protocol.MsgWiimoteData)
			w.WriteU8(uint8(slot))
			w.WriteBlock(data)
			c.sendAsync(w.Bytes())
		})
		if err != nil {
			c.logger.Error().
				Int("slot", slot).
				Msgf("could not buffer local wiimote: %v", err)
		}
	}

	return buf.Pop(ctx, g.stop)
}

// FirstPadReceived reports whether the server has announced input for slot
// in the running game.
func (c *Client) FirstPadReceived(slot int) bool {
	g := c.running()
	if g == nil || slot < 0 || slot >= protocol.MaxPads {
		return false
	}
	return closed(g.firstPad[slot])
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// SendTimebase reports the emulation state checksum for frame.
func (c *Client) SendTimebase(frame uint32, checksum uint64) {
	w := protocol.NewMessage(protocol.MsgTimebase)
	w.WriteU64(checksum)
	w.WriteU32(frame)
	c.sendAsync(w.Bytes())
}

func (c *Client) SendChat(msg string) {
	w := protocol.NewMessage(protocol.MsgChatMessage)
	w.WriteString(msg)
	c.sendAsync(w.Bytes())

	c.ui.AppendChat(fmt.Sprintf("%s[%d]: %s", c.config.Name, c.pid, msg))
}

// RequestStopGame asks the server to stop the game for everyone. The game
// keeps running until STOP_GAME arrives.
func (c *Client) RequestStopGame() error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.sendAsync(protocol.NewMessage(protocol.MsgStopGame).Bytes())
	return nil
}

// SetIPLStatus tells the server whether the local player has an IPL dump.
func (c *Client) SetIPLStatus(has bool) {
	w := protocol.NewMessage(protocol.MsgIPLStatus)
	w.WriteBool(has)
	c.sendAsync(w.Bytes())
}

// Getters. Safe from any goroutine.

func (c *Client) ID() protocol.PlayerID { return c.pid }

func (c *Client) IsHost() bool { return c.pid == protocol.HostPID }

func (c *Client) Players() []session.Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.players.Snapshot()
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsRunning() bool {
	return c.running() != nil
}

func (c *Client) PadMapping() protocol.MappingArray {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pads
}

func (c *Client) WiimoteMapping() protocol.MappingArray {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wiimotes
}

func (c *Client) PadBufferSize() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bufferSize
}

func (c *Client) HostInputAuthority() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostInputAuthority
}

func (c *Client) SelectedGame() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selectedGame
}

// SRAM is the settings region the server sent on join.
func (c *Client) SRAM() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sram
}

// CurrentGame is the start of the running game, if any.
func (c *Client) CurrentGame() (GameStart, bool) {
	g := c.running()
	if g == nil {
		return GameStart{}, false
	}
	return g.start, true
}

// LocalPads returns the in-game pad slots the local player owns.
func (c *Client) LocalPads() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return padmap.Slots(c.pads, c.pid)
}
