package netplay

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/blukai/netplay/internal/desync"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

type ServerConfig struct {
	// BufferSize is the pad buffer target every client keeps in the default
	// (distributed) input mode.
	BufferSize         uint32
	HostInputAuthority bool
	// AssignHostPad gives the host a pad slot on join like everybody else.
	AssignHostPad bool
	// StopOnDesync stops the game as soon as a desync is declared.
	StopOnDesync bool

	// SRAM is the settings region of the GameCube SRAM, sent to every
	// joining player.
	SRAM     []byte
	Settings protocol.NetSettings
	Games    GameLookup
	Storage  savesync.Storage
	// InitialRTC is the real time clock value a game starts with. Defaults
	// to the current unix time.
	InitialRTC func() uint64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BufferSize:    5,
		AssignHostPad: true,
		Settings:      protocol.DefaultNetSettings(),
	}
}

type command struct {
	fn    func() error
	errCh chan error
}

type Server struct {
	logger *log.Logger
	host   *transport.Host
	ui     ServerUI
	config ServerConfig
	roomID uuid.UUID

	commands transport.Queue[command]
	// outbox holds packets for every player, queued off the service
	// goroutine.
	outbox transport.Queue[[]byte]
	done   chan struct{}

	mu    sync.RWMutex
	notes notes

	players            *session.Registry
	mapper             *padmap.Mapper
	state              State
	selectedGame       string
	settings           protocol.NetSettings
	bufferSize         uint32
	hostInputAuthority bool
	currentGame        uint32

	firstPadReceived [protocol.MaxPads]bool
	lastPadStatus    [protocol.MaxPads]protocol.PadStatus

	detector *desync.Detector
	saveSync savesync.Tracker

	pingKey  uint32
	pingSent time.Time
}

func NewServer(address string, config ServerConfig, ui ServerUI, logger *log.Logger) (*Server, error) {
	logger = silence(logger)
	if ui == nil {
		ui = NopServerUI{}
	}
	if config.Games == nil {
		config.Games = GameMap{}
	}
	if config.Storage == nil {
		config.Storage = savesync.NewMemStorage()
	}
	if config.InitialRTC == nil {
		config.InitialRTC = func() uint64 { return uint64(time.Now().Unix()) }
	}

	s := &Server{
		logger: logger,
		ui:     ui,
		config: config,
		roomID: uuid.New(),
		done:   make(chan struct{}),

		players:            session.NewRegistry(),
		mapper:             padmap.New(),
		state:              StateLobby,
		settings:           config.Settings,
		bufferSize:         config.BufferSize,
		hostInputAuthority: config.HostInputAuthority,
		detector:           desync.New(),
	}

	host, err := transport.Listen(address, logger, transport.WithHandler(StatusPath, s.statusHandler()))
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}
	s.host = host

	return s, nil
}

// Addr can be useful to retrieve server's address when Server was constructed
// with ":0".
func (s *Server) Addr() net.Addr {
	return s.host.Addr()
}

func (s *Server) RoomID() uuid.UUID { return s.roomID }

// Run services the room until ctx is done. It closes the transport on return.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)

	stop := context.AfterFunc(ctx, s.host.Wakeup)
	defer stop()

	s.logger.Info().
		Str("room", s.roomID.String()).
		Msgf("serving on %s", s.host.Addr())

	for ctx.Err() == nil {
		ev, ok := s.host.Service(serviceTimeout)

		s.mu.Lock()
		if ok {
			s.handleEvent(ev)
		}
		for _, cmd := range s.commands.Drain() {
			cmd.errCh <- cmd.fn()
		}
		var outboxErr error
		for _, data := range s.outbox.Drain() {
			if err := s.sendToClients(data); err != nil {
				outboxErr = multierror.Append(outboxErr, err)
			}
		}
		if outboxErr != nil {
			s.logger.Error().Msgf("could not deliver queued messages: %v", outboxErr)
		}
		if time.Since(s.pingSent) >= pingInterval {
			s.sendPing()
		}
		pending := s.notes.take()
		s.mu.Unlock()

		pending.run()
	}

	for _, cmd := range s.commands.Drain() {
		cmd.errCh <- ErrClosed
	}
	return s.host.Close()
}

// call runs fn on the service goroutine and waits for its result.
func (s *Server) call(fn func() error) error {
	errCh := make(chan error, 1)
	s.commands.Push(command{fn: fn, errCh: errCh})
	s.host.Wakeup()

	select {
	case err := <-errCh:
		return err
	case <-s.done:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrClosed
		}
	}
}

// sendAsyncToClients queues data for every player. Safe from any goroutine.
func (s *Server) sendAsyncToClients(data []byte) {
	s.outbox.Push(data)
	s.host.Wakeup()
}

func (s *Server) send(p *session.Player, data []byte) error {
	s.logger.Debug().
		Int("pid", int(p.PID)).
		Str("msg", protocol.MessageID(data[0]).String()).
		Msg("send")

	return s.host.Send(p.Handle, data)
}

// sendToClients sends data to every player except the listed ones. The error
// aggregates every player the data could not be handed to.
func (s *Server) sendToClients(data []byte, except ...protocol.PlayerID) error {
	var errs error
	for _, p := range s.players.Players() {
		if slices.Contains(except, p.PID) {
			continue
		}
		if err := s.send(p, data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("player %d: %w", p.PID, err))
		}
	}
	return errs
}

// broadcast is sendToClients for callers nobody waits on; failures are
// logged.
func (s *Server) broadcast(data []byte, except ...protocol.PlayerID) {
	if err := s.sendToClients(data, except...); err != nil {
		s.logger.Error().
			Str("msg", protocol.MessageID(data[0]).String()).
			Msgf("could not reach every player: %v", err)
	}
}

func (s *Server) sendPing() {
	s.pingSent = time.Now()
	s.pingKey = uint32(s.pingSent.UnixMilli())

	w := protocol.NewMessage(protocol.MsgPing)
	w.WriteU32(s.pingKey)
	s.broadcast(w.Bytes())
}

func (s *Server) mappingMessage(kind padmap.Kind) []byte {
	w := protocol.NewMessage(kind.MessageID())
	mapping := s.mapper.Get(kind)
	mapping.Encode(w)
	return w.Bytes()
}

func (s *Server) padBufferMessage() []byte {
	w := protocol.NewMessage(protocol.MsgPadBuffer)
	w.WriteU32(s.bufferSize)
	return w.Bytes()
}

func (s *Server) hostInputAuthorityMessage() []byte {
	w := protocol.NewMessage(protocol.MsgHostInputAuthority)
	w.WriteBool(s.hostInputAuthority)
	return w.Bytes()
}

func (s *Server) notePlayersChanged() {
	s.notes.add(s.ui.OnPlayersChanged)
}

func (s *Server) noteChat(msg string) {
	s.notes.add(func() { s.ui.AppendChat(msg) })
}

// Getters. Safe from any goroutine.

func (s *Server) Players() []session.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players.Snapshot()
}

func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

func (s *Server) PadMapping() protocol.MappingArray {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper.Pads()
}

func (s *Server) WiimoteMapping() protocol.MappingArray {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper.Wiimotes()
}

func (s *Server) PadBufferSize() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bufferSize
}

func (s *Server) HostInputAuthority() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostInputAuthority
}

func (s *Server) SelectedGame() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedGame
}

func (s *Server) DoAllPlayersHaveIPLDump() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.players.Players() {
		if !p.HasIPLDump {
			return false
		}
	}
	return true
}
