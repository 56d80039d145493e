package netplay

import (
	"fmt"

	"github.com/blukai/netplay/internal/debug"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
)

func (s *Server) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventConnect:
		s.onConnect(ev)
	case transport.EventDisconnect:
		if p, ok := s.players.ByHandle(ev.Peer); ok {
			s.removePlayer(p)
		}
	case transport.EventReceive:
		p, ok := s.players.ByHandle(ev.Peer)
		if !ok {
			// rejected or kicked peers can still have packets in flight
			return
		}
		if err := s.onMessage(p, ev.Data); err != nil {
			s.logger.Error().
				Int("pid", int(p.PID)).
				Str("addr", ev.Addr).
				Msgf("kicking player: %v", err)
			s.kick(p)
		}
	}
}

func (s *Server) reject(ev transport.Event, code protocol.ConnError) {
	s.logger.Info().
		Str("addr", ev.Addr).
		Msgf("rejecting connection: %s", code)

	_ = s.host.Send(ev.Peer, []byte{uint8(code)})
	s.host.Disconnect(ev.Peer)
}

func (s *Server) onConnect(ev transport.Event) {
	var hs protocol.Handshake
	if err := hs.UnmarshalBinary(ev.Data); err != nil {
		s.logger.Error().
			Str("addr", ev.Addr).
			Msgf("could not read handshake: %v", err)
		s.host.Disconnect(ev.Peer)
		return
	}

	if hs.Version != protocol.Version {
		s.reject(ev, protocol.ConnErrVersionMismatch)
		return
	}
	if s.state != StateLobby {
		s.reject(ev, protocol.ConnErrGameRunning)
		return
	}
	pid, err := s.players.NextPID()
	if err != nil {
		s.reject(ev, protocol.ConnErrServerFull)
		return
	}

	player := &session.Player{
		PID:      pid,
		Name:     hs.Name,
		Revision: hs.Revision,
		Handle:   ev.Peer,
	}

	// tell everyone else about the new player
	join := protocol.NewMessage(protocol.MsgPlayerJoin)
	writePlayerJoin(join, player)
	s.broadcast(join.Bytes())

	// and the new player about the room
	w := protocol.NewMessage(protocol.MsgConnected)
	w.WriteU8(uint8(pid))
	msgs := [][]byte{w.Bytes()}

	if s.selectedGame != "" {
		w = protocol.NewMessage(protocol.MsgChangeGame)
		w.WriteString(s.selectedGame)
		msgs = append(msgs, w.Bytes())
	}

	if !s.hostInputAuthority {
		w = protocol.NewMessage(protocol.MsgPadBuffer)
		w.WriteU32(s.bufferSize)
		msgs = append(msgs, w.Bytes())
	}

	w = protocol.NewMessage(protocol.MsgHostInputAuthority)
	w.WriteBool(s.hostInputAuthority)
	msgs = append(msgs, w.Bytes())

	w = protocol.NewMessage(protocol.MsgSyncGCSRAM)
	w.WriteBlock(s.config.SRAM)
	msgs = append(msgs, w.Bytes())

	for _, existing := range s.players.Players() {
		w = protocol.NewMessage(protocol.MsgPlayerJoin)
		writePlayerJoin(w, existing)
		msgs = append(msgs, w.Bytes())

		w = protocol.NewMessage(protocol.MsgGameStatus)
		w.WriteU8(uint8(existing.PID))
		w.WriteU32(uint32(existing.GameStatus))
		msgs = append(msgs, w.Bytes())
	}

	for _, msg := range msgs {
		if err := s.send(player, msg); err != nil {
			s.logger.Error().
				Str("addr", ev.Addr).
				Msgf("could not greet player: %v", err)
			s.host.Disconnect(ev.Peer)
			return
		}
	}

	err = s.players.Add(player)
	debug.Assertf(err == nil, "could not add player %d: %v", pid, err)

	if player.PID != protocol.HostPID || s.config.AssignHostPad {
		s.mapper.AssignFirstFree(player.PID)
	}
	s.broadcast(s.mappingMessage(padmap.KindPad))
	s.broadcast(s.mappingMessage(padmap.KindWiimote))

	s.logger.Info().
		Int("pid", int(pid)).
		Str("name", hs.Name).
		Str("revision", hs.Revision).
		Str("addr", ev.Addr).
		Msg("player joined")

	s.noteChat(fmt.Sprintf("%s joined", hs.Name))
	s.notePlayersChanged()
}

func writePlayerJoin(w *protocol.Writer, p *session.Player) {
	w.WriteU8(uint8(p.PID))
	w.WriteString(p.Name)
	w.WriteString(p.Revision)
}

// kick runs the disconnect cleanup right away and then drops the connection.
// The transport's own disconnect event that follows finds nothing to do.
func (s *Server) kick(p *session.Player) {
	s.removePlayer(p)
	s.host.Disconnect(p.Handle)
}

func (s *Server) removePlayer(p *session.Player) {
	if _, ok := s.players.Get(p.PID); !ok {
		return
	}

	if s.state == StateRunning && p.PID != protocol.HostPID && s.mapper.OwnsAny(p.PID) {
		s.logger.Info().
			Int("pid", int(p.PID)).
			Msg("controller owner left, disabling game")

		s.broadcast(protocol.NewMessage(protocol.MsgDisableGame).Bytes())
		s.endGame()
	}

	s.players.Remove(p.PID)
	// the leaver may have been the last report some frames waited for
	verdict, declared := s.detector.Forget(p.PID, s.players.Len())

	w := protocol.NewMessage(protocol.MsgPlayerLeave)
	w.WriteU8(uint8(p.PID))
	s.broadcast(w.Bytes())

	pads, wiimotes := s.mapper.ClearPlayer(p.PID)
	if pads {
		s.broadcast(s.mappingMessage(padmap.KindPad))
	}
	if wiimotes {
		s.broadcast(s.mappingMessage(padmap.KindWiimote))
	}

	if declared && s.state == StateRunning {
		s.declareDesync(verdict)
	}

	// the leaver may have been the last one the pending start waited for
	if s.saveSync.Leave(p.PID) {
		s.startGame()
	}

	s.logger.Info().
		Int("pid", int(p.PID)).
		Str("name", p.Name).
		Msg("player left")

	s.noteChat(fmt.Sprintf("%s left", p.Name))
	s.notePlayersChanged()
}

// KickPlayer disconnects a player through the regular disconnect path.
func (s *Server) KickPlayer(pid protocol.PlayerID) error {
	return s.call(func() error {
		p, ok := s.players.Get(pid)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownPlayer, pid)
		}
		s.kick(p)
		return nil
	})
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...))
}
