package netplay

import (
	"fmt"
	"time"

	"github.com/blukai/netplay/internal/desync"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
)

// onMessage handles one packet from a registered player. Any error it returns
// gets the player kicked.
func (s *Server) onMessage(p *session.Player, data []byte) error {
	r := protocol.NewReader(data)
	id, err := r.ReadMessageID()
	if err != nil {
		return violation("empty message")
	}

	s.logger.Debug().
		Int("pid", int(p.PID)).
		Str("msg", id.String()).
		Msg("recv")

	switch id {
	case protocol.MsgChatMessage:
		return s.onChat(p, r)
	case protocol.MsgPadData:
		return s.onPadData(p, r)
	case protocol.MsgPadHostPoll:
		return s.onPadHostPoll(p, r)
	case protocol.MsgWiimoteData:
		return s.onWiimoteData(p, r)
	case protocol.MsgPong:
		return s.onPong(p, r)
	case protocol.MsgStartGame:
		return s.onStartGameAck(p, r)
	case protocol.MsgStopGame:
		return s.onStopGameRequest(p)
	case protocol.MsgGameStatus:
		return s.onGameStatus(p, r)
	case protocol.MsgIPLStatus:
		return s.onIPLStatus(p, r)
	case protocol.MsgTimebase:
		return s.onTimebase(p, r)
	case protocol.MsgMD5Progress:
		return s.onMD5Progress(p, r)
	case protocol.MsgMD5Result, protocol.MsgMD5Error:
		return s.onMD5Outcome(p, id, r)
	case protocol.MsgSyncSaveData:
		return s.onSyncSaveData(p, r)
	default:
		return violation("unexpected message %s", id)
	}
}

func (s *Server) onChat(p *session.Player, r *protocol.Reader) error {
	msg, err := r.ReadString()
	if err != nil {
		return err
	}

	w := protocol.NewMessage(protocol.MsgChatMessage)
	w.WriteU8(uint8(p.PID))
	w.WriteString(msg)
	s.broadcast(w.Bytes(), p.PID)

	s.noteChat(fmt.Sprintf("%s[%d]: %s", p.Name, p.PID, msg))
	return nil
}

// stale reports whether input from p belongs to an earlier game.
func (s *Server) stale(p *session.Player) bool {
	return s.state != StateRunning || p.CurrentGame != s.currentGame
}

func (s *Server) onPadData(p *session.Player, r *protocol.Reader) error {
	samples, err := protocol.ReadPadSamples(r)
	if err != nil {
		return err
	}
	// late packets from the previous game are dropped before ownership is
	// checked, the mapping may have changed since
	if s.stale(p) {
		return nil
	}
	for _, sample := range samples {
		if err := padmap.CheckSlot(sample.Slot); err != nil {
			return violation("pad data: %v", err)
		}
		if !s.mapper.Owns(padmap.KindPad, p.PID, int(sample.Slot)) {
			return violation("pad data for slot %d not owned by %d", sample.Slot, p.PID)
		}
	}

	if len(samples) == 0 {
		return nil
	}

	if s.hostInputAuthority {
		for _, sample := range samples {
			s.lastPadStatus[sample.Slot] = sample.Status
			if !s.firstPadReceived[sample.Slot] {
				s.firstPadReceived[sample.Slot] = true
				s.sendFirstReceived(sample.Slot)
			}
		}
		return nil
	}

	w := protocol.NewMessage(protocol.MsgPadData)
	protocol.WritePadSamples(w, samples...)
	s.broadcast(w.Bytes(), p.PID)
	return nil
}

func (s *Server) sendFirstReceived(slot uint8) {
	host, ok := s.players.Get(protocol.HostPID)
	if !ok {
		return
	}
	w := protocol.NewMessage(protocol.MsgPadFirstReceived)
	w.WriteU8(slot)
	w.WriteBool(true)
	if err := s.send(host, w.Bytes()); err != nil {
		s.logger.Error().
			Int("slot", int(slot)).
			Msgf("could not signal host: %v", err)
	}
}

func (s *Server) onPadHostPoll(p *session.Player, r *protocol.Reader) error {
	slot, err := r.ReadI8()
	if err != nil {
		return err
	}
	if slot != protocol.AllSlots && (slot < 0 || int(slot) >= protocol.MaxPads) {
		return violation("pad host poll for slot %d", slot)
	}
	if p.PID != protocol.HostPID {
		s.logger.Error().
			Int("pid", int(p.PID)).
			Msg("ignoring pad host poll from non host")
		return nil
	}
	if s.stale(p) || !s.hostInputAuthority {
		return nil
	}

	var samples []protocol.PadSample
	pads := s.mapper.Pads()
	for i, owner := range pads {
		if owner == protocol.Unassigned || (slot != protocol.AllSlots && int(slot) != i) {
			continue
		}
		samples = append(samples, protocol.PadSample{Slot: uint8(i), Status: s.lastPadStatus[i]})
	}
	if len(samples) == 0 {
		return nil
	}

	w := protocol.NewMessage(protocol.MsgPadData)
	protocol.WritePadSamples(w, samples...)
	s.broadcast(w.Bytes())
	return nil
}

func (s *Server) onWiimoteData(p *session.Player, r *protocol.Reader) error {
	slot, err := r.ReadU8()
	if err != nil {
		return err
	}
	data, err := r.ReadBlock()
	if err != nil {
		return err
	}
	if s.stale(p) {
		return nil
	}
	if err := padmap.CheckSlot(slot); err != nil {
		return violation("wiimote data: %v", err)
	}
	if !s.mapper.Owns(padmap.KindWiimote, p.PID, int(slot)) {
		return violation("wiimote data for slot %d not owned by %d", slot, p.PID)
	}

	w := protocol.NewMessage(protocol.MsgWiimoteData)
	w.WriteU8(slot)
	w.WriteBlock(data)
	s.broadcast(w.Bytes(), p.PID)
	return nil
}

func (s *Server) onPong(p *session.Player, r *protocol.Reader) error {
	key, err := r.ReadU32()
	if err != nil {
		return err
	}
	if key == s.pingKey {
		p.Ping = uint32(time.Since(s.pingSent).Milliseconds())
	}

	w := protocol.NewMessage(protocol.MsgPlayerPingData)
	w.WriteU8(uint8(p.PID))
	w.WriteU32(p.Ping)
	s.broadcast(w.Bytes())

	s.notePlayersChanged()
	return nil
}

func (s *Server) onStartGameAck(p *session.Player, r *protocol.Reader) error {
	gameID, err := r.ReadU32()
	if err != nil {
		return err
	}
	p.CurrentGame = gameID
	return nil
}

func (s *Server) onStopGameRequest(p *session.Player) error {
	if s.state != StateRunning {
		return nil
	}
	s.logger.Info().
		Int("pid", int(p.PID)).
		Msg("player requested stop")

	s.stopGame()
	return nil
}

func (s *Server) onGameStatus(p *session.Player, r *protocol.Reader) error {
	status, err := r.ReadU32()
	if err != nil {
		return err
	}
	p.GameStatus = protocol.GameStatus(status)

	w := protocol.NewMessage(protocol.MsgGameStatus)
	w.WriteU8(uint8(p.PID))
	w.WriteU32(status)
	s.broadcast(w.Bytes())

	s.notePlayersChanged()
	return nil
}

func (s *Server) onIPLStatus(p *session.Player, r *protocol.Reader) error {
	has, err := r.ReadBool()
	if err != nil {
		return err
	}
	p.HasIPLDump = has
	return nil
}

func (s *Server) onTimebase(p *session.Player, r *protocol.Reader) error {
	checksum, err := r.ReadU64()
	if err != nil {
		return err
	}
	frame, err := r.ReadU32()
	if err != nil {
		return err
	}
	if s.state != StateRunning {
		return nil
	}

	if verdict, declared := s.detector.Report(p.PID, frame, checksum, s.players.Len()); declared {
		s.declareDesync(verdict)
	}
	return nil
}

func (s *Server) declareDesync(verdict desync.Verdict) {
	blamed := ""
	if verdict.Blamed != desync.NoBlame {
		if bp, ok := s.players.Get(protocol.PlayerID(verdict.Blamed)); ok {
			blamed = bp.Name
		}
	}
	s.logger.Info().
		Uint32("frame", verdict.Frame).
		Int("blamed", int(verdict.Blamed)).
		Msg("desync detected")

	w := protocol.NewMessage(protocol.MsgDesyncDetected)
	w.WriteI32(verdict.Blamed)
	w.WriteU32(verdict.Frame)
	s.broadcast(w.Bytes())

	s.notes.add(func() { s.ui.OnDesync(verdict.Frame, blamed) })

	if s.config.StopOnDesync {
		s.stopGame()
	}
}

func (s *Server) onMD5Progress(p *session.Player, r *protocol.Reader) error {
	progress, err := r.ReadI32()
	if err != nil {
		return err
	}

	w := protocol.NewMessage(protocol.MsgMD5Progress)
	w.WriteU8(uint8(p.PID))
	w.WriteI32(progress)
	s.broadcast(w.Bytes())
	return nil
}

func (s *Server) onMD5Outcome(p *session.Player, id protocol.MessageID, r *protocol.Reader) error {
	text, err := r.ReadString()
	if err != nil {
		return err
	}

	w := protocol.NewMessage(id)
	w.WriteU8(uint8(p.PID))
	w.WriteString(text)
	s.broadcast(w.Bytes())
	return nil
}

func (s *Server) onSyncSaveData(p *session.Player, r *protocol.Reader) error {
	sub, err := r.ReadU8()
	if err != nil {
		return err
	}

	switch protocol.SaveSyncID(sub) {
	case protocol.SaveSyncSuccess:
		if s.saveSync.Success(p.PID) {
			s.logger.Info().Msg("all players synchronized")
			s.noteChat("All players synchronized.")
			s.startGame()
		}
	case protocol.SaveSyncFailure:
		s.noteChat(fmt.Sprintf("%s failed to synchronize.", p.Name))
		if s.saveSync.Failure() {
			s.logger.Error().
				Int("pid", int(p.PID)).
				Msg("save data synchronization failed")
			s.state = StateLobby
			s.notes.add(s.ui.OnSaveDataSyncFailure)
		}
	default:
		return violation("unexpected save data sub id %d", sub)
	}
	return nil
}
