package netplay

import (
	"fmt"
	"time"

	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/hashicorp/go-multierror"
)

// SetPadMapping replaces the whole pad mapping and broadcasts it.
func (s *Server) SetPadMapping(mapping protocol.MappingArray) error {
	return s.setMapping(padmap.KindPad, mapping)
}

// SetWiimoteMapping replaces the whole wiimote mapping and broadcasts it.
func (s *Server) SetWiimoteMapping(mapping protocol.MappingArray) error {
	return s.setMapping(padmap.KindWiimote, mapping)
}

func (s *Server) setMapping(kind padmap.Kind, mapping protocol.MappingArray) error {
	return s.call(func() error {
		if s.state != StateLobby {
			return ErrGameRunning
		}
		if err := s.mapper.Set(kind, mapping, s.players.Has); err != nil {
			return err
		}
		return s.sendToClients(s.mappingMessage(kind))
	})
}

// AdjustPadBufferSize changes the buffer target clients keep.
func (s *Server) AdjustPadBufferSize(size uint32) error {
	return s.call(func() error {
		s.bufferSize = size
		// clients don't buffer for each other in host input authority mode
		if s.hostInputAuthority {
			return nil
		}
		return s.sendToClients(s.padBufferMessage())
	})
}

func (s *Server) SetHostInputAuthority(enable bool) error {
	return s.call(func() error {
		if s.state != StateLobby {
			return ErrGameRunning
		}
		s.hostInputAuthority = enable
		errs := s.sendToClients(s.hostInputAuthorityMessage())
		if !enable {
			if err := s.sendToClients(s.padBufferMessage()); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs
	})
}

// SendChat sends a message from the server itself (player 0).
func (s *Server) SendChat(msg string) {
	w := protocol.NewMessage(protocol.MsgChatMessage)
	w.WriteU8(uint8(protocol.ServerPID))
	w.WriteString(msg)
	s.sendAsyncToClients(w.Bytes())
}

// ChangeGame selects the game the next start will use. A send error means the
// selection changed but some players were not told.
func (s *Server) ChangeGame(identifier string) error {
	return s.call(func() error {
		if s.state != StateLobby {
			return ErrGameRunning
		}
		s.selectedGame = identifier

		s.logger.Info().
			Str("game", identifier).
			Msg("game changed")

		w := protocol.NewMessage(protocol.MsgChangeGame)
		w.WriteString(identifier)
		return s.sendToClients(w.Bytes())
	})
}

// ComputeMD5 asks every player to hash their copy of a game.
func (s *Server) ComputeMD5(identifier string) error {
	return s.call(func() error {
		if s.state == StateRunning {
			return ErrGameRunning
		}
		w := protocol.NewMessage(protocol.MsgComputeMD5)
		w.WriteString(identifier)
		return s.sendToClients(w.Bytes())
	})
}

func (s *Server) AbortMD5() {
	s.sendAsyncToClients(protocol.NewMessage(protocol.MsgMD5Abort).Bytes())
}

// SetNetSettings replaces the settings the next start imposes.
func (s *Server) SetNetSettings(settings protocol.NetSettings) error {
	return s.call(func() error {
		if s.state != StateLobby {
			return ErrGameRunning
		}
		s.settings = settings
		return nil
	})
}

// RequestStartGame starts the selected game, synchronizing save data first
// when the settings ask for it and anybody besides the host is present. In
// that case the game starts once every player the data went to has
// confirmed. An error means the start was abandoned.
func (s *Server) RequestStartGame() error {
	return s.call(func() error {
		switch s.state {
		case StateRunning:
			return ErrGameRunning
		case StateSaveSyncing:
			return ErrStartPending
		}

		game, ok := s.config.Games.FindGameFile(s.selectedGame)
		if !ok {
			return fmt.Errorf("%w: %q", ErrGameNotFound, s.selectedGame)
		}

		if !s.settings.SyncSaveData || s.players.Len() <= 1 {
			s.startGame()
			return nil
		}

		msgs, err := savesync.Build(&s.settings, game.Title, s.config.Storage)
		if err != nil {
			return fmt.Errorf("could not synchronize save data: %w", err)
		}

		var awaited []protocol.PlayerID
		for _, pid := range s.players.PIDs() {
			if pid != protocol.HostPID {
				awaited = append(awaited, pid)
			}
		}
		s.saveSync.Begin(awaited)
		s.state = StateSaveSyncing

		var errs error
		for _, m := range msgs {
			s.logger.Debug().
				Int("sub", int(m.Sub)).
				Int("size", len(m.Data)).
				Uint64("digest", m.Digest()).
				Msg("save data")

			// the host already has its own saves
			if err := s.sendToClients(m.Data, protocol.HostPID); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if errs != nil {
			s.saveSync.Cancel()
			s.state = StateLobby
			return fmt.Errorf("could not send save data: %w", errs)
		}

		s.logger.Info().
			Int("items", len(msgs)-1).
			Msg("synchronizing save data")
		return nil
	})
}

func (s *Server) startGame() {
	s.detector.Reset()

	gameID := uint32(time.Now().UnixMilli())
	if gameID == s.currentGame {
		gameID++
	}
	s.currentGame = gameID

	// no change, just update with clients
	if !s.hostInputAuthority {
		s.broadcast(s.padBufferMessage())
	}

	s.firstPadReceived = [protocol.MaxPads]bool{}
	s.lastPadStatus = [protocol.MaxPads]protocol.PadStatus{}

	region := ""
	if game, ok := s.config.Games.FindGameFile(s.selectedGame); ok {
		region = game.Title.Region
	}

	w := protocol.NewMessage(protocol.MsgStartGame)
	w.WriteU32(gameID)
	s.settings.Encode(w)
	w.WriteU64(s.config.InitialRTC())
	w.WriteString(region)
	s.broadcast(w.Bytes())

	s.state = StateRunning

	s.logger.Info().
		Uint32("game_id", gameID).
		Str("game", s.selectedGame).
		Msg("game started")

	s.notes.add(func() { s.ui.OnGameStarted(gameID) })
}

// StopGame stops a running game, or abandons a pending start.
func (s *Server) StopGame() error {
	return s.call(func() error {
		switch s.state {
		case StateRunning:
			s.stopGame()
			return nil
		case StateSaveSyncing:
			s.saveSync.Cancel()
			s.state = StateLobby
			return nil
		}
		return ErrNotRunning
	})
}

func (s *Server) stopGame() {
	s.broadcast(protocol.NewMessage(protocol.MsgStopGame).Bytes())
	s.endGame()
}

// endGame returns to the lobby; the room and its players persist.
func (s *Server) endGame() {
	s.state = StateLobby
	s.saveSync.Cancel()

	s.logger.Info().Msg("game stopped")

	s.notes.add(s.ui.OnGameStopped)
}
