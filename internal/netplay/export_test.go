package netplay

import (
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
)

// AddUnreachablePlayer registers a player the transport has no connection
// for, so every send to it fails.
func (s *Server) AddUnreachablePlayer(pid protocol.PlayerID) error {
	return s.call(func() error {
		return s.players.Add(&session.Player{
			PID:    pid,
			Name:   "unreachable",
			Handle: transport.Handle(0xdead_0000 + uint64(pid)),
		})
	})
}
