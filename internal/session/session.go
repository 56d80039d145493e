// Package session keeps track of who is in the room.
//
// A Registry is not safe for concurrent use; its owner (the server's service
// goroutine, or a client's) serializes access.
package session

import (
	"errors"
	"fmt"
	"slices"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/transport"
)

var (
	ErrFull         = errors.New("room is full")
	ErrDuplicatePID = errors.New("player id already in use")
	ErrUnknownPID   = errors.New("unknown player id")
)

// Player is one participant. Handle is only meaningful on the server.
type Player struct {
	PID        protocol.PlayerID
	Name       string
	Revision   string
	Ping       uint32
	GameStatus protocol.GameStatus
	HasIPLDump bool

	// CurrentGame is the game id the player last acknowledged; input
	// stamped for another game is stale.
	CurrentGame uint32

	Handle transport.Handle
}

type Registry struct {
	players map[protocol.PlayerID]*Player
	handles map[transport.Handle]protocol.PlayerID
}

func NewRegistry() *Registry {
	return &Registry{
		players: make(map[protocol.PlayerID]*Player),
		handles: make(map[transport.Handle]protocol.PlayerID),
	}
}

// NextPID returns the smallest positive player id not currently in use.
func (r *Registry) NextPID() (protocol.PlayerID, error) {
	for pid := 1; pid <= protocol.MaxPlayers; pid++ {
		if _, ok := r.players[protocol.PlayerID(pid)]; !ok {
			return protocol.PlayerID(pid), nil
		}
	}
	return 0, ErrFull
}

func (r *Registry) Add(p *Player) error {
	if p.PID == protocol.ServerPID {
		return fmt.Errorf("%w: %d is reserved", ErrDuplicatePID, p.PID)
	}
	if _, ok := r.players[p.PID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicatePID, p.PID)
	}
	r.players[p.PID] = p
	r.handles[p.Handle] = p.PID
	return nil
}

// Remove forgets a player. It reports whether the player was present, so
// repeated removals are harmless.
func (r *Registry) Remove(pid protocol.PlayerID) (*Player, bool) {
	p, ok := r.players[pid]
	if !ok {
		return nil, false
	}
	delete(r.players, pid)
	if cur, ok := r.handles[p.Handle]; ok && cur == pid {
		delete(r.handles, p.Handle)
	}
	return p, true
}

func (r *Registry) Get(pid protocol.PlayerID) (*Player, bool) {
	p, ok := r.players[pid]
	return p, ok
}

func (r *Registry) ByHandle(handle transport.Handle) (*Player, bool) {
	pid, ok := r.handles[handle]
	if !ok {
		return nil, false
	}
	return r.Get(pid)
}

func (r *Registry) Has(pid protocol.PlayerID) bool {
	_, ok := r.players[pid]
	return ok
}

func (r *Registry) Len() int { return len(r.players) }

// PIDs returns the ids in ascending order.
func (r *Registry) PIDs() []protocol.PlayerID {
	pids := make([]protocol.PlayerID, 0, len(r.players))
	for pid := range r.players {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Players returns the players ordered by id.
func (r *Registry) Players() []*Player {
	pids := r.PIDs()
	players := make([]*Player, len(pids))
	for i, pid := range pids {
		players[i] = r.players[pid]
	}
	return players
}

// Snapshot copies every player, ordered by id, for use outside the owner.
func (r *Registry) Snapshot() []Player {
	players := r.Players()
	out := make([]Player, len(players))
	for i, p := range players {
		out[i] = *p
	}
	return out
}
