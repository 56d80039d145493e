package session_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
	"github.com/matryer/is"
)

func join(is *is.I, r *session.Registry, name string) protocol.PlayerID {
	pid, err := r.NextPID()
	is.NoErr(err)
	is.NoErr(r.Add(&session.Player{PID: pid, Name: name, Handle: transport.Handle(pid) + 1000}))
	return pid
}

func TestNextPIDLowestFree(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry()
	is.Equal(join(is, r, "host"), protocol.PlayerID(1))
	is.Equal(join(is, r, "a"), protocol.PlayerID(2))
	is.Equal(join(is, r, "b"), protocol.PlayerID(3))

	_, ok := r.Remove(2)
	is.True(ok)
	is.Equal(join(is, r, "c"), protocol.PlayerID(2))
	is.Equal(join(is, r, "d"), protocol.PlayerID(4))
	is.Equal(r.PIDs(), []protocol.PlayerID{1, 2, 3, 4})
}

func TestRemoveIdempotent(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry()
	pid := join(is, r, "host")

	p, ok := r.Remove(pid)
	is.True(ok)
	is.Equal(p.Name, "host")

	_, ok = r.Remove(pid)
	is.True(!ok)
	is.Equal(r.Len(), 0)

	_, ok = r.ByHandle(transport.Handle(pid) + 1000)
	is.True(!ok)
}

func TestAddRejectsDuplicates(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry()
	join(is, r, "host")

	err := r.Add(&session.Player{PID: 1})
	is.True(errors.Is(err, session.ErrDuplicatePID))

	err = r.Add(&session.Player{PID: protocol.ServerPID})
	is.True(errors.Is(err, session.ErrDuplicatePID))
}

func TestFull(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry()
	for range protocol.MaxPlayers {
		join(is, r, "p")
	}
	_, err := r.NextPID()
	is.True(errors.Is(err, session.ErrFull))
}

// Random connects and disconnects never produce duplicate ids, and every
// assignment is the smallest free id.
func TestRandomChurn(t *testing.T) {
	is := is.New(t)

	rng := rand.New(rand.NewSource(1))
	r := session.NewRegistry()
	present := map[protocol.PlayerID]bool{}

	for i := 0; i < 2000; i++ {
		if len(present) > 0 && rng.Intn(3) == 0 {
			pids := r.PIDs()
			pid := pids[rng.Intn(len(pids))]
			_, ok := r.Remove(pid)
			is.True(ok)
			delete(present, pid)
			continue
		}
		if len(present) == protocol.MaxPlayers {
			continue
		}

		want := protocol.PlayerID(1)
		for present[want] {
			want++
		}
		is.Equal(join(is, r, "p"), want)
		present[want] = true
	}

	is.Equal(r.Len(), len(present))
	seen := map[protocol.PlayerID]bool{}
	for _, p := range r.Snapshot() {
		is.True(!seen[p.PID])
		seen[p.PID] = true
	}
}

func TestByHandle(t *testing.T) {
	is := is.New(t)

	r := session.NewRegistry()
	is.NoErr(r.Add(&session.Player{PID: 1, Name: "host", Handle: 42}))

	p, ok := r.ByHandle(42)
	is.True(ok)
	is.Equal(p.PID, protocol.PlayerID(1))
}
