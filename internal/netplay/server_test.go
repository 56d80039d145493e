package netplay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/blukai/netplay/internal/netplay"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/matryer/is"
)

func runServer(t *testing.T, config netplay.ServerConfig) (*netplay.Server, context.CancelFunc) {
	t.Helper()

	server, err := netplay.NewServer("127.0.0.1:0", config, nil, nil)
	if err != nil {
		t.Fatalf("could not create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()

	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return server, stop
}

func TestServerCommands(t *testing.T) {
	is := is.New(t)

	config := netplay.DefaultServerConfig()
	config.Games = netplay.GameMap{"game": {Identifier: "game"}}
	server, _ := runServer(t, config)

	is.Equal(server.State(), netplay.StateLobby)
	is.Equal(server.PadBufferSize(), uint32(5))

	// nobody is in the room yet
	err := server.SetPadMapping(protocol.MappingArray{1, protocol.Unassigned, protocol.Unassigned, protocol.Unassigned})
	is.True(errors.Is(err, padmap.ErrUnknownPlayer))
	is.NoErr(server.SetWiimoteMapping(protocol.EmptyMapping()))

	err = server.KickPlayer(2)
	is.True(errors.Is(err, netplay.ErrUnknownPlayer))

	is.True(errors.Is(server.StopGame(), netplay.ErrNotRunning))

	err = server.RequestStartGame()
	is.True(errors.Is(err, netplay.ErrGameNotFound))

	is.NoErr(server.AdjustPadBufferSize(8))
	is.Equal(server.PadBufferSize(), uint32(8))

	is.NoErr(server.SetHostInputAuthority(true))
	is.True(server.HostInputAuthority())

	is.NoErr(server.ChangeGame("game"))
	is.Equal(server.SelectedGame(), "game")

	// an empty room starts without synchronizing anything
	is.NoErr(server.RequestStartGame())
	is.True(server.IsRunning())
	is.True(errors.Is(server.RequestStartGame(), netplay.ErrGameRunning))
	is.True(errors.Is(server.ChangeGame("other"), netplay.ErrGameRunning))
	is.True(errors.Is(server.SetNetSettings(protocol.DefaultNetSettings()), netplay.ErrGameRunning))

	is.NoErr(server.StopGame())
	is.Equal(server.State(), netplay.StateLobby)
}

func TestPartialDeliveryIsReported(t *testing.T) {
	is := is.New(t)

	config := netplay.DefaultServerConfig()
	config.Games = netplay.GameMap{"game": {Identifier: "game"}}
	server, _ := runServer(t, config)

	is.NoErr(server.AddUnreachablePlayer(2))
	is.NoErr(server.AddUnreachablePlayer(3))

	err := server.ChangeGame("game")
	is.True(errors.Is(err, transport.ErrUnknownPeer))
	var merr *multierror.Error
	is.True(errors.As(err, &merr))
	is.Equal(len(merr.Errors), 2) // one per player
	is.Equal(server.SelectedGame(), "game")

	is.True(errors.Is(server.AdjustPadBufferSize(3), transport.ErrUnknownPeer))
	is.True(errors.Is(server.SetHostInputAuthority(false), transport.ErrUnknownPeer))
	is.True(errors.Is(server.ComputeMD5("game"), transport.ErrUnknownPeer))

	// save data nobody received abandons the start
	err = server.RequestStartGame()
	is.True(errors.Is(err, transport.ErrUnknownPeer))
	is.Equal(server.State(), netplay.StateLobby)
}

func TestServerClosed(t *testing.T) {
	is := is.New(t)

	server, stop := runServer(t, netplay.DefaultServerConfig())
	stop()

	is.True(errors.Is(server.AdjustPadBufferSize(1), netplay.ErrClosed))
	is.True(errors.Is(server.StopGame(), netplay.ErrClosed))
}

func TestConnectionError(t *testing.T) {
	is := is.New(t)

	var err error = &netplay.ConnectionError{Code: protocol.ConnErrServerFull}
	is.Equal(err.Error(), "server rejected connection: server full")

	var cerr *netplay.ConnectionError
	is.True(errors.As(err, &cerr))
}

func TestStateString(t *testing.T) {
	is := is.New(t)

	for state, want := range map[netplay.State]string{
		netplay.StateIdle:        "idle",
		netplay.StateLobby:       "lobby",
		netplay.StateSaveSyncing: "save_syncing",
		netplay.StateRunning:     "running",
		netplay.StateStopping:    "stopping",
	} {
		is.Equal(state.String(), want)
	}
}
