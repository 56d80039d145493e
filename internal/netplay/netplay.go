// Package netplay runs a lockstep session: a Server owning the room and any
// number of Clients, one of which is the host (player 1).
//
// Each side has a single service goroutine (Run) that owns the transport and
// every piece of session state. Other goroutines talk to it through queued
// commands and packets followed by a transport wakeup; they never write to a
// connection themselves. Read only snapshots are available through getters
// guarded by a read/write mutex.
package netplay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/phuslu/log"
)

const (
	// serviceTimeout bounds every wait for transport events so periodic work
	// (pings) still happens on an idle connection.
	serviceTimeout = time.Second
	pingInterval   = time.Second

	handshakeTimeout = 5 * time.Second
)

var (
	ErrClosed         = errors.New("session closed")
	ErrNotRunning     = errors.New("game is not running")
	ErrGameRunning    = errors.New("game is running")
	ErrStartPending   = errors.New("game start is pending")
	ErrGameNotFound   = errors.New("game not found")
	ErrUnknownPlayer  = errors.New("unknown player")
	ErrConnectionLost = errors.New("connection lost")
	ErrViolation      = errors.New("protocol violation")
)

// ConnectionError is returned by NewClient when the server rejects the
// handshake.
type ConnectionError struct {
	Code protocol.ConnError
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server rejected connection: %s", e.Code)
}

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLobby
	StateSaveSyncing
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLobby:
		return "lobby"
	case StateSaveSyncing:
		return "save_syncing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "idle"
}

// GameFile is a game as known locally. Identifier is what peers exchange to
// agree on the game; Path is only used for hashing.
type GameFile struct {
	Identifier string
	Path       string
	Title      savesync.Title
}

type GameLookup interface {
	FindGameFile(identifier string) (GameFile, bool)
}

// GameMap is a GameLookup keyed by identifier.
type GameMap map[string]GameFile

func (m GameMap) FindGameFile(identifier string) (GameFile, bool) {
	g, ok := m[identifier]
	return g, ok
}

// ServerUI receives session level notifications from the server. Calls
// happen on the service goroutine after the state lock is released; they
// must return promptly and must not wait for the server.
type ServerUI interface {
	AppendChat(msg string)
	OnPlayersChanged()
	OnGameStarted(gameID uint32)
	OnGameStopped()
	OnDesync(frame uint32, blamed string)
	OnSaveDataSyncFailure()
}

// ClientUI receives notifications from a client, with the same calling
// rules as ServerUI.
type ClientUI interface {
	AppendChat(msg string)
	Update()
	OnPlayerConnect(name string)
	OnPlayerDisconnect(name string)
	OnMsgChangeGame(identifier string)
	OnMsgStartGame(start GameStart)
	OnMsgStopGame()
	OnPadBufferChanged(size uint32)
	OnHostInputAuthorityChanged(enabled bool)
	OnDesync(frame uint32, player string)
	OnSaveDataSynced(ok bool)
	OnConnectionLost()

	ShowMD5Dialog(identifier string)
	SetMD5Progress(pid protocol.PlayerID, progress int32)
	SetMD5Result(pid protocol.PlayerID, result string)
	AbortMD5()
}

// GameStart is everything a START_GAME message carries.
type GameStart struct {
	GameID     uint32
	Settings   protocol.NetSettings
	InitialRTC uint64
	Region     string
}

type NopServerUI struct{}

func (NopServerUI) AppendChat(string)       {}
func (NopServerUI) OnPlayersChanged()       {}
func (NopServerUI) OnGameStarted(uint32)    {}
func (NopServerUI) OnGameStopped()          {}
func (NopServerUI) OnDesync(uint32, string) {}
func (NopServerUI) OnSaveDataSyncFailure()  {}

type NopClientUI struct{}

func (NopClientUI) AppendChat(string)                       {}
func (NopClientUI) Update()                                 {}
func (NopClientUI) OnPlayerConnect(string)                  {}
func (NopClientUI) OnPlayerDisconnect(string)               {}
func (NopClientUI) OnMsgChangeGame(string)                  {}
func (NopClientUI) OnMsgStartGame(GameStart)                {}
func (NopClientUI) OnMsgStopGame()                          {}
func (NopClientUI) OnPadBufferChanged(uint32)               {}
func (NopClientUI) OnHostInputAuthorityChanged(bool)        {}
func (NopClientUI) OnDesync(uint32, string)                 {}
func (NopClientUI) OnSaveDataSynced(bool)                   {}
func (NopClientUI) OnConnectionLost()                       {}
func (NopClientUI) ShowMD5Dialog(string)                    {}
func (NopClientUI) SetMD5Progress(protocol.PlayerID, int32) {}
func (NopClientUI) SetMD5Result(protocol.PlayerID, string)  {}
func (NopClientUI) AbortMD5()                               {}

var (
	_ ServerUI = NopServerUI{}
	_ ClientUI = NopClientUI{}
)

// silence returns logger, or a silenced default logger if it is nil (which
// might be true in tests).
func silence(logger *log.Logger) *log.Logger {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}
	return logger
}

// notes collects UI calls made while the state lock is held so they can be
// delivered after it is released.
type notes []func()

func (n *notes) add(fn func()) { *n = append(*n, fn) }

// take empties n and returns what it held.
func (n *notes) take() notes {
	pending := *n
	*n = nil
	return pending
}

func (n notes) run() {
	for _, fn := range n {
		fn()
	}
}
