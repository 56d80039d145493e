package protocol

import "fmt"

// Version must match exactly between a client and the server it joins.
const Version = "netplay-1"

// Every message is a single MessageID byte followed by the fields specific to
// that id. The transport delivers whole messages, so there is no length
// prefix.
type MessageID uint8

const (
	// NOTE: 0 doubles as the "connected" reply to a handshake, 1..3 as the
	// handshake rejection codes (see ConnError).
	MsgConnected MessageID = 0x00

	MsgPlayerJoin  MessageID = 0x10
	MsgPlayerLeave MessageID = 0x11

	MsgChatMessage MessageID = 0x30

	MsgPadData          MessageID = 0x60
	MsgPadMapping       MessageID = 0x61
	MsgPadBuffer        MessageID = 0x62
	MsgPadHostPoll      MessageID = 0x63
	MsgPadFirstReceived MessageID = 0x64

	MsgWiimoteData    MessageID = 0x70
	MsgWiimoteMapping MessageID = 0x71

	MsgStartGame          MessageID = 0xA0
	MsgChangeGame         MessageID = 0xA1
	MsgStopGame           MessageID = 0xA2
	MsgDisableGame        MessageID = 0xA3
	MsgGameStatus         MessageID = 0xA4
	MsgIPLStatus          MessageID = 0xA5
	MsgHostInputAuthority MessageID = 0xA6

	MsgTimebase       MessageID = 0xB0
	MsgDesyncDetected MessageID = 0xB1

	MsgComputeMD5  MessageID = 0xC0
	MsgMD5Progress MessageID = 0xC1
	MsgMD5Result   MessageID = 0xC2
	MsgMD5Abort    MessageID = 0xC3
	MsgMD5Error    MessageID = 0xC4

	MsgPing           MessageID = 0xE0
	MsgPong           MessageID = 0xE1
	MsgPlayerPingData MessageID = 0xE2

	MsgSyncGCSRAM   MessageID = 0xF0
	MsgSyncSaveData MessageID = 0xF1
)

var messageNames = map[MessageID]string{
	MsgConnected:          "connected",
	MsgPlayerJoin:         "player_join",
	MsgPlayerLeave:        "player_leave",
	MsgChatMessage:        "chat_message",
	MsgPadData:            "pad_data",
	MsgPadMapping:         "pad_mapping",
	MsgPadBuffer:          "pad_buffer",
	MsgPadHostPoll:        "pad_host_poll",
	MsgPadFirstReceived:   "pad_first_received",
	MsgWiimoteData:        "wiimote_data",
	MsgWiimoteMapping:     "wiimote_mapping",
	MsgStartGame:          "start_game",
	MsgChangeGame:         "change_game",
	MsgStopGame:           "stop_game",
	MsgDisableGame:        "disable_game",
	MsgGameStatus:         "game_status",
	MsgIPLStatus:          "ipl_status",
	MsgHostInputAuthority: "host_input_authority",
	MsgTimebase:           "timebase",
	MsgDesyncDetected:     "desync_detected",
	MsgComputeMD5:         "compute_md5",
	MsgMD5Progress:        "md5_progress",
	MsgMD5Result:          "md5_result",
	MsgMD5Abort:           "md5_abort",
	MsgMD5Error:           "md5_error",
	MsgPing:               "ping",
	MsgPong:               "pong",
	MsgPlayerPingData:     "player_ping_data",
	MsgSyncGCSRAM:         "sync_gc_sram",
	MsgSyncSaveData:       "sync_save_data",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(id))
}

// ConnError is sent as a bare message id when a handshake is rejected.
type ConnError uint8

const (
	ConnErrServerFull      ConnError = 1
	ConnErrGameRunning     ConnError = 2
	ConnErrVersionMismatch ConnError = 3
)

func (e ConnError) String() string {
	switch e {
	case ConnErrServerFull:
		return "server full"
	case ConnErrGameRunning:
		return "game running"
	case ConnErrVersionMismatch:
		return "version mismatch"
	}
	return fmt.Sprintf("connection error %d", uint8(e))
}

// SaveSyncID is the sub id that follows MsgSyncSaveData.
type SaveSyncID uint8

const (
	SaveSyncNotify  SaveSyncID = 0
	SaveSyncSuccess SaveSyncID = 1
	SaveSyncFailure SaveSyncID = 2
	SaveSyncRaw     SaveSyncID = 3
	SaveSyncGCI     SaveSyncID = 4
	SaveSyncWii     SaveSyncID = 5
)

// PlayerID identifies a peer for the lifetime of a session. 1 is always the
// host; 0 is used by the server itself for chat.
type PlayerID uint8

const (
	ServerPID PlayerID = 0
	HostPID   PlayerID = 1
)

// MaxPlayers is the room capacity.
const MaxPlayers = 255

// GameStatus is what a player reports about the selected game.
type GameStatus uint32

const (
	GameStatusUnknown  GameStatus = 0
	GameStatusOk       GameStatus = 1
	GameStatusNotFound GameStatus = 2
)

func (s GameStatus) String() string {
	switch s {
	case GameStatusOk:
		return "ok"
	case GameStatusNotFound:
		return "not found"
	}
	return "unknown"
}

// NewMessage starts a packet for the given id.
func NewMessage(id MessageID) *Writer {
	w := &Writer{}
	w.WriteU8(uint8(id))
	return w
}
