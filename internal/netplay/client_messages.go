package netplay

import (
	"fmt"

	"github.com/blukai/netplay/internal/desync"
	"github.com/blukai/netplay/internal/padmap"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/blukai/netplay/internal/session"
)

// onMessage handles one packet from the server. An error means the server
// can't be trusted any more and the connection is dropped.
func (c *Client) onMessage(data []byte) error {
	r := protocol.NewReader(data)
	id, err := r.ReadMessageID()
	if err != nil {
		return violation("empty message")
	}

	c.logger.Debug().
		Str("msg", id.String()).
		Msg("recv")

	switch id {
	case protocol.MsgPlayerJoin:
		return c.onPlayerJoin(r)
	case protocol.MsgPlayerLeave:
		return c.onPlayerLeave(r)
	case protocol.MsgChatMessage:
		return c.onChat(r)
	case protocol.MsgPadMapping, protocol.MsgWiimoteMapping:
		return c.onMapping(id, r)
	case protocol.MsgPadBuffer:
		return c.onPadBuffer(r)
	case protocol.MsgHostInputAuthority:
		return c.onHostInputAuthority(r)
	case protocol.MsgPadData:
		return c.onPadData(r)
	case protocol.MsgPadFirstReceived:
		return c.onPadFirstReceived(r)
	case protocol.MsgWiimoteData:
		return c.onWiimoteData(r)
	case protocol.MsgStartGame:
		return c.onStartGame(r)
	case protocol.MsgStopGame, protocol.MsgDisableGame:
		return c.onStopGame(id)
	case protocol.MsgChangeGame:
		return c.onChangeGame(r)
	case protocol.MsgGameStatus:
		return c.onGameStatus(r)
	case protocol.MsgDesyncDetected:
		return c.onDesyncDetected(r)
	case protocol.MsgComputeMD5:
		return c.onComputeMD5(r)
	case protocol.MsgMD5Progress:
		return c.onMD5Progress(r)
	case protocol.MsgMD5Result, protocol.MsgMD5Error:
		return c.onMD5Outcome(r)
	case protocol.MsgMD5Abort:
		c.cancelMD5()
		c.notes.add(c.ui.AbortMD5)
		return nil
	case protocol.MsgPing:
		return c.onPing(r)
	case protocol.MsgPlayerPingData:
		return c.onPlayerPingData(r)
	case protocol.MsgSyncGCSRAM:
		return c.onSyncGCSRAM(r)
	case protocol.MsgSyncSaveData:
		return c.onSyncSaveData(r)
	default:
		return violation("unexpected message %s", id)
	}
}

func (c *Client) playerName(pid protocol.PlayerID) string {
	if p, ok := c.players.Get(pid); ok {
		return p.Name
	}
	return ""
}

func (c *Client) onPlayerJoin(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	revision, err := r.ReadString()
	if err != nil {
		return err
	}

	player := &session.Player{
		PID:      protocol.PlayerID(pid),
		Name:     name,
		Revision: revision,
	}
	if err := c.players.Add(player); err != nil {
		return violation("player join: %v", err)
	}

	c.logger.Info().
		Int("pid", int(pid)).
		Str("name", name).
		Msg("player joined")

	c.notes.add(func() {
		c.ui.OnPlayerConnect(name)
		c.ui.Update()
	})
	return nil
}

func (c *Client) onPlayerLeave(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	p, ok := c.players.Remove(protocol.PlayerID(pid))
	if !ok {
		return nil
	}

	c.logger.Info().
		Int("pid", int(pid)).
		Str("name", p.Name).
		Msg("player left")

	c.notes.add(func() {
		c.ui.OnPlayerDisconnect(p.Name)
		c.ui.Update()
	})
	return nil
}

func (c *Client) onChat(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	msg, err := r.ReadString()
	if err != nil {
		return err
	}

	line := fmt.Sprintf("%s[%d]: %s", c.playerName(protocol.PlayerID(pid)), pid, msg)
	c.notes.add(func() { c.ui.AppendChat(line) })
	return nil
}

func (c *Client) onMapping(id protocol.MessageID, r *protocol.Reader) error {
	var mapping protocol.MappingArray
	if err := mapping.Decode(r); err != nil {
		return err
	}
	if id == protocol.MsgPadMapping {
		c.pads = mapping
	} else {
		c.wiimotes = mapping
	}

	c.notes.add(c.ui.Update)
	return nil
}

func (c *Client) onPadBuffer(r *protocol.Reader) error {
	size, err := r.ReadU32()
	if err != nil {
		return err
	}
	c.bufferSize = size

	c.notes.add(func() { c.ui.OnPadBufferChanged(size) })
	return nil
}

func (c *Client) onHostInputAuthority(r *protocol.Reader) error {
	enabled, err := r.ReadBool()
	if err != nil {
		return err
	}
	c.hostInputAuthority = enabled

	c.notes.add(func() { c.ui.OnHostInputAuthorityChanged(enabled) })
	return nil
}

func (c *Client) onPadData(r *protocol.Reader) error {
	samples, err := protocol.ReadPadSamples(r)
	if err != nil {
		return err
	}
	if c.game == nil {
		return nil
	}
	for _, sample := range samples {
		if err := padmap.CheckSlot(sample.Slot); err != nil {
			return violation("pad data: %v", err)
		}
		if err := c.game.pads[sample.Slot].Push(sample.Status); err != nil {
			c.logger.Error().
				Int("slot", int(sample.Slot)).
				Msgf("dropping pad data: %v", err)
		}
	}
	return nil
}

func (c *Client) onPadFirstReceived(r *protocol.Reader) error {
	slot, err := r.ReadU8()
	if err != nil {
		return err
	}
	received, err := r.ReadBool()
	if err != nil {
		return err
	}
	if err := padmap.CheckSlot(slot); err != nil {
		return violation("pad first received: %v", err)
	}
	if c.game == nil || !received {
		return nil
	}
	if ch := c.game.firstPad[slot]; !closed(ch) {
		close(ch)
	}
	return nil
}

func (c *Client) onWiimoteData(r *protocol.Reader) error {
	slot, err := r.ReadU8()
	if err != nil {
		return err
	}
	data, err := r.ReadBlock()
	if err != nil {
		return err
	}
	if err := padmap.CheckSlot(slot); err != nil {
		return violation("wiimote data: %v", err)
	}
	if c.game == nil {
		return nil
	}
	if err := c.game.wiimotes[slot].Push(data); err != nil {
		c.logger.Error().
			Int("slot", int(slot)).
			Msgf("dropping wiimote data: %v", err)
	}
	return nil
}

func (c *Client) onStartGame(r *protocol.Reader) error {
	var start GameStart
	var err error
	if start.GameID, err = r.ReadU32(); err != nil {
		return err
	}
	if err := start.Settings.Decode(r); err != nil {
		return fmt.Errorf("could not read settings: %w", err)
	}
	if start.InitialRTC, err = r.ReadU64(); err != nil {
		return err
	}
	if start.Region, err = r.ReadString(); err != nil {
		return err
	}

	// a start while running replaces the old game
	c.endGame()
	c.game = newGame(start)
	c.state = StateRunning

	// stamps the input that follows with this game
	w := protocol.NewMessage(protocol.MsgStartGame)
	w.WriteU32(start.GameID)
	c.send(w.Bytes())

	c.logger.Info().
		Uint32("game_id", start.GameID).
		Str("game", c.selectedGame).
		Msg("game started")

	c.notes.add(func() { c.ui.OnMsgStartGame(start) })
	return nil
}

func (c *Client) onStopGame(id protocol.MessageID) error {
	if c.game == nil {
		return nil
	}
	c.endGame()

	c.logger.Info().
		Str("reason", id.String()).
		Msg("game stopped")

	if id == protocol.MsgDisableGame {
		c.notes.add(func() { c.ui.AppendChat("A player with a controller left, stopping the game.") })
	}
	c.notes.add(c.ui.OnMsgStopGame)
	return nil
}

func (c *Client) onChangeGame(r *protocol.Reader) error {
	identifier, err := r.ReadString()
	if err != nil {
		return err
	}
	c.selectedGame = identifier

	status := protocol.GameStatusNotFound
	if g, ok := c.config.Games.FindGameFile(identifier); ok {
		status = protocol.GameStatusOk
		c.receiver.SetTitle(g.Title)
	}
	if p, ok := c.players.Get(c.pid); ok {
		p.GameStatus = status
	}

	w := protocol.NewMessage(protocol.MsgGameStatus)
	w.WriteU32(uint32(status))
	c.send(w.Bytes())

	c.logger.Info().
		Str("game", identifier).
		Str("status", status.String()).
		Msg("game changed")

	c.notes.add(func() { c.ui.OnMsgChangeGame(identifier) })
	return nil
}

func (c *Client) onGameStatus(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	status, err := r.ReadU32()
	if err != nil {
		return err
	}
	if p, ok := c.players.Get(protocol.PlayerID(pid)); ok {
		p.GameStatus = protocol.GameStatus(status)
	}

	c.notes.add(c.ui.Update)
	return nil
}

func (c *Client) onDesyncDetected(r *protocol.Reader) error {
	blamed, err := r.ReadI32()
	if err != nil {
		return err
	}
	frame, err := r.ReadU32()
	if err != nil {
		return err
	}

	player := ""
	if blamed != desync.NoBlame {
		player = c.playerName(protocol.PlayerID(blamed))
	}

	c.logger.Info().
		Uint32("frame", frame).
		Int("blamed", int(blamed)).
		Msg("desync detected")

	c.notes.add(func() { c.ui.OnDesync(frame, player) })
	return nil
}

func (c *Client) onComputeMD5(r *protocol.Reader) error {
	identifier, err := r.ReadString()
	if err != nil {
		return err
	}

	c.notes.add(func() { c.ui.ShowMD5Dialog(identifier) })
	c.startMD5(identifier)
	return nil
}

func (c *Client) onMD5Progress(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	progress, err := r.ReadI32()
	if err != nil {
		return err
	}

	c.notes.add(func() { c.ui.SetMD5Progress(protocol.PlayerID(pid), progress) })
	return nil
}

func (c *Client) onMD5Outcome(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	text, err := r.ReadString()
	if err != nil {
		return err
	}

	c.notes.add(func() { c.ui.SetMD5Result(protocol.PlayerID(pid), text) })
	return nil
}

func (c *Client) onPing(r *protocol.Reader) error {
	key, err := r.ReadU32()
	if err != nil {
		return err
	}

	w := protocol.NewMessage(protocol.MsgPong)
	w.WriteU32(key)
	c.send(w.Bytes())
	return nil
}

func (c *Client) onPlayerPingData(r *protocol.Reader) error {
	pid, err := r.ReadU8()
	if err != nil {
		return err
	}
	ping, err := r.ReadU32()
	if err != nil {
		return err
	}
	if p, ok := c.players.Get(protocol.PlayerID(pid)); ok {
		p.Ping = ping
	}

	c.notes.add(c.ui.Update)
	return nil
}

func (c *Client) onSyncGCSRAM(r *protocol.Reader) error {
	sram, err := r.ReadBlock()
	if err != nil {
		return err
	}
	c.sram = sram
	return nil
}

func (c *Client) onSyncSaveData(r *protocol.Reader) error {
	sub, err := r.ReadU8()
	if err != nil {
		return err
	}
	// the host is the source of the saves
	if c.pid == protocol.HostPID {
		return nil
	}

	result, err := c.receiver.Handle(protocol.SaveSyncID(sub), r)
	if err != nil {
		c.logger.Error().
			Int("sub", int(sub)).
			Msgf("could not apply save data: %v", err)
	}
	if result == savesync.Pending {
		c.state = StateSaveSyncing
		return nil
	}
	if c.state == StateSaveSyncing {
		c.state = StateLobby
	}

	ok := result == savesync.Succeeded
	c.send(savesync.Response(ok))

	c.logger.Info().
		Str("result", result.String()).
		Msg("save data synchronization finished")

	c.notes.add(func() { c.ui.OnSaveDataSynced(ok) })
	return nil
}
