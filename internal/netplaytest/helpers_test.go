package netplaytest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blukai/netplay/internal/netplay"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/savesync"
	"github.com/blukai/netplay/internal/transport"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type desyncNote struct {
	frame  uint32
	player string
}

type serverUI struct {
	netplay.NopServerUI

	mu       sync.Mutex
	chats    []string
	desyncs  []desyncNote
	failures int
	starts   int
	stops    int
}

func (u *serverUI) AppendChat(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chats = append(u.chats, msg)
}

func (u *serverUI) OnGameStarted(uint32) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.starts++
}

func (u *serverUI) OnGameStopped() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stops++
}

func (u *serverUI) OnDesync(frame uint32, blamed string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desyncs = append(u.desyncs, desyncNote{frame, blamed})
}

func (u *serverUI) OnSaveDataSyncFailure() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures++
}

func (u *serverUI) snapshot() serverUI {
	u.mu.Lock()
	defer u.mu.Unlock()
	return serverUI{
		chats:    append([]string(nil), u.chats...),
		desyncs:  append([]desyncNote(nil), u.desyncs...),
		failures: u.failures,
		starts:   u.starts,
		stops:    u.stops,
	}
}

// clientUI records what a client reports. events keeps the order of game
// lifecycle notifications.
type clientUI struct {
	netplay.NopClientUI

	mu      sync.Mutex
	events  []string
	chats   []string
	desyncs []desyncNote
	starts  []netplay.GameStart
	md5     map[protocol.PlayerID]string
	lost    int
}

func (u *clientUI) record(event string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, event)
}

func (u *clientUI) AppendChat(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chats = append(u.chats, msg)
}

func (u *clientUI) OnMsgStartGame(start netplay.GameStart) {
	u.mu.Lock()
	u.starts = append(u.starts, start)
	u.mu.Unlock()
	u.record("start")
}

func (u *clientUI) OnMsgStopGame() { u.record("stop") }

func (u *clientUI) OnSaveDataSynced(ok bool) { u.record(fmt.Sprintf("synced:%t", ok)) }

func (u *clientUI) OnDesync(frame uint32, player string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desyncs = append(u.desyncs, desyncNote{frame, player})
}

func (u *clientUI) SetMD5Result(pid protocol.PlayerID, result string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.md5 == nil {
		u.md5 = make(map[protocol.PlayerID]string)
	}
	u.md5[pid] = result
}

func (u *clientUI) OnConnectionLost() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lost++
}

func (u *clientUI) snapshot() clientUI {
	u.mu.Lock()
	defer u.mu.Unlock()
	md5 := make(map[protocol.PlayerID]string, len(u.md5))
	for pid, sum := range u.md5 {
		md5[pid] = sum
	}
	return clientUI{
		events:  append([]string(nil), u.events...),
		chats:   append([]string(nil), u.chats...),
		desyncs: append([]desyncNote(nil), u.desyncs...),
		starts:  append([]netplay.GameStart(nil), u.starts...),
		md5:     md5,
		lost:    u.lost,
	}
}

type room struct {
	t      *testing.T
	server *netplay.Server
	ui     *serverUI
	addr   string
}

func newRoom(t *testing.T, config netplay.ServerConfig) *room {
	t.Helper()

	ui := &serverUI{}
	server, err := netplay.NewServer("127.0.0.1:0", config, ui, nil)
	if err != nil {
		t.Fatalf("could not create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &room{t: t, server: server, ui: ui, addr: server.Addr().String()}
}

// member is a joined client; leave disconnects it.
type member struct {
	*netplay.Client
	ui    *clientUI
	leave func()
}

func (r *room) join(name string, config netplay.ClientConfig) *member {
	r.t.Helper()

	config.Name = name
	if config.Revision == "" {
		config.Revision = "test"
	}
	ui := &clientUI{}
	client, err := netplay.NewClient(context.Background(), r.addr, config, ui, nil)
	if err != nil {
		r.t.Fatalf("could not join %s: %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	var once sync.Once
	leave := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	r.t.Cleanup(leave)

	return &member{Client: client, ui: ui, leave: leave}
}

// start selects game and starts it, waiting until every member runs it.
func (r *room) start(game string, members ...*member) {
	r.t.Helper()

	if err := r.server.ChangeGame(game); err != nil {
		r.t.Fatalf("could not change game: %v", err)
	}
	if err := r.server.RequestStartGame(); err != nil {
		r.t.Fatalf("could not start game: %v", err)
	}
	eventually(r.t, "game start", func() bool {
		for _, m := range members {
			if !m.IsRunning() {
				return false
			}
		}
		return true
	})
}

// rawPeer speaks the wire protocol directly, for what a well behaved client
// never sends.
type rawPeer struct {
	t      *testing.T
	host   *transport.Host
	server transport.Handle
}

func dialRaw(t *testing.T, addr string, hs protocol.Handshake) *rawPeer {
	t.Helper()

	data, err := hs.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	host, server, err := transport.Dial(context.Background(), addr, data, nil)
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	return &rawPeer{t: t, host: host, server: server}
}

var errDisconnected = errors.New("disconnected")

// next returns the next message from the server.
func (p *rawPeer) next() ([]byte, error) {
	p.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := p.host.Service(100 * time.Millisecond)
		if !ok {
			continue
		}
		switch ev.Type {
		case transport.EventReceive:
			return ev.Data, nil
		case transport.EventDisconnect:
			return nil, errDisconnected
		}
	}
	p.t.Fatal("no message from server")
	return nil, nil
}

// until skips messages up to the first one with id and returns a reader
// positioned after the id.
func (p *rawPeer) until(id protocol.MessageID) *protocol.Reader {
	p.t.Helper()

	for {
		data, err := p.next()
		if err != nil {
			p.t.Fatalf("waiting for %s: %v", id, err)
		}
		r := protocol.NewReader(data)
		got, err := r.ReadMessageID()
		if err == nil && got == id {
			return r
		}
	}
}

// untilDisconnected drains messages until the server drops the connection.
func (p *rawPeer) untilDisconnected() {
	p.t.Helper()

	for {
		if _, err := p.next(); errors.Is(err, errDisconnected) {
			return
		}
	}
}

func (p *rawPeer) send(data []byte) {
	p.t.Helper()

	if err := p.host.Send(p.server, data); err != nil {
		p.t.Fatalf("could not send: %v", err)
	}
}

// failingStorage accepts reads but fails every card write.
type failingStorage struct {
	*savesync.MemStorage
}

func (failingStorage) WriteCard(bool, string, bool, []byte) error {
	return errors.New("disk full")
}

func padData(slot uint8, button uint16) []byte {
	w := protocol.NewMessage(protocol.MsgPadData)
	protocol.WritePadSamples(w, protocol.PadSample{
		Slot:   slot,
		Status: protocol.PadStatus{Button: button, IsConnected: true},
	})
	return w.Bytes()
}
