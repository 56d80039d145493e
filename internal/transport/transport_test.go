package transport_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/blukai/netplay/internal/transport"
	"github.com/matryer/is"
)

// waitEvent services h until an event arrives or the deadline passes.
func waitEvent(t *testing.T, h *transport.Host) transport.Event {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := h.Service(100 * time.Millisecond); ok {
			return ev
		}
	}
	t.Fatal("no transport event")
	return transport.Event{}
}

func TestConnectSendDisconnect(t *testing.T) {
	is := is.New(t)

	server, err := transport.Listen("127.0.0.1:0", nil)
	is.NoErr(err)
	defer server.Close()

	client, serverHandle, err := transport.Dial(context.Background(), server.Addr().String(), []byte("hello"), nil)
	is.NoErr(err)
	defer client.Close()

	// handshake arrives with the connect event
	ev := waitEvent(t, server)
	is.Equal(ev.Type, transport.EventConnect)
	is.Equal(ev.Data, []byte("hello"))
	clientHandle := ev.Peer
	is.Equal(server.PeerCount(), 1)

	// server -> client, in order
	is.NoErr(server.Send(clientHandle, []byte{1}))
	is.NoErr(server.Send(clientHandle, []byte{2}))
	ev = waitEvent(t, client)
	is.Equal(ev.Type, transport.EventReceive)
	is.Equal(ev.Data, []byte{1})
	ev = waitEvent(t, client)
	is.Equal(ev.Data, []byte{2})

	// client -> server
	is.NoErr(client.Send(serverHandle, []byte("pong")))
	ev = waitEvent(t, server)
	is.Equal(ev.Type, transport.EventReceive)
	is.Equal(ev.Peer, clientHandle)
	is.Equal(ev.Data, []byte("pong"))

	// server side disconnect reaches both ends
	server.Disconnect(clientHandle)
	ev = waitEvent(t, server)
	is.Equal(ev.Type, transport.EventDisconnect)
	is.Equal(ev.Peer, clientHandle)
	ev = waitEvent(t, client)
	is.Equal(ev.Type, transport.EventDisconnect)

	// disconnecting again is a no-op, sending fails
	server.Disconnect(clientHandle)
	is.True(server.Send(clientHandle, []byte{3}) != nil)
}

func TestDialedReadLimit(t *testing.T) {
	is := is.New(t)

	server, err := transport.Listen("127.0.0.1:0", nil)
	is.NoErr(err)
	defer server.Close()

	client, _, err := transport.Dial(context.Background(), server.Addr().String(), []byte("hello"), nil)
	is.NoErr(err)
	defer client.Close()

	ev := waitEvent(t, server)
	is.Equal(ev.Type, transport.EventConnect)

	// the write may or may not fail depending on when the client hangs up
	_ = server.Send(ev.Peer, make([]byte, transport.MaxMessageSize+1))

	ev = waitEvent(t, client)
	is.Equal(ev.Type, transport.EventDisconnect)
}

func TestWakeup(t *testing.T) {
	is := is.New(t)

	server, err := transport.Listen("127.0.0.1:0", nil)
	is.NoErr(err)
	defer server.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		server.Wakeup()
	}()

	start := time.Now()
	_, ok := server.Service(10 * time.Second)
	is.True(!ok)
	is.True(time.Since(start) < 5*time.Second)
}

func TestQueue(t *testing.T) {
	is := is.New(t)

	q := transport.Queue[int]{}
	q.Push(1)
	q.Push(2)
	is.Equal(q.Len(), 2)
	is.Equal(q.Drain(), []int{1, 2})
	is.Equal(q.Len(), 0)
	is.Equal(len(q.Drain()), 0)
}

func TestWithHandler(t *testing.T) {
	is := is.New(t)

	server, err := transport.Listen("127.0.0.1:0", nil, transport.WithHandler("/hello", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hi"))
	})))
	is.NoErr(err)
	defer server.Close()

	resp, err := http.Get("http://" + server.Addr().String() + "/hello")
	is.NoErr(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	is.NoErr(err)
	is.Equal(string(body), "hi")
}
