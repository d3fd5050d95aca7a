package stomp

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointFromBase(t *testing.T) {
	u, err := EndpointFromBase("https://chat.example.com/", "/ws/websocket")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/ws/websocket", u)

	u, err = EndpointFromBase("http://localhost:8080/app", "/ws/websocket")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/app/ws/websocket", u)

	_, err = EndpointFromBase("ftp://x", "/ws")
	assert.Error(t, err)
}

func TestOpenRejectsBadEndpoint(t *testing.T) {
	for _, raw := range []string{"http://example.com/ws", "ws://", "::"} {
		_, err := Open(raw, nil)
		assert.Error(t, err, raw)
	}
}

// broker is a scripted STOMP server speaking one frame per websocket message.
type broker struct {
	t        *testing.T
	frames   chan *frame.Frame
	conns    chan *websocket.Conn
	reject   string
	upgrader websocket.Upgrader
}

func newBroker(t *testing.T) (*broker, string) {
	b := &broker{t: t, frames: make(chan *frame.Frame, 16), conns: make(chan *websocket.Conn, 1)}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/websocket"
}

func decodeFrame(data []byte) (*frame.Frame, error) {
	return frame.NewReader(bytes.NewReader(data)).Read()
}

func send(ws *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (b *broker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.Close() }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	f, err := decodeFrame(data)
	if err != nil || f == nil {
		return
	}
	b.frames <- f
	if b.reject != "" {
		_ = send(ws, frame.New("ERROR", "message", b.reject))
		return
	}
	_ = send(ws, frame.New("CONNECTED", "version", "1.2"))
	b.conns <- ws

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil || f == nil {
			continue
		}
		b.frames <- f
		if f.Command == "DISCONNECT" {
			_ = send(ws, frame.New("RECEIPT", "receipt-id", f.Header.Get("receipt")))
		}
	}
}

func (b *broker) next() *frame.Frame {
	b.t.Helper()
	select {
	case f := <-b.frames:
		return f
	case <-time.After(2 * time.Second):
		b.t.Fatal("broker: no frame")
		return nil
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection still running")
	}
}

func TestConnectSubscribeReceive(t *testing.T) {
	b, endpoint := newBroker(t)
	c, err := Open(endpoint, http.Header{"Cookie": {"JSESSIONID=abc"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.ErrorIs(t, c.Subscribe("/topic/x", func([]byte) {}), ErrNotConnected)
	require.NoError(t, c.Connect(context.Background()))

	hello := b.next()
	assert.Equal(t, "CONNECT", hello.Command)
	assert.Contains(t, hello.Header.Get("accept-version"), "1.2")
	assert.Equal(t, "127.0.0.1", hello.Header.Get("host"))
	assert.Equal(t, "0,0", hello.Header.Get("heart-beat"))

	got := make(chan string, 2)
	require.NoError(t, c.Subscribe("/topic/chatroom/7", func(body []byte) { got <- string(body) }))
	sub := b.next()
	assert.Equal(t, "SUBSCRIBE", sub.Command)
	assert.Equal(t, "/topic/chatroom/7", sub.Header.Get("destination"))
	id := sub.Header.Get("id")
	require.NotEmpty(t, id)

	ws := <-b.conns
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n")))
	msg := frame.New("MESSAGE", "subscription", id, "destination", "/topic/chatroom/7", "message-id", "m-1")
	msg.Body = []byte(`{"id":8}`)
	require.NoError(t, send(ws, msg))

	select {
	case body := <-got:
		assert.Equal(t, `{"id":8}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, c.Close())
	assert.Equal(t, "DISCONNECT", b.next().Command)
	waitDone(t, c)
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestConnectRejected(t *testing.T) {
	b, endpoint := newBroker(t)
	b.reject = "bad credentials"
	c, err := Open(endpoint, nil)
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestConnectUnreachable(t *testing.T) {
	c, err := Open("ws://127.0.0.1:1/ws", nil)
	require.NoError(t, err)
	assert.Error(t, c.Connect(context.Background()))
}

func TestConnectHandshakeTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		// Never answers CONNECT.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c, err := Open("ws"+strings.TrimPrefix(srv.URL, "http"), nil, WithHandshakeTimeout(100*time.Millisecond))
	require.NoError(t, err)
	start := time.Now()
	assert.Error(t, c.Connect(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBrokerErrorEndsConnection(t *testing.T) {
	b, endpoint := newBroker(t)
	c, err := Open(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))
	b.next()

	require.NoError(t, c.Subscribe("/topic/chatroom/7", func([]byte) {}))
	b.next()

	ws := <-b.conns
	require.NoError(t, send(ws, frame.New("ERROR", "message", "session expired")))

	waitDone(t, c)
	require.Error(t, c.Err())
	assert.NotErrorIs(t, c.Err(), ErrClosed)
}

func TestPeerCloseEndsConnection(t *testing.T) {
	b, endpoint := newBroker(t)
	c, err := Open(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	ws := <-b.conns
	require.NoError(t, ws.Close())

	waitDone(t, c)
	require.Error(t, c.Err())
	assert.NotErrorIs(t, c.Err(), ErrClosed)
}

func TestStreamJoinsMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		_ = ws.WriteMessage(websocket.TextMessage, []byte("MESSAGE\nsubscription:1\n\nfirst\x00"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte("\n"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte("MESSAGE\nsubscription:1\n\nsecond\x00"))
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	s := &wsStream{ws: ws}
	t.Cleanup(func() { _ = s.Close() })

	r := frame.NewReader(s)
	var bodies []string
	for len(bodies) < 2 {
		f, err := r.Read()
		require.NoError(t, err)
		if f != nil {
			bodies = append(bodies, string(f.Body))
		}
	}
	assert.Equal(t, []string{"first", "second"}, bodies)

	n, err := s.Write([]byte("SEND\n\n\x00"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
