// Package stomp is the live channel of a chat session: a STOMP 1.2 client
// (github.com/go-stomp/stomp) running over a gorilla websocket, the way the
// messenger's SockJS/STOMP endpoint is reached from a browser.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Subscribe before Connect succeeded.
var ErrNotConnected = errors.New("stomp: not connected")

// ErrClosed is reported by Err after a local Close.
var ErrClosed = errors.New("stomp: connection closed")

const (
	defaultHandshakeTimeout = 10 * time.Second
	disconnectTimeout       = 2 * time.Second
	errorGrace              = 500 * time.Millisecond
)

// Conn is a STOMP session over one WebSocket connection.
type Conn struct {
	url              string
	header           http.Header
	dialer           *websocket.Dialer
	host             string
	handshakeTimeout time.Duration

	mu      sync.Mutex
	ws      *websocket.Conn
	client  *gostomp.Conn
	subs    int
	closing bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Option customises a Conn.
type Option func(*Conn)

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithHost sets the host header of the CONNECT frame. It defaults to the
// host of the endpoint URL.
func WithHost(host string) Option {
	return func(c *Conn) { c.host = host }
}

// WithHandshakeTimeout bounds the wait for the CONNECTED frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Conn) { c.handshakeTimeout = d }
}

// Open validates the endpoint and prepares a connection. No network I/O
// happens until Connect.
func Open(rawURL string, header http.Header, opts ...Option) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stomp: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stomp: endpoint %q: scheme must be ws or wss", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("stomp: endpoint %q: missing host", rawURL)
	}
	c := &Conn{
		url:              u.String(),
		header:           header,
		dialer:           websocket.DefaultDialer,
		host:             u.Hostname(),
		handshakeTimeout: defaultHandshakeTimeout,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EndpointFromBase derives the broker endpoint from the HTTP base URL of
// the messenger: http becomes ws, https becomes wss, and path is appended.
func EndpointFromBase(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base url %q: scheme must be http or https", base)
	}
	u.Path += path
	return u.String(), nil
}

// Connect dials the endpoint and performs the STOMP handshake. It returns
// once the broker answered CONNECTED.
func (c *Conn) Connect(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stomp: dial: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	stream := &wsStream{
		ws:          ws,
		onReadError: func(err error) { c.fail(fmt.Errorf("stomp: read: %w", err)) },
		onClose:     c.clientClosed,
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	client, err := gostomp.Connect(stream,
		gostomp.ConnOpt.Host(c.host),
		gostomp.ConnOpt.HeartBeat(0, 0),
	)
	if err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stomp: connect: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	if !stop() {
		_ = stream.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	default:
	}
	c.ws, c.client = ws, client
	c.mu.Unlock()
	log.Debug().Str("endpoint", c.url).Msg("[stomp] connected")
	return nil
}

// Subscribe registers handler for messages sent to destination. Messages
// are acknowledged automatically.
func (c *Conn) Subscribe(destination string, handler func(body []byte)) error {
	c.mu.Lock()
	client := c.client
	if client != nil {
		c.subs++
	}
	c.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	sub, err := client.Subscribe(destination, gostomp.AckAuto)
	if err != nil {
		c.mu.Lock()
		c.subs--
		c.mu.Unlock()
		return fmt.Errorf("stomp: subscribe %s: %w", destination, err)
	}
	go c.pump(destination, sub, handler)
	return nil
}

func (c *Conn) pump(destination string, sub *gostomp.Subscription, handler func([]byte)) {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-sub.C:
			if !ok {
				c.fail(fmt.Errorf("stomp: subscription %s ended", destination))
				return
			}
			if msg.Err != nil {
				c.fail(fmt.Errorf("stomp: broker error: %w", msg.Err))
				return
			}
			handler(msg.Body)
		}
	}
}

// Done is closed when the connection stops delivering messages.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection stopped, or nil while it is running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends DISCONNECT, waits briefly for the receipt and closes the
// socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closing = true
	client := c.client
	c.mu.Unlock()

	if client != nil {
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			if err := client.Disconnect(); err != nil {
				log.Debug().Err(err).Msg("[stomp] disconnect")
			}
		}()
		select {
		case <-disconnected:
		case <-c.done:
		case <-time.After(disconnectTimeout):
		}
	}
	c.finish(ErrClosed)
	return nil
}

// clientClosed runs when the STOMP client drops the transport on its own,
// after a DISCONNECT receipt or a broker ERROR. An ERROR is normally
// reported by the subscriptions, with the broker's message; the grace timer
// ends the connection if none does.
func (c *Conn) clientClosed() {
	c.mu.Lock()
	closing, subs := c.closing, c.subs
	c.mu.Unlock()
	dropped := errors.New("stomp: connection closed by broker")
	if closing || subs == 0 {
		c.fail(dropped)
		return
	}
	time.AfterFunc(errorGrace, func() { c.fail(dropped) })
}

// fail ends the connection with err, or with ErrClosed during Close.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		err = ErrClosed
	}
	c.finish(err)
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		close(c.done)
	})
}
