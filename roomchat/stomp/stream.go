package stomp

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream presents a websocket as the byte stream the STOMP client reads
// and writes. Every Write is sent as one text message, which holds one whole
// frame because the client flushes frame by frame. Read drains incoming
// messages back to back.
type wsStream struct {
	ws *websocket.Conn

	r    io.Reader
	rerr error

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	// onReadError reports a transport failure the stream did not cause.
	onReadError func(error)
	// onClose runs when the STOMP client closes the stream.
	onClose func()
}

func (s *wsStream) Read(p []byte) (int, error) {
	if s.rerr != nil {
		return 0, s.rerr
	}
	for {
		if s.r == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				s.rerr = err
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if !closed && s.onReadError != nil {
					s.onReadError(err)
				}
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if err == io.EOF {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	if s.onClose != nil {
		s.onClose()
	}
	return s.ws.Close()
}
