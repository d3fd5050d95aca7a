package chat

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
	"github.com/gosuda/portal-roomchat/roomchat/render"
)

// RoomTopic is the STOMP destination carrying a room's messages.
func RoomTopic(room int64) string {
	return "/topic/chatroom/" + strconv.FormatInt(room, 10)
}

func (s *Session) connect(ctx context.Context) {
	if s.dialer == nil {
		s.startPolling(ctx)
		return
	}
	ch, err := s.dialer.Dial(ctx)
	if err != nil {
		log.Error().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] websocket init failed")
		s.startPolling(ctx)
		return
	}

	s.mu.Lock()
	s.channel = ch
	s.spawnLocked(func() {
		if err := ch.Connect(ctx); err != nil {
			if ctx.Err() == nil {
				s.onConnectionError(ctx, err)
			}
			return
		}
		if err := s.onConnected(ch); err != nil {
			s.onConnectionError(ctx, err)
			return
		}
		select {
		case <-ch.Done():
			if ctx.Err() == nil {
				s.onConnectionError(ctx, ch.Err())
			}
		case <-ctx.Done():
		}
	})
	closed := s.closed
	s.mu.Unlock()
	if closed {
		_ = ch.Close()
	}
}

func (s *Session) onConnected(ch Channel) error {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.setStateLocked(StateLive)
	}
	s.mu.Unlock()
	s.surface.HideStatus()
	log.Info().Int64("room", s.cfg.RoomID).Msg("[chat] live channel connected")

	if err := ch.Subscribe(RoomTopic(s.cfg.RoomID), s.onMessageReceived); err != nil {
		return err
	}
	for _, sub := range s.extra {
		if err := ch.Subscribe(sub.destination, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onConnectionError(ctx context.Context, err error) {
	log.Error().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] websocket connection failed")
	s.surface.ShowStatus(render.Text(s.cfg.Locale).LiveFailed)
	s.startPolling(ctx)
}

// startPolling switches to fallback mode. Calling it again is a no-op.
func (s *Session) startPolling(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFallback {
		s.setStateLocked(StateFallback)
	}
	if s.polling || s.closed {
		return
	}
	s.polling = true
	ticker := s.clock.Ticker(s.cfg.Timing.PollInterval)
	s.spawnLocked(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx)
			}
		}
	})
}

func (s *Session) poll(ctx context.Context) {
	msgs, err := s.api.ListMessages(ctx, s.cfg.RoomID, 0, s.cfg.PageSize)
	s.metrics.poll(err == nil)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] poll failed")
		}
		return
	}

	s.mu.Lock()
	hasNew := false
	for _, m := range msgs {
		if m.ID > 0 && m.ID > s.cursor.LastID {
			s.cursor.LastID = m.ID
			s.appendLocked(m, sourcePoll)
			hasNew = true
		}
	}
	if hasNew {
		s.surface.RemoveEmptyNotice()
		s.surface.ScrollToBottom()
	}
	s.mu.Unlock()

	if hasNew {
		s.goMarkRead(ctx)
	}
}

// onMessageReceived handles one pushed message body.
func (s *Session) onMessageReceived(body []byte) {
	var m proto.Message
	if err := json.Unmarshal(body, &m); err != nil {
		log.Warn().Err(err).Str("body", string(body)).Msg("[chat] parse pushed message failed")
		s.metrics.drop("malformed")
		return
	}

	s.mu.Lock()
	markRead := false
	switch {
	case m.ID > 0 && m.ID > s.cursor.LastID:
		s.cursor.LastID = m.ID
		s.appendLocked(m, sourcePush)
		s.surface.RemoveEmptyNotice()
		s.surface.ScrollToBottom()
		markRead = true
	case m.ID == 0:
		s.appendLocked(m, sourcePush)
		s.surface.RemoveEmptyNotice()
		s.surface.ScrollToBottom()
	default:
		s.metrics.drop("duplicate")
	}
	s.mu.Unlock()

	if markRead {
		s.goMarkRead(s.runContext())
	}
}
