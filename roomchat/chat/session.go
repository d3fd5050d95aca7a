// Package chat drives one chat room: history, the live STOMP channel with its
// polling fallback, rendering into a Surface, and outbound sends.
package chat

import (
	"context"
	"errors"
	"html/template"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
	"github.com/gosuda/portal-roomchat/roomchat/render"
)

// State of the connection manager. Fallback is terminal.
type State int

const (
	StateConnecting State = iota
	StateLive
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateFallback:
		return "fallback"
	default:
		return "connecting"
	}
}

// Timing holds the connection manager delays.
type Timing struct {
	// ConnectTimeout starts polling if the live channel is not confirmed in time.
	ConnectTimeout time.Duration
	// PollInterval is the period of fallback polling.
	PollInterval time.Duration
	// SafetyNet starts polling unconditionally, even on a live channel that
	// claims success but has stopped delivering.
	SafetyNet time.Duration
}

// DefaultTiming matches the messenger web client.
var DefaultTiming = Timing{
	ConnectTimeout: 5 * time.Second,
	PollInterval:   3 * time.Second,
	SafetyNet:      10 * time.Second,
}

const (
	DefaultPageSize  = 50
	DefaultLoginPath = "/auth/login"
)

// Config identifies the room and the viewer.
type Config struct {
	RoomID    int64
	ViewerID  int64
	PageSize  int
	Locale    render.Locale
	Location  *time.Location
	LoginPath string
	Timing    Timing
	// AssetBase is the messenger origin; server-relative attachment and
	// avatar URLs are resolved against it.
	AssetBase *url.URL
}

// Cursor is the render position of a session.
type Cursor struct {
	LastID      int64
	LastDateKey string
}

// Surface receives everything the session wants to show.
type Surface interface {
	Append(fragment template.HTML)
	ShowEmptyNotice(fragment template.HTML)
	RemoveEmptyNotice()
	ScrollToBottom()
	SetLoading(loading bool)
	ShowStatus(text string)
	HideStatus()
	ClearInput()
	Alert(text string)
	Redirect(path string)
	ShowFileConfirm(fragment template.HTML)
	HideFileConfirm()
}

// Previews issues short-lived URLs for staged image attachments.
type Previews interface {
	Create(path, mimeType string) (string, error)
	Revoke(url string)
}

// Staging owns the files handed to StageFile. Discard is called once a
// staged file is no longer needed: dismissed, replaced, sent or abandoned
// on Close.
type Staging interface {
	Discard(path string)
}

// Transcript caches rendered messages so a failed history load can still
// show the last known page.
type Transcript interface {
	Save(m proto.Message) error
	Recent(room int64, limit int) ([]proto.Message, error)
}

// RoomAPI is the subset of the REST API used by a session.
type RoomAPI interface {
	ListMessages(ctx context.Context, room int64, page, size int) ([]proto.Message, error)
	SendText(ctx context.Context, room int64, content string) error
	SendFile(ctx context.Context, room int64, up Upload, caption string) error
	MarkRead(ctx context.Context, room int64) error
}

// Channel is a live subscription transport.
type Channel interface {
	// Connect blocks until the server confirms the session.
	Connect(ctx context.Context) error
	Subscribe(destination string, handler func(body []byte)) error
	// Done is closed when the channel stops delivering.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a channel. An error from Dial is a synchronous setup failure.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

type subscription struct {
	destination string
	handler     func(body []byte)
}

const (
	sourceHistory    = "history"
	sourcePush       = "push"
	sourcePoll       = "poll"
	sourceTranscript = "transcript"
)

// Session is the client-side state of one open room.
type Session struct {
	cfg        Config
	api        RoomAPI
	dialer     Dialer
	surface    Surface
	previews   Previews
	staging    Staging
	transcript Transcript
	metrics    *Metrics
	clock      clock.Clock
	extra      []subscription

	mu      sync.Mutex
	cursor  Cursor
	state   State
	channel Channel
	pending *PendingAttachment
	polling bool
	timers  []*clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// Option customises a Session.
type Option func(*Session)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithPreviews enables image previews for staged attachments.
func WithPreviews(p Previews) Option {
	return func(s *Session) { s.previews = p }
}

// WithStaging hands staged files back to their owner when they are released.
func WithStaging(st Staging) Option {
	return func(s *Session) { s.staging = st }
}

// WithTranscript enables the offline transcript.
func WithTranscript(t Transcript) Option {
	return func(s *Session) { s.transcript = t }
}

// WithMetrics records session counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSubscription adds a destination subscribed once the live channel is up.
func WithSubscription(destination string, handler func(body []byte)) Option {
	return func(s *Session) {
		s.extra = append(s.extra, subscription{destination: destination, handler: handler})
	}
}

// NewSession prepares a session. Nothing happens until Start.
func NewSession(cfg Config, api RoomAPI, dialer Dialer, surface Surface, opts ...Option) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.Locale == "" {
		cfg.Locale = render.Korean
	}
	if cfg.Timing.ConnectTimeout <= 0 {
		cfg.Timing.ConnectTimeout = DefaultTiming.ConnectTimeout
	}
	if cfg.Timing.PollInterval <= 0 {
		cfg.Timing.PollInterval = DefaultTiming.PollInterval
	}
	if cfg.Timing.SafetyNet <= 0 {
		cfg.Timing.SafetyNet = DefaultTiming.SafetyNet
	}
	s := &Session{
		cfg:     cfg,
		api:     api,
		dialer:  dialer,
		surface: surface,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.setState(StateConnecting)
	return s
}

// Start loads history, opens the live channel and arms the fallback timers.
// It returns once history is rendered; everything else runs in background
// goroutines until Close or ctx cancellation. An unauthorized history load
// redirects to the login page and leaves the session idle.
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = runCtx, cancel
	s.mu.Unlock()

	if !s.loadHistory(runCtx) {
		return
	}
	s.connect(runCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers = append(s.timers,
		s.clock.AfterFunc(s.cfg.Timing.ConnectTimeout, func() {
			if s.State() != StateLive {
				log.Info().Int64("room", s.cfg.RoomID).Msg("[chat] live channel not confirmed; polling")
				s.startPolling(runCtx)
			}
		}),
		s.clock.AfterFunc(s.cfg.Timing.SafetyNet, func() {
			log.Debug().Int64("room", s.cfg.RoomID).Str("timer", "safety-net").Msg("[chat] starting polling")
			s.startPolling(runCtx)
		}),
	)
}

// Close stops timers, polling and the live channel, and releases a pending
// preview.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	if s.cancel != nil {
		s.cancel()
	}
	ch := s.channel
	s.releasePendingLocked("")
	s.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	s.wg.Wait()
	return err
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns a copy of the render cursor.
func (s *Session) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Polling reports whether fallback polling has started.
func (s *Session) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	s.metrics.setState(st)
}

func (s *Session) loadHistory(ctx context.Context) bool {
	s.surface.SetLoading(true)
	msgs, err := s.api.ListMessages(ctx, s.cfg.RoomID, 0, s.cfg.PageSize)
	s.surface.SetLoading(false)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			log.Warn().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] history unauthorized; redirecting to login")
			s.surface.Redirect(s.cfg.LoginPath)
			return false
		}
		log.Error().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] load history failed")
		s.replayTranscript()
		return true
	}

	s.mu.Lock()
	s.renderHistoryLocked(msgs, sourceHistory)
	s.mu.Unlock()
	s.goMarkRead(ctx)
	return true
}

func (s *Session) replayTranscript() {
	if s.transcript == nil {
		return
	}
	msgs, err := s.transcript.Recent(s.cfg.RoomID, s.cfg.PageSize)
	if err != nil {
		log.Warn().Err(err).Msg("[chat] read transcript failed")
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Info().Int("count", len(msgs)).Msg("[chat] showing cached transcript")
	s.mu.Lock()
	s.renderHistoryLocked(msgs, sourceTranscript)
	s.mu.Unlock()
}

func (s *Session) renderHistoryLocked(msgs []proto.Message, source string) {
	if len(msgs) == 0 {
		s.surface.ShowEmptyNotice(render.EmptyNotice(s.cfg.Locale))
	}
	for _, m := range msgs {
		if m.ID > s.cursor.LastID {
			s.cursor.LastID = m.ID
		}
		s.appendLocked(m, source)
	}
	s.surface.ScrollToBottom()
}

// appendLocked renders m, preceded by a date separator when m opens a new
// calendar day in the viewer's location.
func (s *Session) appendLocked(m proto.Message, source string) {
	if t, ok := m.SentAt.Time(s.cfg.Location); ok {
		if key := render.DateKey(t); key != s.cursor.LastDateKey {
			s.cursor.LastDateKey = key
			s.surface.Append(render.DateSeparator(t, s.cfg.Locale))
		}
	}
	s.surface.Append(render.Message(render.View{
		Message:  m,
		ViewerID: s.cfg.ViewerID,
		Locale:   s.cfg.Locale,
		Location: s.cfg.Location,
		Base:     s.cfg.AssetBase,
	}))
	s.metrics.render(source)
	if s.transcript != nil && source != sourceTranscript && m.ID > 0 {
		if m.ChatRoomID == 0 {
			m.ChatRoomID = s.cfg.RoomID
		}
		if err := s.transcript.Save(m); err != nil {
			log.Debug().Err(err).Int64("id", m.ID).Msg("[chat] transcript save failed")
		}
	}
}

// spawn runs fn in a goroutine tracked by Close. It is a no-op once the
// session is closed.
func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(fn)
}

func (s *Session) spawnLocked(fn func()) {
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) goMarkRead(ctx context.Context) {
	s.spawn(func() {
		if err := s.api.MarkRead(ctx, s.cfg.RoomID); err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] mark read failed")
		}
	})
}

// runContext is the context of the running session, or Background before
// Start.
func (s *Session) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
