// Package notify mirrors the viewer's unread notification count and shows
// a toast for every pushed notification.
package notify

import (
	"context"
	"encoding/json"
	"html/template"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
	"github.com/gosuda/portal-roomchat/roomchat/render"
)

// Queue is the personal STOMP destination carrying notifications.
const Queue = "/user/queue/notifications"

// DefaultToastTTL is how long a toast stays up unless dismissed.
const DefaultToastTTL = 5 * time.Second

// API is the notification part of the messenger REST API.
type API interface {
	UnreadCount(ctx context.Context) (int, error)
	MarkAllNotificationsRead(ctx context.Context) error
}

// Surface shows the badge and toasts.
type Surface interface {
	SetBadge(label string, visible bool)
	ShowToast(id string, fragment template.HTML)
	RemoveToast(id string)
}

// Client tracks the unread count. The server is the source of truth; pushes
// increment the local copy until the next load.
type Client struct {
	api     API
	surface Surface
	clock   clock.Clock
	locale  render.Locale
	ttl     time.Duration

	mu         sync.Mutex
	count      int
	toastID    string
	toastTimer *clock.Timer
}

// Option customises a Client.
type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(n *Client) { n.clock = c }
}

func WithLocale(l render.Locale) Option {
	return func(n *Client) { n.locale = l }
}

func WithToastTTL(d time.Duration) Option {
	return func(n *Client) {
		if d > 0 {
			n.ttl = d
		}
	}
}

func New(api API, surface Surface, opts ...Option) *Client {
	c := &Client{
		api:     api,
		surface: surface,
		clock:   clock.New(),
		locale:  render.Korean,
		ttl:     DefaultToastTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init loads the initial count.
func (c *Client) Init(ctx context.Context) {
	c.LoadUnreadCount(ctx)
}

// LoadUnreadCount replaces the local count with the server's. Failures are
// ignored and leave the badge as it was.
func (c *Client) LoadUnreadCount(ctx context.Context) {
	n, err := c.api.UnreadCount(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("[notify] load unread count failed")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = max(n, 0)
	c.updateBadgeLocked()
}

// Count returns the local unread count.
func (c *Client) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// OnNotification counts n and shows it as the only toast.
func (c *Client) OnNotification(n proto.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	c.updateBadgeLocked()
	c.removeToastLocked()

	id := uuid.NewString()
	c.toastID = id
	c.surface.ShowToast(id, render.Toast(id, n.Message, c.locale))
	c.toastTimer = c.clock.AfterFunc(c.ttl, func() { c.DismissToast(id) })
}

// HandleFrame decodes a pushed notification body.
func (c *Client) HandleFrame(body []byte) {
	var n proto.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn().Err(err).Str("body", string(body)).Msg("[notify] parse notification failed")
		return
	}
	c.OnNotification(n)
}

// DismissToast removes the toast with id if it is still shown.
func (c *Client) DismissToast(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == "" || id != c.toastID {
		return
	}
	c.removeToastLocked()
}

// MarkAllRead clears every notification on the server, then the badge.
func (c *Client) MarkAllRead(ctx context.Context) error {
	if err := c.api.MarkAllNotificationsRead(ctx); err != nil {
		log.Error().Err(err).Msg("[notify] mark all read failed")
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
	c.updateBadgeLocked()
	return nil
}

// Close stops the toast timer.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toastTimer != nil {
		c.toastTimer.Stop()
		c.toastTimer = nil
	}
}

func (c *Client) updateBadgeLocked() {
	c.surface.SetBadge(render.BadgeLabel(c.count), c.count > 0)
}

func (c *Client) removeToastLocked() {
	if c.toastTimer != nil {
		c.toastTimer.Stop()
		c.toastTimer = nil
	}
	if c.toastID != "" {
		c.surface.RemoveToast(c.toastID)
		c.toastID = ""
	}
}
