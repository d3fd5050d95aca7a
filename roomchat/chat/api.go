package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
)

// ErrUnauthorized is returned for 401 and 403 replies.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx reply from the messenger API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// ServerMessage extracts the human readable message the server attached to
// a failed request, if any.
func ServerMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return ""
}

// Upload is a file handed to SendFile.
type Upload struct {
	Name string
	MIME string
	Body io.Reader
}

// Client talks to the messenger REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	cookie string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithCookie attaches a raw Cookie header (for example "JSESSIONID=...")
// to every request.
func WithCookie(cookie string) ClientOption {
	return func(c *Client) { c.cookie = strings.TrimSpace(cookie) }
}

// NewClient builds an API client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func roomPath(room int64, suffix string) string {
	return "/api/chat/rooms/" + strconv.FormatInt(room, 10) + suffix
}

// ListMessages fetches one page of room history.
func (c *Client) ListMessages(ctx context.Context, room int64, page, size int) ([]proto.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(roomPath(room, "/messages"), q), nil)
	if err != nil {
		return nil, err
	}
	var env proto.Envelope[[]proto.Message]
	if err := c.do(req, &env); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return env.Data, nil
}

// SendText posts a plain text message.
func (c *Client) SendText(ctx context.Context, room int64, content string) error {
	body, err := json.Marshal(proto.SendRequest{ChatRoomID: room, Content: content, MessageType: proto.TypeText})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(roomPath(room, "/messages"), nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// SendFile posts a multipart upload with an optional caption.
func (c *Client) SendFile(ctx context.Context, room int64, up Upload, caption string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := up.Name
	if name == "" {
		name = "file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	contentType := up.MIME
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, up.Body); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("content", caption); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(roomPath(room, "/messages/file"), nil), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

// MarkRead records that the viewer has read the room up to now.
func (c *Client) MarkRead(ctx context.Context, room int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(roomPath(room, "/read"), nil), nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// UnreadCount returns the viewer's unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/notifications/unread-count", nil), nil)
	if err != nil {
		return 0, err
	}
	var env proto.Envelope[*int]
	if err := c.do(req, &env); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	if env.Data == nil {
		return 0, errors.New("unread count: response carries no data")
	}
	return *env.Data, nil
}

// MarkAllNotificationsRead clears every unread notification.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/notifications/read-all", nil), nil)
	if err != nil {
		return err
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("mark notifications read: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env proto.Envelope[json.RawMessage]
		if json.Unmarshal(body, &env) == nil {
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
