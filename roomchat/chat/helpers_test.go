package chat

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
)

type receivedFile struct {
	Name        string
	ContentType string
	Body        []byte
	Caption     string
	HasCaption  bool
}

// fakeAPI is an in-memory messenger REST API.
type fakeAPI struct {
	mu            sync.Mutex
	messages      []proto.Message
	historyStatus int
	sendStatus    int
	sendMessage   string
	unread        int
	cookies       []string

	listCalls int
	reads     int
	readAll   int
	texts     []proto.SendRequest
	files     []receivedFile
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(proto.Envelope[any]{
		Success: status < 300,
		Message: message,
		Data:    data,
	})
}

func (f *fakeAPI) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.cookies = append(f.cookies, r.Header.Get("Cookie"))
			f.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	r.Get("/api/chat/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listCalls++
		if f.historyStatus != 0 && f.listCalls == 1 {
			writeEnvelope(w, f.historyStatus, "denied", nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "", append([]proto.Message(nil), f.messages...))
	})
	r.Post("/api/chat/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req proto.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.texts = append(f.texts, req)
		if f.sendStatus != 0 {
			writeEnvelope(w, f.sendStatus, f.sendMessage, nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "", nil)
	})
	r.Post("/api/chat/rooms/{id}/messages/file", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		defer func() { _ = file.Close() }()
		body, _ := io.ReadAll(file)
		_, hasCaption := r.MultipartForm.Value["content"]

		f.mu.Lock()
		defer f.mu.Unlock()
		f.files = append(f.files, receivedFile{
			Name:        header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        body,
			Caption:     r.FormValue("content"),
			HasCaption:  hasCaption,
		})
		if f.sendStatus != 0 {
			writeEnvelope(w, f.sendStatus, f.sendMessage, nil)
			return
		}
		writeEnvelope(w, http.StatusOK, "", nil)
	})
	r.Post("/api/chat/rooms/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reads++
		f.mu.Unlock()
		writeEnvelope(w, http.StatusOK, "", nil)
	})
	r.Get("/api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeEnvelope(w, http.StatusOK, "", f.unread)
	})
	r.Post("/api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.readAll++
		f.unread = 0
		f.mu.Unlock()
		writeEnvelope(w, http.StatusOK, "", nil)
	})
	return r
}

func (f *fakeAPI) setMessages(msgs ...proto.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = msgs
}

func (f *fakeAPI) counts() (list, reads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.reads
}

func (f *fakeAPI) sentFiles() []receivedFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receivedFile(nil), f.files...)
}

func (f *fakeAPI) sentTexts() []proto.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.SendRequest(nil), f.texts...)
}

func newFakeAPI(t *testing.T, msgs ...proto.Message) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{messages: msgs}
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, WithCookie("JSESSIONID=test"))
	require.NoError(t, err)
	return f, c
}

type surfaceState struct {
	appended      []string
	emptyShown    []string
	emptyRemoved  int
	statuses      []string
	statusHidden  int
	cleared       int
	alerts        []string
	redirects     []string
	confirms      []string
	confirmHidden int
	loading       []bool
}

// recordingSurface records everything a session shows.
type recordingSurface struct {
	mu sync.Mutex
	st surfaceState
}

func (r *recordingSurface) Append(fragment template.HTML) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.appended = append(r.st.appended, string(fragment))
}

func (r *recordingSurface) ShowEmptyNotice(fragment template.HTML) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.emptyShown = append(r.st.emptyShown, string(fragment))
}

func (r *recordingSurface) RemoveEmptyNotice() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.emptyRemoved++
}

func (r *recordingSurface) ScrollToBottom() {}

func (r *recordingSurface) SetLoading(loading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.loading = append(r.st.loading, loading)
}

func (r *recordingSurface) ShowStatus(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.statuses = append(r.st.statuses, text)
}

func (r *recordingSurface) HideStatus() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.statusHidden++
}

func (r *recordingSurface) ClearInput() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.cleared++
}

func (r *recordingSurface) Alert(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.alerts = append(r.st.alerts, text)
}

func (r *recordingSurface) Redirect(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.redirects = append(r.st.redirects, path)
}

func (r *recordingSurface) ShowFileConfirm(fragment template.HTML) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.confirms = append(r.st.confirms, string(fragment))
}

func (r *recordingSurface) HideFileConfirm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.confirmHidden++
}

func (r *recordingSurface) html() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.st.appended, "\n")
}

func (r *recordingSurface) count(substr string) int {
	return strings.Count(r.html(), substr)
}

func (r *recordingSurface) snapshot() surfaceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return surfaceState{
		appended:      append([]string(nil), r.st.appended...),
		emptyShown:    append([]string(nil), r.st.emptyShown...),
		emptyRemoved:  r.st.emptyRemoved,
		statuses:      append([]string(nil), r.st.statuses...),
		statusHidden:  r.st.statusHidden,
		cleared:       r.st.cleared,
		alerts:        append([]string(nil), r.st.alerts...),
		redirects:     append([]string(nil), r.st.redirects...),
		confirms:      append([]string(nil), r.st.confirms...),
		confirmHidden: r.st.confirmHidden,
		loading:       append([]bool(nil), r.st.loading...),
	}
}

// fakeChannel is a live channel driven by the test.
type fakeChannel struct {
	connectErr error
	// release, when set, holds Connect until closed.
	release chan struct{}

	mu       sync.Mutex
	handlers map[string]func([]byte)
	done     chan struct{}
	err      error
	closed   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]func([]byte)), done: make(chan struct{})}
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.connectErr
}

func (c *fakeChannel) Subscribe(destination string, handler func(body []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[destination] = handler
	return nil
}

func (c *fakeChannel) subscribed(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[destination]
	return ok
}

func (c *fakeChannel) deliver(t *testing.T, destination string, body string) {
	t.Helper()
	c.mu.Lock()
	h := c.handlers[destination]
	c.mu.Unlock()
	require.NotNil(t, h, "no subscription for %s", destination)
	h([]byte(body))
}

func (c *fakeChannel) push(t *testing.T, room int64, m proto.Message) {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	c.deliver(t, RoomTopic(room), string(b))
}

func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.done)
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.drop(nil)
	return nil
}

func dialTo(ch Channel) Dialer {
	return DialerFunc(func(context.Context) (Channel, error) { return ch, nil })
}

type fakePreviews struct {
	mu      sync.Mutex
	next    int
	created []string
	revoked []string
}

func (p *fakePreviews) Create(path, mimeType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	url := "preview/" + strings.Repeat("p", p.next)
	p.created = append(p.created, url)
	return url, nil
}

func (p *fakePreviews) Revoke(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, url)
}

func (p *fakePreviews) revokedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

type fakeStaging struct {
	mu        sync.Mutex
	discarded []string
}

func (f *fakeStaging) Discard(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, path)
}

func (f *fakeStaging) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.discarded...)
}

type memoryTranscript struct {
	mu    sync.Mutex
	saved []proto.Message
	cache []proto.Message
}

func (m *memoryTranscript) Save(msg proto.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, msg)
	return nil
}

func (m *memoryTranscript) Recent(room int64, limit int) ([]proto.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proto.Message(nil), m.cache...), nil
}

func (m *memoryTranscript) savedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.saved))
	for _, msg := range m.saved {
		ids = append(ids, msg.ID)
	}
	return ids
}

const testRoom int64 = 42

func textMessage(id int64, content, sentAt string) proto.Message {
	return proto.Message{
		ID:          id,
		ChatRoomID:  testRoom,
		SenderID:    2,
		SenderName:  "kim",
		Content:     content,
		MessageType: proto.TypeText,
		SentAt:      proto.Timestamp(sentAt),
	}
}

func testConfig() Config {
	return Config{RoomID: testRoom, ViewerID: 1, Location: time.UTC}
}

func startSession(t *testing.T, api RoomAPI, dialer Dialer, surface Surface, mock *clock.Mock, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithClock(mock)}, opts...)
	s := NewSession(testConfig(), api, dialer, surface, opts...)
	t.Cleanup(func() { _ = s.Close() })
	s.Start(context.Background())
	return s
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
