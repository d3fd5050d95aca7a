package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/render"
)

const (
	maxBacklog    = 500
	maxAttachment = 50 << 20
	writeTimeout  = 10 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 20 * time.Second
)

// roomActions is what a browser tab can ask of the chat session.
type roomActions interface {
	Submit(ctx context.Context, content string) error
	ConfirmFile(ctx context.Context, caption string) error
	DismissFile()
	StageFile(path, name string) error
}

// notifyActions is what a browser tab can ask of the notification client.
type notifyActions interface {
	DismissToast(id string)
	MarkAllRead(ctx context.Context) error
}

// event is one instruction streamed to browser tabs.
type event struct {
	Op      string `json:"op"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
	ID      string `json:"id,omitempty"`
	Visible bool   `json:"visible,omitempty"`
}

// action is one request from a browser tab.
type action struct {
	Action string `json:"action"`
	Text   string `json:"text"`
	ID     string `json:"id"`
}

type preview struct {
	path string
	mime string
}

type badgeState struct {
	label   string
	visible bool
}

// viewer mirrors the session's surface to every connected browser tab.
// New tabs receive the backlog and the current overlays (notice, status
// banner, confirm modal, badge, toasts) before live events.
type viewer struct {
	name       string
	baseURL    string
	stagingDir string
	locale     render.Locale
	metrics    http.Handler

	room   roomActions
	notify notifyActions
	ctx    context.Context

	mu       sync.RWMutex
	redirect string
	backlog  []string
	empty    string
	status   string
	confirm  string
	badge    badgeState
	toasts   map[string]string
	previews map[string]preview
	conns    map[*websocket.Conn]*sync.Mutex
	wg       sync.WaitGroup
}

func newViewer(name, baseURL, stagingDir string, locale render.Locale, reg *prometheus.Registry) (*viewer, error) {
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &viewer{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		stagingDir: stagingDir,
		locale:     locale,
		metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ctx:        context.Background(),
		toasts:     make(map[string]string),
		previews:   make(map[string]preview),
		conns:      make(map[*websocket.Conn]*sync.Mutex),
	}, nil
}

// attach wires the session and notification client the tabs act on.
func (v *viewer) attach(ctx context.Context, room roomActions, notify notifyActions) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ctx, v.room, v.notify = ctx, room, notify
}

// writeJSON writes v without HTML escaping; fragments are already escaped.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

func (v *viewer) broadcast(e event) {
	v.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(v.conns))
	for c, mu := range v.conns {
		conns[c] = mu
	}
	v.mu.RUnlock()
	for c, mu := range conns {
		mu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeJSON(c, e); err != nil {
			log.Debug().Err(err).Str("op", e.Op).Msg("[viewer] write event failed")
		}
		mu.Unlock()
	}
}

// chat.Surface

func (v *viewer) Append(fragment template.HTML) {
	v.mu.Lock()
	v.backlog = append(v.backlog, string(fragment))
	if len(v.backlog) > maxBacklog {
		v.backlog = append(v.backlog[:0], v.backlog[len(v.backlog)-maxBacklog:]...)
	}
	v.mu.Unlock()
	v.broadcast(event{Op: "append", HTML: string(fragment)})
}

func (v *viewer) ShowEmptyNotice(fragment template.HTML) {
	v.mu.Lock()
	v.empty = string(fragment)
	v.mu.Unlock()
	v.broadcast(event{Op: "empty", HTML: string(fragment)})
}

func (v *viewer) RemoveEmptyNotice() {
	v.mu.Lock()
	had := v.empty != ""
	v.empty = ""
	v.mu.Unlock()
	if had {
		v.broadcast(event{Op: "remove-empty"})
	}
}

func (v *viewer) ScrollToBottom() { v.broadcast(event{Op: "scroll"}) }

func (v *viewer) SetLoading(loading bool) {
	v.broadcast(event{Op: "loading", Visible: loading})
}

func (v *viewer) ShowStatus(text string) {
	v.mu.Lock()
	v.status = text
	v.mu.Unlock()
	v.broadcast(event{Op: "status", Text: text})
}

func (v *viewer) HideStatus() {
	v.mu.Lock()
	v.status = ""
	v.mu.Unlock()
	v.broadcast(event{Op: "hide-status"})
}

func (v *viewer) ClearInput() { v.broadcast(event{Op: "clear-input"}) }

func (v *viewer) Alert(text string) { v.broadcast(event{Op: "alert", Text: text}) }

// Redirect is sticky: tabs opened later are sent to the same place.
func (v *viewer) Redirect(path string) {
	log.Warn().Str("path", path).Msg("[viewer] login required")
	target := v.baseURL + path
	v.mu.Lock()
	v.redirect = target
	v.mu.Unlock()
	v.broadcast(event{Op: "redirect", Text: target})
}

func (v *viewer) ShowFileConfirm(fragment template.HTML) {
	v.mu.Lock()
	v.confirm = string(fragment)
	v.mu.Unlock()
	v.broadcast(event{Op: "confirm", HTML: string(fragment)})
}

func (v *viewer) HideFileConfirm() {
	v.mu.Lock()
	v.confirm = ""
	v.mu.Unlock()
	v.broadcast(event{Op: "hide-confirm"})
}

// notify.Surface

func (v *viewer) SetBadge(label string, visible bool) {
	v.mu.Lock()
	v.badge = badgeState{label: label, visible: visible}
	v.mu.Unlock()
	v.broadcast(event{Op: "badge", Text: label, Visible: visible})
}

func (v *viewer) ShowToast(id string, fragment template.HTML) {
	v.mu.Lock()
	v.toasts[id] = string(fragment)
	v.mu.Unlock()
	v.broadcast(event{Op: "toast", ID: id, HTML: string(fragment)})
}

func (v *viewer) RemoveToast(id string) {
	v.mu.Lock()
	delete(v.toasts, id)
	v.mu.Unlock()
	v.broadcast(event{Op: "remove-toast", ID: id})
}

// chat.Previews

// Create issues a relative preview URL so it resolves under any relay path
// prefix.
func (v *viewer) Create(path, mimeType string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	token := uuid.NewString()
	v.mu.Lock()
	v.previews[token] = preview{path: path, mime: mimeType}
	v.mu.Unlock()
	return "preview/" + token, nil
}

func (v *viewer) Revoke(url string) {
	token := strings.TrimPrefix(url, "preview/")
	v.mu.Lock()
	delete(v.previews, token)
	v.mu.Unlock()
}

// chat.Staging

// Discard removes a file staged through /attach. Paths outside the staging
// directory are left alone.
func (v *viewer) Discard(path string) {
	rel, err := filepath.Rel(v.stagingDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", path).Msg("[viewer] discard staged file")
	}
}

func (v *viewer) servePreview(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	v.mu.RLock()
	p, ok := v.previews[token]
	v.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(p.path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "stat failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", p.mime)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// handleAttach stores an uploaded file in the staging directory and stages
// it on the session.
func (v *viewer) handleAttach(w http.ResponseWriter, r *http.Request) {
	v.mu.RLock()
	room := v.room
	v.mu.RUnlock()
	if room == nil {
		http.Error(w, "room not ready", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachment)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "file exceeds "+humanize.IBytes(maxAttachment), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	name := filepath.Base(header.Filename)
	dst, err := os.CreateTemp(v.stagingDir, "attach-*"+filepath.Ext(name))
	if err != nil {
		log.Error().Err(err).Msg("[viewer] create staging file")
		http.Error(w, "staging failed", http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(dst, file)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		http.Error(w, "upload interrupted", http.StatusBadRequest)
		return
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dst.Name())
		http.Error(w, "staging failed", http.StatusInternalServerError)
		return
	}

	log.Debug().Str("file", name).Str("size", humanize.IBytes(uint64(n))).Msg("[viewer] attachment staged")
	if err := room.StageFile(dst.Name(), name); err != nil {
		log.Error().Err(err).Str("file", name).Msg("[viewer] stage file failed")
		_ = os.Remove(dst.Name())
		http.Error(w, "stage failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (v *viewer) dispatch(a action) {
	v.mu.RLock()
	ctx, room, notify := v.ctx, v.room, v.notify
	v.mu.RUnlock()

	switch a.Action {
	case "send":
		if room != nil {
			_ = room.Submit(ctx, a.Text)
		}
	case "confirm-file":
		if room != nil {
			_ = room.ConfirmFile(ctx, a.Text)
		}
	case "dismiss-file":
		if room != nil {
			room.DismissFile()
		}
	case "dismiss-toast":
		if notify != nil {
			notify.DismissToast(a.ID)
		}
	case "read-all":
		if notify != nil {
			_ = notify.MarkAllRead(ctx)
		}
	default:
		log.Debug().Str("action", a.Action).Msg("[viewer] unknown action")
	}
}

// snapshotLocked returns the events a new tab needs to catch up.
func (v *viewer) snapshotLocked() []event {
	out := make([]event, 0, len(v.backlog)+len(v.toasts)+5)
	if v.redirect != "" {
		out = append(out, event{Op: "redirect", Text: v.redirect})
	}
	if v.empty != "" {
		out = append(out, event{Op: "empty", HTML: v.empty})
	}
	for _, f := range v.backlog {
		out = append(out, event{Op: "append", HTML: f})
	}
	if v.status != "" {
		out = append(out, event{Op: "status", Text: v.status})
	}
	if v.confirm != "" {
		out = append(out, event{Op: "confirm", HTML: v.confirm})
	}
	if v.badge.label != "" {
		out = append(out, event{Op: "badge", Text: v.badge.label, Visible: v.badge.visible})
	}
	for id, f := range v.toasts {
		out = append(out, event{Op: "toast", ID: id, HTML: f})
	}
	return append(out, event{Op: "scroll"})
}

func (v *viewer) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Snapshot and registration share one critical section so no event is
	// lost in between. Live events wait on mu until the catch-up is written.
	mu := &sync.Mutex{}
	mu.Lock()
	v.mu.Lock()
	catchUp := v.snapshotLocked()
	v.conns[conn] = mu
	v.mu.Unlock()
	for _, e := range catchUp {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = writeJSON(conn, e)
	}
	mu.Unlock()

	ticker := time.NewTicker(pingInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	v.wg.Add(1)
	go func() {
		defer func() {
			close(done)
			v.mu.Lock()
			delete(v.conns, conn)
			v.mu.Unlock()
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			mu.Unlock()
			v.wg.Done()
		}()
		for {
			var a action
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if err := conn.ReadJSON(&a); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					log.Debug().Err(err).Msg("[viewer] read action failed")
				}
				return
			}
			v.dispatch(a)
		}
	}()
}

// closeAll asks every tab to go away (used during shutdown).
func (v *viewer) closeAll() {
	v.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(v.conns))
	for c, mu := range v.conns {
		conns[c] = mu
	}
	v.mu.RUnlock()
	for c, mu := range conns {
		mu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		_ = c.Close()
		mu.Unlock()
	}
}

// wait blocks until all websocket handler goroutines have finished.
func (v *viewer) wait() {
	v.wg.Wait()
}

// cleanup removes staged attachments.
func (v *viewer) cleanup() error {
	return os.RemoveAll(v.stagingDir)
}

// NewHandler builds the viewer router.
func NewHandler(v *viewer) http.Handler {
	r := chi.NewRouter()
	r.Get("/", v.serveIndex)
	r.Get("/ws", v.handleWS)
	r.Post("/attach", v.handleAttach)
	r.Get("/preview/{token}", v.servePreview)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", v.metrics)
	return r
}

func (v *viewer) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct {
		Name string
		Text render.Strings
	}{Name: v.name, Text: render.Text(v.locale)})
}

var indexTmpl = template.Must(template.New("roomchat").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Name}}</title>
  <style>
    :root{ --bg:#0d1117; --panel:#111827; --border:#1f2937; --fg:#e5e7eb; --muted:#9ca3af; --accent:#22c55e; --mine:#1d4ed8; }
    *{ box-sizing:border-box }
    body{ margin:0; padding:24px; background:var(--bg); color:var(--fg); font-family:ui-sans-serif, system-ui, -apple-system, Segoe UI, Roboto, Helvetica, Arial }
    .wrap{ max-width:760px; margin:0 auto }
    .header{ display:flex; align-items:center; justify-content:space-between; margin-bottom:12px }
    h1{ margin:0; font-size:20px }
    .bell{ position:relative; border:1px solid var(--border); border-radius:6px; padding:6px 10px; background:transparent; color:var(--fg); cursor:pointer }
    .badge{ position:absolute; top:-8px; right:-8px; background:#ef4444; color:#fff; border-radius:999px; font-size:11px; padding:1px 6px; display:none }
    .status{ display:none; padding:8px 12px; border:1px solid #d97706; color:#fbbf24; border-radius:6px; margin-bottom:8px; font-size:13px }
    .loading{ display:none; color:var(--muted); font-size:13px; margin-bottom:8px }
    #chatMessages{ height:60vh; overflow:auto; border:1px solid var(--border); border-radius:10px; background:var(--panel); padding:14px }
    .message-wrapper{ display:flex; margin:6px 0 }
    .message-mine{ justify-content:flex-end }
    .message-mine .message-bubble{ background:var(--mine) }
    .message-bubble{ background:#1f2937; border-radius:10px; padding:8px 12px; max-width:70% }
    .message-sender{ font-size:12px; color:var(--muted) }
    .message-time{ font-size:11px; color:var(--muted); text-align:right }
    .unread-count{ color:#fbbf24; margin-right:6px }
    .member-avatar{ width:32px; height:32px; border-radius:50%; background:#374151; display:flex; align-items:center; justify-content:center; margin-right:8px; overflow:hidden }
    .member-avatar img{ width:100%; height:100% }
    .attachment-image{ max-width:240px; border-radius:8px }
    .d-flex{ display:flex }
    .message-system,.text-center{ text-align:center; color:var(--muted); font-size:13px }
    .date-separator{ text-align:center; margin:12px 0; color:var(--muted); font-size:12px }
    .date-separator-label{ border:1px solid var(--border); border-radius:999px; padding:2px 10px }
    form{ display:flex; gap:8px; margin-top:10px }
    #messageInput{ flex:1; background:transparent; border:1px solid var(--border); color:var(--fg); border-radius:6px; padding:8px }
    button{ background:transparent; border:1px solid var(--border); color:var(--fg); border-radius:6px; padding:6px 10px; cursor:pointer }
    .overlay{ display:none; position:fixed; inset:0; background:rgba(0,0,0,.7); align-items:center; justify-content:center }
    .overlay.show{ display:flex }
    .file-confirm{ background:var(--panel); border:1px solid var(--border); border-radius:10px; padding:16px; min-width:280px }
    .file-confirm img{ max-width:320px; max-height:320px }
    .file-confirm-actions{ display:flex; gap:8px; justify-content:flex-end; margin-top:12px }
    #notificationContainer{ position:fixed; top:16px; right:16px; z-index:9999 }
    .notification-toast{ background:var(--panel); border:1px solid var(--accent); border-radius:8px; padding:10px 14px; min-width:220px }
  </style>
</head>
<body>
  <div class="wrap">
    <div class="header">
      <h1>{{.Name}}</h1>
      <button class="bell" id="bell" title="read all">&#128276;<span class="badge" id="notificationBadge"></span></button>
    </div>
    <div class="status" id="connectionStatus"></div>
    <div class="loading" id="loading">&hellip;</div>
    <div id="chatMessages"></div>
    <form id="messageForm">
      <input type="file" id="fileInput" />
      <input id="messageInput" autocomplete="off" />
      <button type="submit">{{.Text.Send}}</button>
    </form>
  </div>
  <div class="overlay" id="fileConfirmModal"></div>
  <div id="notificationContainer"></div>
<script>
(function(){
  var box = document.getElementById('chatMessages');
  var input = document.getElementById('messageInput');
  var fileInput = document.getElementById('fileInput');
  var modal = document.getElementById('fileConfirmModal');
  var toasts = document.getElementById('notificationContainer');
  var badge = document.getElementById('notificationBadge');
  var status = document.getElementById('connectionStatus');
  var loading = document.getElementById('loading');
  var ws;

  function send(obj){ if (ws && ws.readyState === 1) ws.send(JSON.stringify(obj)); }
  function html(el, s){ var t = document.createElement('template'); t.innerHTML = s; el.appendChild(t.content); }

  var ops = {
    'append': function(e){ html(box, e.html); },
    'empty': function(e){ var old = document.getElementById('emptyMessage'); if (old) old.remove(); html(box, e.html); },
    'remove-empty': function(){ var el = document.getElementById('emptyMessage'); if (el) el.remove(); },
    'scroll': function(){ box.scrollTop = box.scrollHeight; },
    'loading': function(e){ loading.style.display = e.visible ? 'block' : 'none'; },
    'status': function(e){ status.textContent = e.text; status.style.display = 'block'; },
    'hide-status': function(){ status.style.display = 'none'; },
    'clear-input': function(){ input.value = ''; fileInput.value = ''; input.focus(); },
    'alert': function(e){ alert(e.text); },
    'redirect': function(e){ window.location.href = e.text; },
    'confirm': function(e){ modal.innerHTML = ''; html(modal, e.html); modal.classList.add('show'); },
    'hide-confirm': function(){ modal.classList.remove('show'); modal.innerHTML = ''; },
    'badge': function(e){ badge.textContent = e.text; badge.style.display = e.visible ? 'inline-block' : 'none'; },
    'toast': function(e){ html(toasts, e.html); },
    'remove-toast': function(e){ var el = toasts.querySelector('[data-toast-id="' + e.id + '"]'); if (el) el.remove(); }
  };

  function connect(){
    var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    var path = location.pathname.replace(/[^/]*$/, '');
    ws = new WebSocket(proto + location.host + path + 'ws');
    ws.onmessage = function(ev){
      var e = JSON.parse(ev.data);
      if (ops[e.op]) ops[e.op](e);
    };
    ws.onclose = function(){ setTimeout(connect, 2000); };
  }

  document.getElementById('messageForm').addEventListener('submit', function(ev){
    ev.preventDefault();
    send({action: 'send', text: input.value});
  });
  fileInput.addEventListener('change', function(){
    var f = fileInput.files[0];
    if (!f) return;
    var fd = new FormData();
    fd.append('file', f);
    fetch('attach', {method: 'POST', body: fd});
  });
  document.getElementById('bell').addEventListener('click', function(){ send({action: 'read-all'}); });
  document.addEventListener('click', function(ev){
    var el = ev.target.closest('[data-action]');
    if (!el) return;
    var act = el.getAttribute('data-action');
    if (act === 'confirm-file') send({action: act, text: input.value});
    else if (act === 'dismiss-file') { fileInput.value = ''; send({action: act}); }
    else if (act === 'dismiss-toast') send({action: act, id: el.getAttribute('data-toast-id')});
  });
  connect();
})();
</script>
</body>
</html>`))
