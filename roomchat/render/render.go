// Package render turns chat messages and client state into HTML fragments.
// All fragments are produced by html/template, so every value is escaped for
// its context and unsafe URLs are neutralised.
package render

import (
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
)

// View is everything needed to render one message.
type View struct {
	Message  proto.Message
	ViewerID int64
	Locale   Locale
	Location *time.Location
	// Base resolves server-relative attachment and avatar URLs.
	Base *url.URL
}

type bubbleData struct {
	Mine           bool
	SenderName     string
	Avatar         string
	Initial        string
	Content        string
	IsImage        bool
	IsFile         bool
	AttachmentURL  string
	AttachmentName string
	Unread         int
	Time           string
}

var fragments = template.Must(template.New("fragments").Parse(`
{{- define "system" -}}
<div class="message-system text-center text-muted my-2"><small>{{.}}</small></div>
{{- end -}}

{{- define "avatar" -}}
{{- if .Avatar -}}
<div class="member-avatar member-avatar-image"><img src="{{.Avatar}}" alt=""></div>
{{- else -}}
<div class="member-avatar">{{.Initial}}</div>
{{- end -}}
{{- end -}}

{{- define "body" -}}
{{- if and .IsImage .AttachmentURL -}}
<div class="message-content message-attachment"><a href="{{.AttachmentURL}}" target="_blank" rel="noopener"><img src="{{.AttachmentURL}}" alt="image" class="attachment-image"></a></div>
{{- else if and .IsFile .AttachmentURL -}}
<div class="message-content message-attachment"><a href="{{.AttachmentURL}}" target="_blank" rel="noopener" class="nav-btn">[FILE] {{.AttachmentName}}</a></div>
{{- end -}}
{{- if .Content -}}
<div class="message-content">{{.Content}}</div>
{{- end -}}
{{- end -}}

{{- define "bubble" -}}
{{- if .Mine -}}
<div class="message-wrapper message-mine"><div class="message-bubble">{{template "body" .}}<div class="message-time">{{if .Unread}}<span class="unread-count">{{.Unread}}</span>{{end}}{{.Time}}</div></div></div>
{{- else -}}
<div class="message-wrapper message-other"><div class="d-flex align-items-start gap-8">{{template "avatar" .}}<div><div class="message-bubble"><div class="message-sender">{{.SenderName}}</div>{{template "body" .}}<div class="message-time">{{.Time}}</div></div></div></div></div>
{{- end -}}
{{- end -}}

{{- define "separator" -}}
<div class="date-separator"><span class="date-separator-label">{{.}}</span></div>
{{- end -}}

{{- define "empty" -}}
<div class="text-center text-muted py-3" id="emptyMessage">{{.}}</div>
{{- end -}}

{{- define "toast" -}}
<div class="notification-toast alert alert-info alert-dismissible fade show" data-toast-id="{{.ID}}"><strong>{{.Title}}</strong><br><span>{{.Message}}</span><button type="button" class="btn-close" data-action="dismiss-toast" data-toast-id="{{.ID}}"></button></div>
{{- end -}}

{{- define "confirm" -}}
<div class="file-confirm">
<div class="file-confirm-preview">
{{- if .PreviewURL -}}
<div id="filePreviewImageWrap"><img id="filePreviewImage" src="{{.PreviewURL}}" alt=""></div>
{{- else -}}
<div id="filePreviewGeneric" class="file-generic">[FILE]</div>
{{- end -}}
</div>
<div class="file-confirm-meta"><span id="fileConfirmName">{{.Name}}</span> <span id="fileConfirmSize">{{.Size}}</span></div>
<div class="file-confirm-actions"><button type="button" data-action="dismiss-file">{{.Cancel}}</button><button type="button" data-action="confirm-file">{{.Send}}</button></div>
</div>
{{- end -}}
`))

func execute(name string, data any) template.HTML {
	var b strings.Builder
	if err := fragments.ExecuteTemplate(&b, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("[render] execute template")
		return ""
	}
	// Output of html/template is already escaped for its context.
	return template.HTML(b.String())
}

// resolve makes a server-relative reference absolute against base. Absolute
// and unparsable references are returned as is; the template neutralises
// unsafe ones.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return base.ResolveReference(u).String()
}

// Message renders a message bubble, or a muted notice for system messages.
func Message(v View) template.HTML {
	m := v.Message
	if m.IsSystem() {
		return execute("system", m.Content)
	}
	data := bubbleData{
		Mine:           m.SenderID == v.ViewerID,
		SenderName:     DisplayName(m.SenderName),
		Avatar:         resolve(v.Base, m.SenderProfileImage),
		Initial:        Initial(m.SenderName),
		Content:        m.Content,
		IsImage:        m.MessageType == proto.TypeImage,
		IsFile:         m.MessageType == proto.TypeFile,
		AttachmentURL:  resolve(v.Base, m.AttachmentURL),
		AttachmentName: m.AttachmentName,
	}
	if data.AttachmentName == "" {
		data.AttachmentName = Text(v.Locale).Download
	}
	if data.Mine && m.UnreadCount > 0 {
		data.Unread = m.UnreadCount
	}
	if t, ok := m.SentAt.Time(v.Location); ok {
		data.Time = TimeLabel(t, v.Locale)
	}
	return execute("bubble", data)
}

// DateSeparator renders the banner opening a new calendar day.
func DateSeparator(t time.Time, l Locale) template.HTML {
	return execute("separator", DateLabel(t, l))
}

// EmptyNotice renders the placeholder shown in a room without messages.
func EmptyNotice(l Locale) template.HTML {
	return execute("empty", Text(l).EmptyRoom)
}

// Toast renders a dismissible notification alert.
func Toast(id, message string, l Locale) template.HTML {
	return execute("toast", struct {
		ID      string
		Title   string
		Message string
	}{ID: id, Title: Text(l).NewNotification, Message: message})
}

// FileConfirmView describes a staged attachment awaiting confirmation.
type FileConfirmView struct {
	Name       string
	Size       int64
	PreviewURL string
}

// FileConfirm renders the body of the attachment confirmation modal. An
// image preview is shown only when a preview URL was issued.
func FileConfirm(v FileConfirmView, l Locale) template.HTML {
	s := Text(l)
	return execute("confirm", struct {
		Name       string
		Size       string
		PreviewURL string
		Send       string
		Cancel     string
	}{
		Name:       v.Name,
		Size:       FileSize(v.Size),
		PreviewURL: v.PreviewURL,
		Send:       s.Send,
		Cancel:     s.Cancel,
	})
}

// BadgeLabel formats an unread count for the notification badge.
func BadgeLabel(n int) string {
	if n > 99 {
		return "99+"
	}
	return strconv.Itoa(n)
}

// FileSize formats a byte count the way the messenger labels attachments:
// bytes below 1 KB, then KB or MB with one decimal.
func FileSize(n int64) string {
	switch {
	case n < 1024:
		return strconv.FormatInt(max(n, 0), 10) + " B"
	case n < 1024*1024:
		return strconv.FormatFloat(float64(n)/1024, 'f', 1, 64) + " KB"
	default:
		return strconv.FormatFloat(float64(n)/(1024*1024), 'f', 1, 64) + " MB"
	}
}
