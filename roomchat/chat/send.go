package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-roomchat/roomchat/render"
)

// PendingAttachment is a file staged for sending, awaiting confirmation.
type PendingAttachment struct {
	Path       string
	Name       string
	Size       int64
	MIME       string
	PreviewURL string
}

// IsImage reports whether the staged file is an image.
func (p PendingAttachment) IsImage() bool {
	return strings.HasPrefix(p.MIME, "image/")
}

// Pending returns a copy of the staged attachment, if any.
func (s *Session) Pending() (PendingAttachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingAttachment{}, false
	}
	return *s.pending, true
}

// Submit is the form action: with a staged file it re-opens the confirmation
// step, otherwise it sends content as text.
func (s *Session) Submit(ctx context.Context, content string) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p != nil {
		return s.StageFile(p.Path, p.Name)
	}
	return s.SendText(ctx, content)
}

// SendText posts content as a TEXT message. The input is cleared whatever
// the outcome; a failure raises an alert.
func (s *Session) SendText(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	s.surface.ClearInput()
	if err := s.api.SendText(ctx, s.cfg.RoomID, content); err != nil {
		log.Error().Err(err).Int64("room", s.cfg.RoomID).Msg("[chat] send text failed")
		s.surface.Alert(alertText(err, render.Text(s.cfg.Locale).TextSendFailed))
		return err
	}
	s.goMarkRead(ctx)
	return nil
}

// StageFile puts the file at path into the single pending slot and shows
// the confirmation step. name is the display name; it defaults to the base
// name of path. A previously staged preview is revoked first.
func (s *Session) StageFile(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stage file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("stage file: %s is a directory", path)
	}
	if name == "" {
		name = filepath.Base(path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("detect mime type: %w", err)
	}
	p := &PendingAttachment{Path: path, Name: name, Size: info.Size(), MIME: mt.String()}

	s.mu.Lock()
	s.releasePendingLocked(path)
	if p.IsImage() && s.previews != nil {
		url, err := s.previews.Create(path, p.MIME)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("[chat] preview unavailable")
		} else {
			p.PreviewURL = url
		}
	}
	s.pending = p
	s.mu.Unlock()

	s.surface.ShowFileConfirm(render.FileConfirm(render.FileConfirmView{
		Name:       p.Name,
		Size:       p.Size,
		PreviewURL: p.PreviewURL,
	}, s.cfg.Locale))
	return nil
}

// DismissFile closes the confirmation step, revoking the preview and
// discarding the staged file.
func (s *Session) DismissFile() {
	s.mu.Lock()
	s.releasePendingLocked("")
	s.mu.Unlock()
	s.surface.HideFileConfirm()
}

// releasePendingLocked empties the pending slot and revokes its preview.
// The staged file is discarded unless its path is keep.
func (s *Session) releasePendingLocked(keep string) {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil
	if p.PreviewURL != "" && s.previews != nil {
		s.previews.Revoke(p.PreviewURL)
	}
	if p.Path != keep {
		s.discard(p.Path)
	}
}

func (s *Session) discard(path string) {
	if s.staging != nil {
		s.staging.Discard(path)
	}
}

// ConfirmFile sends the pending file with caption as a multipart upload.
// The confirmation step is dismissed before the request is issued. On
// failure the file is staged again so the user can retry, and the caption
// is left in place. A sent file is discarded.
func (s *Session) ConfirmFile(ctx context.Context, caption string) error {
	s.mu.Lock()
	p := s.pending
	if p == nil {
		s.mu.Unlock()
		return nil
	}
	s.releasePendingLocked(p.Path)
	s.mu.Unlock()
	s.surface.HideFileConfirm()
	caption = strings.TrimSpace(caption)

	err := s.sendFile(ctx, *p, caption)
	if err != nil {
		log.Error().Err(err).Int64("room", s.cfg.RoomID).Str("file", p.Name).Msg("[chat] send file failed")
		s.surface.Alert(alertText(err, render.Text(s.cfg.Locale).FileSendFailed))
		if stageErr := s.StageFile(p.Path, p.Name); stageErr != nil {
			log.Warn().Err(stageErr).Str("file", p.Name).Msg("[chat] restage failed")
			s.discard(p.Path)
		}
		return err
	}
	s.discard(p.Path)
	s.surface.ClearInput()
	s.goMarkRead(ctx)
	return nil
}

func (s *Session) sendFile(ctx context.Context, p PendingAttachment, caption string) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()
	return s.api.SendFile(ctx, s.cfg.RoomID, Upload{Name: p.Name, MIME: p.MIME, Body: f}, caption)
}

func alertText(err error, fallback string) string {
	if msg := ServerMessage(err); msg != "" {
		return msg
	}
	return fallback
}
