package render

import (
	"fmt"
	"strings"
	"time"
)

// Locale selects the language of every user-visible label.
type Locale string

const (
	Korean  Locale = "ko"
	English Locale = "en"
)

// ParseLocale maps a language tag such as "en-US" to a supported locale.
// Unknown tags fall back to Korean.
func ParseLocale(tag string) Locale {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if strings.HasPrefix(tag, "en") {
		return English
	}
	return Korean
}

// Strings holds the fixed UI texts for one locale.
type Strings struct {
	EmptyRoom       string
	LiveFailed      string
	TextSendFailed  string
	FileSendFailed  string
	NewNotification string
	Download        string
	Send            string
	Cancel          string
}

var catalog = map[Locale]Strings{
	Korean: {
		EmptyRoom:       "첫 번째 메시지를 보내보세요.",
		LiveFailed:      "실시간 연결 실패 - 자동 새로고침 모드",
		TextSendFailed:  "메시지 전송에 실패했습니다.",
		FileSendFailed:  "파일 전송에 실패했습니다.",
		NewNotification: "새 알림",
		Download:        "download",
		Send:            "전송",
		Cancel:          "취소",
	},
	English: {
		EmptyRoom:       "Send the first message.",
		LiveFailed:      "Live connection failed - polling for updates",
		TextSendFailed:  "Failed to send the message.",
		FileSendFailed:  "Failed to send the file.",
		NewNotification: "New notification",
		Download:        "download",
		Send:            "Send",
		Cancel:          "Cancel",
	},
}

// Text returns the label set for l.
func Text(l Locale) Strings {
	if s, ok := catalog[l]; ok {
		return s
	}
	return catalog[Korean]
}

var koreanWeekdays = [...]string{"일요일", "월요일", "화요일", "수요일", "목요일", "금요일", "토요일"}

// DateKey identifies the calendar day of t in t's own location.
func DateKey(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day())
}

// DateLabel formats the banner text of a date separator.
func DateLabel(t time.Time, l Locale) string {
	if l == English {
		return t.Format("Monday, January 2, 2006")
	}
	return fmt.Sprintf("%d년 %d월 %d일 %s", t.Year(), int(t.Month()), t.Day(), koreanWeekdays[t.Weekday()])
}

// TimeLabel formats the clock time shown under a bubble.
func TimeLabel(t time.Time, l Locale) string {
	if t.IsZero() {
		return ""
	}
	if l == English {
		return t.Format("3:04 PM")
	}
	ampm := "오전"
	if t.Hour() >= 12 {
		ampm = "오후"
	}
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%s %d:%02d", ampm, h, t.Minute())
}
