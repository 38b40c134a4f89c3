// Package mail composes and delivers invitation emails.
package mail

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// Message is an outbound email with a markdown body.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	Body    string
}

// Compose renders m as an RFC 5322 message with text/plain and
// text/html alternatives.
func Compose(m Message) ([]byte, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(m.Subject)

	from, err := gomail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", m.From, err)
	}
	h.SetAddressList("From", []*gomail.Address{from})

	to, err := parseAddresses(m.To)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	h.SetAddressList("To", to)

	if m.ReplyTo != "" {
		rt, err := gomail.ParseAddress(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("parse reply-to address %q: %w", m.ReplyTo, err)
		}
		h.SetAddressList("Reply-To", []*gomail.Address{rt})
	}

	html, err := renderHTML(m.Body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain; charset=utf-8", stripMarkdown(m.Body)); err != nil {
		return nil, err
	}
	if err := writePart(tw, "text/html; charset=utf-8", html); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.Set("Content-Type", contentType)
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func parseAddresses(addrs []string) ([]*gomail.Address, error) {
	out := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := gomail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return `<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
` + buf.String() + `</body></html>`, nil
}

var (
	mdLink    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic  = regexp.MustCompile(`\*(.+?)\*`)
	mdHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// stripMarkdown produces the plain-text alternative. Links keep their
// URL so the accept link survives in text-only clients.
func stripMarkdown(md string) string {
	s := mdLink.ReplaceAllString(md, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
