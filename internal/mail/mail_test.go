package mail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	gomail "github.com/emersion/go-message/mail"

	"github.com/nugget/foreman/internal/store"
)

// parts reads a composed message back and returns its headers and the
// body of each inline part keyed by media type. Bodies are returned
// with LF line endings; the wire form uses CRLF.
func parts(t *testing.T, raw []byte) (gomail.Header, map[string]string) {
	t.Helper()
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	out := map[string]string{}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, _ := io.ReadAll(p.Body)
		out[ct] = strings.ReplaceAll(string(b), "\r\n", "\n")
	}
	return mr.Header, out
}

func TestCompose(t *testing.T) {
	raw, err := Compose(Message{
		From:    "Foreman <noreply@example.com>",
		To:      []string{"alice@example.com"},
		Subject: "Hello",
		Body:    "## Title\n\nSee [the docs](https://example.com/docs) **now**.",
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	h, body := parts(t, raw)
	if subj, _ := h.Subject(); subj != "Hello" {
		t.Errorf("Subject = %q", subj)
	}
	if id, _ := h.MessageID(); id == "" {
		t.Error("no Message-ID")
	}
	to, _ := h.AddressList("To")
	if len(to) != 1 || to[0].Address != "alice@example.com" {
		t.Errorf("To = %v", to)
	}

	if got := body["text/plain"]; got != "Title\n\nSee the docs (https://example.com/docs) now." {
		t.Errorf("plain = %q", got)
	}
	if got := body["text/html"]; !strings.Contains(got, `<a href="https://example.com/docs">the docs</a>`) || !strings.Contains(got, "<h2>Title</h2>") {
		t.Errorf("html = %q", got)
	}
}

func TestComposeErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"bad from", Message{From: "not an address", To: []string{"a@example.com"}}},
		{"bad to", Message{From: "a@example.com", To: []string{"<<"}}},
		{"no recipients", Message{From: "a@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compose(tt.msg); err == nil {
				t.Error("Compose should fail")
			}
		})
	}
}

type fakeTransport struct {
	from string
	to   []string
	msg  []byte
	err  error
}

func (f *fakeTransport) Send(_ context.Context, from string, to []string, msg []byte) error {
	f.from, f.to, f.msg = from, to, msg
	return f.err
}

func TestSendInvitation(t *testing.T) {
	tr := &fakeTransport{}
	inv := NewInviter("Foreman <noreply@example.com>", "https://pm.example.com/", tr, nil)

	err := inv.SendInvitation(context.Background(), store.Invitation{
		OrganizationID: "org-1",
		Email:          "bob@example.com",
		Role:           "member",
		Token:          "tok123",
	}, "Acme")
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}

	if tr.from != "noreply@example.com" || len(tr.to) != 1 || tr.to[0] != "bob@example.com" {
		t.Errorf("envelope = %s -> %v", tr.from, tr.to)
	}
	h, body := parts(t, tr.msg)
	if subj, _ := h.Subject(); subj != "Invitation to join Acme" {
		t.Errorf("Subject = %q", subj)
	}
	link := "https://pm.example.com/v1/invitations/tok123/accept"
	if !strings.Contains(body["text/plain"], link) || !strings.Contains(body["text/html"], link) {
		t.Errorf("accept link missing:\n%s", body["text/plain"])
	}
}

func TestSendInvitationTransportError(t *testing.T) {
	tr := &fakeTransport{err: errors.New("connection refused")}
	inv := NewInviter("noreply@example.com", "https://pm.example.com", tr, nil)
	err := inv.SendInvitation(context.Background(), store.Invitation{Email: "bob@example.com", Token: "t"}, "")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v", err)
	}
}
