package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	gomail "github.com/emersion/go-message/mail"

	"github.com/nugget/foreman/internal/store"
)

// Inviter emails invitation links. It satisfies the tool registry's
// Inviter interface.
type Inviter struct {
	from      string
	baseURL   string
	transport Transport
	logger    *slog.Logger
}

// NewInviter creates an inviter. baseURL is the prefix of the accept
// link; the token and "/accept" are appended.
func NewInviter(from, baseURL string, transport Transport, logger *slog.Logger) *Inviter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inviter{
		from:      from,
		baseURL:   strings.TrimRight(baseURL, "/"),
		transport: transport,
		logger:    logger.With("component", "mail"),
	}
}

// AcceptURL is the link a recipient follows to join.
func (i *Inviter) AcceptURL(token string) string {
	return i.baseURL + "/v1/invitations/" + url.PathEscape(token) + "/accept"
}

// SendInvitation composes and delivers the invitation email.
func (i *Inviter) SendInvitation(ctx context.Context, inv store.Invitation, orgName string) error {
	if orgName == "" {
		orgName = "an organization"
	}
	body := fmt.Sprintf(`## You're invited

You have been invited to join **%s** on Foreman as a *%s*.

[Accept the invitation](%s)

If you weren't expecting this, you can ignore this email.`,
		orgName, inv.Role, i.AcceptURL(inv.Token))

	msg, err := Compose(Message{
		From:    i.from,
		To:      []string{inv.Email},
		Subject: fmt.Sprintf("Invitation to join %s", orgName),
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("compose invitation: %w", err)
	}

	from, err := gomail.ParseAddress(i.from)
	if err != nil {
		return fmt.Errorf("parse from address: %w", err)
	}
	if err := i.transport.Send(ctx, from.Address, []string{inv.Email}, msg); err != nil {
		return fmt.Errorf("send invitation to %s: %w", inv.Email, err)
	}

	i.logger.Info("invitation sent", "email", inv.Email, "organization", inv.OrganizationID)
	return nil
}
