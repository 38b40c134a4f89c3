package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

const invitationColumns = `id, org_id, email, role, status, token, invited_by, created_at`

func scanInvitation(row interface{ Scan(...any) error }) (Invitation, error) {
	var inv Invitation
	var created string
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.Status, &inv.Token, &inv.InvitedBy, &created)
	inv.CreatedAt = parseTime(created)
	return inv, err
}

// CreateInvitation invites an email address into an organization.
// Requires owner or admin. Role defaults to member; owner cannot be
// granted by invitation.
func (s *Store) CreateInvitation(ctx context.Context, userID string, in InvitationInput) Result[Invitation] {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return Fail[Invitation](fmt.Errorf("%w: email %q", ErrInvalid, in.Email))
	}
	role := in.Role
	if role == "" {
		role = RoleMember
	}
	if role != RoleMember && role != RoleAdmin {
		return Fail[Invitation](fmt.Errorf("%w: role must be member or admin", ErrInvalid))
	}

	orgID, err := s.resolveOrg(ctx, in.OrganizationID, userID)
	if err != nil {
		return fail[Invitation](s, "create invitation", err)
	}
	if err := s.requireAdmin(ctx, orgID, userID); err != nil {
		return Fail[Invitation](err)
	}

	now := s.stamp()
	inv := Invitation{
		ID:             newID(),
		OrganizationID: orgID,
		Email:          addr.Address,
		Role:           role,
		Status:         InvitationPending,
		Token:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		InvitedBy:      userID,
		CreatedAt:      parseTime(now),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (`+invitationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.OrganizationID, inv.Email, inv.Role, inv.Status, inv.Token, inv.InvitedBy, now,
	); err != nil {
		return fail[Invitation](s, "create invitation", fmt.Errorf("insert invitation: %w", err))
	}
	return Ok(inv)
}

// ListInvitations lists an organization's invitations. Tokens are only
// returned to owners and admins.
func (s *Store) ListInvitations(ctx context.Context, userID, orgID string) Result[[]Invitation] {
	orgID, err := s.resolveOrg(ctx, orgID, userID)
	if err != nil {
		return fail[[]Invitation](s, "list invitations", err)
	}
	showTokens := s.requireAdmin(ctx, orgID, userID) == nil

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE org_id = ? ORDER BY created_at, id`,
		orgID,
	)
	if err != nil {
		return fail[[]Invitation](s, "list invitations", err)
	}
	defer rows.Close()

	out := []Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return fail[[]Invitation](s, "list invitations", err)
		}
		if !showTokens {
			inv.Token = ""
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return fail[[]Invitation](s, "list invitations", err)
	}
	return Ok(out)
}

// RevokeInvitation marks a pending invitation revoked.
func (s *Store) RevokeInvitation(ctx context.Context, userID, invitationID string) Result[Invitation] {
	inv, err := scanInvitation(s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE id = ?`, invitationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Fail[Invitation](fmt.Errorf("invitation %s: %w", invitationID, ErrNotFound))
	}
	if err != nil {
		return fail[Invitation](s, "revoke invitation", err)
	}
	if err := s.requireAdmin(ctx, inv.OrganizationID, userID); err != nil {
		return Fail[Invitation](err)
	}
	if inv.Status != InvitationPending {
		return Fail[Invitation](fmt.Errorf("%w: invitation is %s", ErrInvalid, inv.Status))
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = ? WHERE id = ?`, InvitationRevoked, inv.ID,
	); err != nil {
		return fail[Invitation](s, "revoke invitation", err)
	}
	inv.Status = InvitationRevoked
	return Ok(inv)
}

// AcceptInvitation redeems a pending invitation token, making userID a
// member of the organization with the invited role.
func (s *Store) AcceptInvitation(ctx context.Context, userID, token string) Result[Invitation] {
	inv, err := scanInvitation(s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return Fail[Invitation](fmt.Errorf("invitation: %w", ErrNotFound))
	}
	if err != nil {
		return fail[Invitation](s, "accept invitation", err)
	}
	if inv.Status != InvitationPending {
		return Fail[Invitation](fmt.Errorf("%w: invitation is %s", ErrInvalid, inv.Status))
	}

	if err := s.addMember(ctx, inv.OrganizationID, userID, inv.Role); err != nil {
		return fail[Invitation](s, "accept invitation", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET status = ? WHERE id = ?`, InvitationAccepted, inv.ID,
	); err != nil {
		return fail[Invitation](s, "accept invitation", err)
	}
	inv.Status = InvitationAccepted
	return Ok(inv)
}
