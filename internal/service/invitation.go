package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/store"
)

// InvitationNotifier delivers invitation notices. Delivery is best effort.
type InvitationNotifier interface {
	EmitInvitation(ctx context.Context, inv *domain.Invitation, campaign *domain.Campaign)
}

// InvitationService is the gate deciding who may contribute to a campaign.
type InvitationService struct {
	store    store.Store
	notifier InvitationNotifier
	now      clock
	logger   *slog.Logger
}

func NewInvitationService(s store.Store, notifier InvitationNotifier, logger *slog.Logger) *InvitationService {
	return &InvitationService{
		store:    s,
		notifier: notifier,
		now:      utcNow,
		logger:   logger.With("component", "invitations"),
	}
}

// ParseDecision accepts "accept"/"accepted" and "decline"/"declined".
func ParseDecision(s string) (domain.InvitationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "accepted":
		return domain.InvitationAccepted, nil
	case "decline", "declined":
		return domain.InvitationDeclined, nil
	}
	return "", domain.Validationf("decision must be accept or decline")
}

// normalizeInvitee cleans the identifiers and derives the key that
// (campaign, invitee) uniqueness is enforced on.
func normalizeInvitee(ref domain.InviteeRef) (domain.InviteeRef, string, error) {
	out := domain.InviteeRef{UserID: strings.TrimSpace(ref.UserID)}

	if email := strings.TrimSpace(ref.Email); email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return out, "", domain.Validationf("invitee email %q is not a valid address", email)
		}
		out.Email = strings.ToLower(addr.Address)
	}
	if phone := strings.TrimSpace(ref.Phone); phone != "" {
		out.Phone = normalizePhone(phone)
		if len(strings.TrimPrefix(out.Phone, "+")) < 7 {
			return out, "", domain.Validationf("invitee phone %q is too short", phone)
		}
	}

	switch {
	case out.UserID != "":
		return out, "user:" + out.UserID, nil
	case out.Email != "":
		return out, "email:" + out.Email, nil
	case out.Phone != "":
		return out, "phone:" + out.Phone, nil
	}
	return out, "", domain.Validationf("an invitee user id, email or phone is required")
}

func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Invite records a pending invitation for ref on the campaign. Re-inviting
// the same person refreshes the pending invitation rather than adding one.
func (s *InvitationService) Invite(ctx context.Context, inviterID, campaignID string, ref domain.InviteeRef) (*domain.Invitation, error) {
	invitee, key, err := normalizeInvitee(ref)
	if err != nil {
		return nil, err
	}

	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, notFound(err, "campaign")
	}
	if c.OwnerID != inviterID {
		return nil, domain.Validationf("only the campaign owner can invite contributors")
	}
	if c.Status.Terminal() {
		return nil, domain.InvalidStatef("campaign is %s and no longer accepts invitations", c.Status)
	}
	if invitee.UserID == c.OwnerID {
		return nil, domain.Validationf("the campaign owner cannot invite themselves")
	}

	// The same person may be named by a different identifier than the one
	// the existing invitation was keyed on.
	existing, err := s.store.ListInvitations(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	if prior := findInvitee(existing, invitee); prior != nil {
		key = prior.InviteeKey
	}

	inv, err := s.store.UpsertInvitation(ctx, &domain.Invitation{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		InviterID:     inviterID,
		InviteeKey:    key,
		InviteeUserID: invitee.UserID,
		InviteeEmail:  invitee.Email,
		InviteePhone:  invitee.Phone,
		Status:        domain.InvitationPending,
		InvitedAt:     s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.NotFoundf("campaign not found")
		}
		return nil, fmt.Errorf("upsert invitation: %w", err)
	}

	s.logger.InfoContext(ctx, "invitation recorded", "invitation_id", inv.ID, "campaign_id", campaignID, "status", inv.Status)
	if inv.Status == domain.InvitationPending && s.notifier != nil {
		s.notifier.EmitInvitation(ctx, inv, c)
	}
	return inv, nil
}

// findInvitee returns the invitation naming the same person as ref by any of
// its identifiers. An answered invitation wins over a pending one.
func findInvitee(list []domain.Invitation, ref domain.InviteeRef) *domain.Invitation {
	var found *domain.Invitation
	for i := range list {
		inv := &list[i]
		same := (ref.UserID != "" && inv.InviteeUserID == ref.UserID) ||
			(ref.Email != "" && strings.EqualFold(inv.InviteeEmail, ref.Email)) ||
			(ref.Phone != "" && inv.InviteePhone == ref.Phone)
		if !same {
			continue
		}
		if inv.Status != domain.InvitationPending {
			return inv
		}
		if found == nil {
			found = inv
		}
	}
	return found
}

// matches reports whether the caller is the person the invitation names.
func matches(inv *domain.Invitation, caller domain.Identity) bool {
	if inv.InviteeUserID != "" && inv.InviteeUserID == caller.UserID {
		return true
	}
	if inv.InviteeEmail != "" && strings.EqualFold(inv.InviteeEmail, strings.TrimSpace(caller.Email)) {
		return true
	}
	if inv.InviteePhone != "" && caller.Phone != "" && inv.InviteePhone == normalizePhone(caller.Phone) {
		return true
	}
	return false
}

// Respond records the invitee's decision and binds the caller's user id to
// the invitation. Only one response is ever recorded.
func (s *InvitationService) Respond(ctx context.Context, caller domain.Identity, invitationID string, decision domain.InvitationStatus) (*domain.Invitation, error) {
	if decision != domain.InvitationAccepted && decision != domain.InvitationDeclined {
		return nil, domain.Validationf("decision must be accept or decline")
	}

	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, notFound(err, "invitation")
	}
	if !matches(inv, caller) {
		return nil, domain.Forbiddenf("forbidden")
	}
	if inv.Status != domain.InvitationPending {
		return nil, domain.InvalidStatef("invitation was already %s", inv.Status)
	}

	responded, err := s.store.RespondInvitation(ctx, invitationID, caller.UserID, decision, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotApplied) {
			return nil, domain.InvalidStatef("invitation was already answered")
		}
		return nil, fmt.Errorf("respond to invitation: %w", err)
	}

	s.logger.InfoContext(ctx, "invitation answered", "invitation_id", invitationID, "campaign_id", inv.CampaignID, "status", decision)
	return responded, nil
}

// IsAcceptedContributor reports whether userID holds an accepted invitation
// on the campaign.
func (s *InvitationService) IsAcceptedContributor(ctx context.Context, campaignID, userID string) (bool, error) {
	_, err := s.acceptedInvitation(ctx, s.store, campaignID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check invitation: %w", err)
	}
	return true, nil
}

func (s *InvitationService) acceptedInvitation(ctx context.Context, q store.Querier, campaignID, userID string) (*domain.Invitation, error) {
	if userID == "" {
		return nil, store.ErrNotFound
	}
	return q.FindAcceptedInvitation(ctx, campaignID, userID)
}

// List returns the campaign's invitations to its owner.
func (s *InvitationService) List(ctx context.Context, callerID, campaignID string) ([]domain.Invitation, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, notFound(err, "campaign")
	}
	if c.OwnerID != callerID {
		return nil, domain.Forbiddenf("forbidden")
	}
	return s.store.ListInvitations(ctx, campaignID)
}
