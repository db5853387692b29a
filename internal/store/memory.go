package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory implements Store in memory. Every call, and every InTx body, runs
// under one mutex, so transactions are fully serialized. A failing InTx body
// restores the state captured before it ran.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func (m *Memory) Close() {}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) InTx(ctx context.Context, fn func(q Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) InsertCampaign(ctx context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertCampaign(ctx, c)
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetCampaign(ctx, id)
}

func (m *Memory) LockCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockCampaign(ctx, id)
}

func (m *Memory) ListCampaignsByOwner(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListCampaignsByOwner(ctx, ownerID)
}

func (m *Memory) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateCampaign(ctx, c)
}

func (m *Memory) AccrueCampaign(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AccrueCampaign(ctx, id, amount, now)
}

func (m *Memory) ExpireCampaigns(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ExpireCampaigns(ctx, now)
}

func (m *Memory) UpsertInvitation(ctx context.Context, inv *domain.Invitation) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpsertInvitation(ctx, inv)
}

func (m *Memory) GetInvitation(ctx context.Context, id string) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetInvitation(ctx, id)
}

func (m *Memory) RespondInvitation(ctx context.Context, id, userID string, status domain.InvitationStatus, at time.Time) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RespondInvitation(ctx, id, userID, status, at)
}

func (m *Memory) FindAcceptedInvitation(ctx context.Context, campaignID, userID string) (*domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.FindAcceptedInvitation(ctx, campaignID, userID)
}

func (m *Memory) ListInvitations(ctx context.Context, campaignID string) ([]domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListInvitations(ctx, campaignID)
}

func (m *Memory) InsertContribution(ctx context.Context, c *domain.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertContribution(ctx, c)
}

func (m *Memory) GetContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetContributionByReference(ctx, reference)
}

func (m *Memory) LockContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockContributionByReference(ctx, reference)
}

func (m *Memory) SettleContribution(ctx context.Context, c *domain.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SettleContribution(ctx, c)
}

func (m *Memory) RecordLateConfirmation(ctx context.Context, reference, fromReason, payerEmail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RecordLateConfirmation(ctx, reference, fromReason, payerEmail)
}

func (m *Memory) ListContributions(ctx context.Context, campaignID string) ([]domain.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListContributions(ctx, campaignID)
}

func (m *Memory) SumCompleted(ctx context.Context, campaignID string) (decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SumCompleted(ctx, campaignID)
}

func (m *Memory) AbandonPending(ctx context.Context, olderThan, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AbandonPending(ctx, olderThan, now)
}

func (m *Memory) GetReceipt(ctx context.Context, reference string) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetReceipt(ctx, reference)
}

// memState holds the tables. Its methods assume the caller holds Memory.mu.
// Records are stored by value and copied on the way in and out.
type memState struct {
	campaigns     map[string]domain.Campaign
	invitations   map[string]domain.Invitation
	inviteeIndex  map[string]string // campaign_id|invitee_key -> invitation id
	contributions map[string]domain.Contribution
	byReference   map[string]string // payment_reference -> contribution id
	feeReferences map[string]string // fee_reference -> campaign id
}

func newMemState() *memState {
	return &memState{
		campaigns:     map[string]domain.Campaign{},
		invitations:   map[string]domain.Invitation{},
		inviteeIndex:  map[string]string{},
		contributions: map[string]domain.Contribution{},
		byReference:   map[string]string{},
		feeReferences: map[string]string{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		campaigns:     maps.Clone(s.campaigns),
		invitations:   maps.Clone(s.invitations),
		inviteeIndex:  maps.Clone(s.inviteeIndex),
		contributions: maps.Clone(s.contributions),
		byReference:   maps.Clone(s.byReference),
		feeReferences: maps.Clone(s.feeReferences),
	}
}

func (s *memState) InsertCampaign(ctx context.Context, c *domain.Campaign) error {
	if _, ok := s.campaigns[c.ID]; ok {
		return ErrDuplicate
	}
	if c.FeeReference != "" {
		if _, ok := s.feeReferences[c.FeeReference]; ok {
			return ErrDuplicate
		}
		s.feeReferences[c.FeeReference] = c.ID
	}
	s.campaigns[c.ID] = *c
	return nil
}

func (s *memState) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *memState) LockCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.GetCampaign(ctx, id)
}

func (s *memState) ListCampaignsByOwner(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	out := []domain.Campaign{}
	for _, c := range s.campaigns {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return ErrNotFound
	}
	if c.FeeReference != cur.FeeReference && c.FeeReference != "" {
		if owner, ok := s.feeReferences[c.FeeReference]; ok && owner != c.ID {
			return ErrDuplicate
		}
		s.feeReferences[c.FeeReference] = c.ID
	}
	cur.Title = c.Title
	cur.Description = c.Description
	cur.Deadline = c.Deadline
	cur.Status = c.Status
	cur.FeeReference = c.FeeReference
	cur.UpdatedAt = c.UpdatedAt
	s.campaigns[c.ID] = cur
	return nil
}

func (s *memState) AccrueCampaign(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*domain.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignActive {
		return nil, ErrNotApplied
	}
	next := c.AccruedAmount.Add(amount)
	if next.GreaterThan(c.TargetAmount) {
		return nil, ErrNotApplied
	}
	c.AccruedAmount = next
	if next.Equal(c.TargetAmount) {
		c.Status = domain.CampaignFunded
	}
	c.UpdatedAt = now
	s.campaigns[id] = c
	return &c, nil
}

func (s *memState) ExpireCampaigns(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, c := range s.campaigns {
		if c.Status == domain.CampaignActive && c.Deadline.Before(now) {
			c.Status = domain.CampaignExpired
			c.UpdatedAt = now
			s.campaigns[id] = c
			n++
		}
	}
	return n, nil
}

func inviteeIndexKey(campaignID, inviteeKey string) string {
	return campaignID + "|" + inviteeKey
}

func (s *memState) UpsertInvitation(ctx context.Context, inv *domain.Invitation) (*domain.Invitation, error) {
	if _, ok := s.campaigns[inv.CampaignID]; !ok {
		return nil, ErrNotFound
	}
	key := inviteeIndexKey(inv.CampaignID, inv.InviteeKey)
	if id, ok := s.inviteeIndex[key]; ok {
		cur := s.invitations[id]
		if cur.Status != domain.InvitationPending {
			return &cur, nil
		}
		cur.InviterID = inv.InviterID
		cur.InvitedAt = inv.InvitedAt
		if cur.InviteeUserID == "" {
			cur.InviteeUserID = inv.InviteeUserID
		}
		if cur.InviteeEmail == "" {
			cur.InviteeEmail = inv.InviteeEmail
		}
		if cur.InviteePhone == "" {
			cur.InviteePhone = inv.InviteePhone
		}
		s.invitations[id] = cur
		return &cur, nil
	}
	created := *inv
	created.Status = domain.InvitationPending
	s.invitations[created.ID] = created
	s.inviteeIndex[key] = created.ID
	return &created, nil
}

func (s *memState) GetInvitation(ctx context.Context, id string) (*domain.Invitation, error) {
	inv, ok := s.invitations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *memState) RespondInvitation(ctx context.Context, id, userID string, status domain.InvitationStatus, at time.Time) (*domain.Invitation, error) {
	inv, ok := s.invitations[id]
	if !ok || inv.Status != domain.InvitationPending {
		return nil, ErrNotApplied
	}
	inv.Status = status
	inv.RespondedAt = &at
	inv.InviteeUserID = userID
	s.invitations[id] = inv
	return &inv, nil
}

func (s *memState) FindAcceptedInvitation(ctx context.Context, campaignID, userID string) (*domain.Invitation, error) {
	var found *domain.Invitation
	for _, inv := range s.invitations {
		if inv.CampaignID != campaignID || inv.InviteeUserID != userID || inv.Status != domain.InvitationAccepted {
			continue
		}
		if found == nil || inv.RespondedAt.Before(*found.RespondedAt) {
			found = &inv
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *memState) ListInvitations(ctx context.Context, campaignID string) ([]domain.Invitation, error) {
	out := []domain.Invitation{}
	for _, inv := range s.invitations {
		if inv.CampaignID == campaignID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvitedAt.Equal(out[j].InvitedAt) {
			return out[i].InvitedAt.Before(out[j].InvitedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) InsertContribution(ctx context.Context, c *domain.Contribution) error {
	if _, ok := s.byReference[c.PaymentReference]; ok {
		return ErrDuplicate
	}
	if _, ok := s.campaigns[c.CampaignID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.invitations[c.InvitationID]; !ok {
		return ErrNotFound
	}
	s.contributions[c.ID] = *c
	s.byReference[c.PaymentReference] = c.ID
	return nil
}

func (s *memState) GetContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	id, ok := s.byReference[reference]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.contributions[id]
	return &c, nil
}

func (s *memState) LockContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	return s.GetContributionByReference(ctx, reference)
}

func (s *memState) SettleContribution(ctx context.Context, c *domain.Contribution) error {
	id, ok := s.byReference[c.PaymentReference]
	if !ok {
		return ErrNotApplied
	}
	cur := s.contributions[id]
	if cur.PaymentStatus != domain.PaymentPending {
		return ErrNotApplied
	}
	cur.PaymentStatus = c.PaymentStatus
	cur.FailureReason = c.FailureReason
	cur.PayerEmail = c.PayerEmail
	cur.ConfirmedAt = c.ConfirmedAt
	s.contributions[id] = cur
	return nil
}

func (s *memState) RecordLateConfirmation(ctx context.Context, reference, fromReason, payerEmail string) error {
	id, ok := s.byReference[reference]
	if !ok {
		return ErrNotApplied
	}
	cur := s.contributions[id]
	if cur.PaymentStatus != domain.PaymentFailed || cur.FailureReason != fromReason {
		return ErrNotApplied
	}
	cur.FailureReason = domain.ReasonConfirmedAfterFailure
	cur.PayerEmail = payerEmail
	s.contributions[id] = cur
	return nil
}

func (s *memState) ListContributions(ctx context.Context, campaignID string) ([]domain.Contribution, error) {
	out := []domain.Contribution{}
	for _, c := range s.contributions {
		if c.CampaignID == campaignID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ContributedAt.Equal(out[j].ContributedAt) {
			return out[i].ContributedAt.Before(out[j].ContributedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) SumCompleted(ctx context.Context, campaignID string) (decimal.Decimal, int, error) {
	total := decimal.Zero
	count := 0
	for _, c := range s.contributions {
		if c.CampaignID == campaignID && c.PaymentStatus == domain.PaymentCompleted {
			total = total.Add(c.Amount)
			count++
		}
	}
	return total, count, nil
}

func (s *memState) AbandonPending(ctx context.Context, olderThan, now time.Time) (int64, error) {
	var n int64
	for id, c := range s.contributions {
		if c.PaymentStatus == domain.PaymentPending && c.ContributedAt.Before(olderThan) {
			c.PaymentStatus = domain.PaymentFailed
			c.FailureReason = domain.ReasonAbandoned
			s.contributions[id] = c
			n++
		}
	}
	return n, nil
}

func (s *memState) GetReceipt(ctx context.Context, reference string) (*domain.Receipt, error) {
	id, ok := s.byReference[reference]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.contributions[id]
	if c.PaymentStatus != domain.PaymentCompleted || c.ConfirmedAt == nil {
		return nil, ErrNotFound
	}
	camp := s.campaigns[c.CampaignID]
	dest := c.PayerEmail
	if dest == "" {
		dest = s.invitations[c.InvitationID].InviteeEmail
	}
	return &domain.Receipt{
		PaymentReference: c.PaymentReference,
		ContributionID:   c.ID,
		CampaignID:       camp.ID,
		CampaignTitle:    camp.Title,
		ContributorID:    c.ContributorID,
		Destination:      dest,
		Amount:           c.Amount,
		Currency:         camp.Currency,
		CampaignAccrued:  camp.AccruedAmount,
		CampaignTarget:   camp.TargetAmount,
		ConfirmedAt:      *c.ConfirmedAt,
	}, nil
}
