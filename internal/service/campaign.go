package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/punchamoorthee/fundledger/internal/store"
	"github.com/shopspring/decimal"
)

// CampaignService owns campaign lifecycle and metadata. It never writes
// accrued_amount; only the Ledger does.
type CampaignService struct {
	store       store.Store
	verifier    gateway.Verifier
	creationFee decimal.Decimal
	currency    string
	now         clock
	logger      *slog.Logger
}

func NewCampaignService(s store.Store, verifier gateway.Verifier, creationFee decimal.Decimal, currency string, logger *slog.Logger) *CampaignService {
	return &CampaignService{
		store:       s,
		verifier:    verifier,
		creationFee: creationFee,
		currency:    currency,
		now:         utcNow,
		logger:      logger.With("component", "campaigns"),
	}
}

// Create validates spec and persists a campaign owned by ownerID. With a fee
// reference whose payment verifies, the campaign starts active; otherwise it
// starts as a draft.
func (s *CampaignService) Create(ctx context.Context, ownerID string, spec domain.CampaignSpec) (*domain.Campaign, error) {
	now := s.now()
	if err := validateSpec(spec, now); err != nil {
		return nil, err
	}

	currency := strings.ToUpper(strings.TrimSpace(spec.Currency))
	if currency == "" {
		currency = s.currency
	}

	c := &domain.Campaign{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Title:           strings.TrimSpace(spec.Title),
		Description:     strings.TrimSpace(spec.Description),
		Currency:        currency,
		TargetAmount:    spec.TargetAmount,
		AccruedAmount:   decimal.Zero,
		MinContribution: spec.MinContribution,
		MaxContribution: spec.MaxContribution,
		Deadline:        spec.Deadline.UTC(),
		Status:          domain.CampaignDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if spec.FeeReference != "" {
		if err := s.verifyFee(ctx, spec.FeeReference); err != nil {
			return nil, err
		}
		c.Status = domain.CampaignActive
		c.FeeReference = spec.FeeReference
	}

	if err := s.store.InsertCampaign(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domain.Conflictf("fee payment %s has already been used", spec.FeeReference)
		}
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	s.logger.InfoContext(ctx, "campaign created", "campaign_id", c.ID, "owner_id", ownerID, "status", c.Status)
	return c, nil
}

func validateSpec(spec domain.CampaignSpec, now time.Time) error {
	if strings.TrimSpace(spec.Title) == "" {
		return domain.Validationf("title is required")
	}
	if !spec.TargetAmount.IsPositive() {
		return domain.Validationf("target amount must be greater than zero")
	}
	if !spec.MinContribution.IsPositive() {
		return domain.Validationf("minimum contribution must be greater than zero")
	}
	if spec.MinContribution.GreaterThan(spec.TargetAmount) {
		return domain.Validationf("minimum contribution %s cannot exceed the target amount %s",
			money(spec.MinContribution), money(spec.TargetAmount))
	}
	if spec.MaxContribution.Valid && spec.MaxContribution.Decimal.LessThan(spec.MinContribution) {
		return domain.Validationf("maximum contribution %s cannot be below the minimum contribution %s",
			money(spec.MaxContribution.Decimal), money(spec.MinContribution))
	}
	for _, d := range []decimal.Decimal{spec.TargetAmount, spec.MinContribution, spec.MaxContribution.Decimal} {
		if !validAmount(d) {
			return domain.Validationf("amounts may have at most %d decimal places", amountScale)
		}
	}
	if !spec.Deadline.After(now) {
		return domain.Validationf("deadline must be in the future")
	}
	return nil
}

// verifyFee checks the creation-fee payment with the gateway.
func (s *CampaignService) verifyFee(ctx context.Context, reference string) error {
	if s.verifier == nil {
		return fmt.Errorf("verify fee %s: no payment verifier configured", reference)
	}
	v, err := s.verifier.Verify(ctx, reference)
	if err != nil {
		if errors.Is(err, gateway.ErrTransactionNotFound) {
			return domain.Validationf("fee payment %s was not found", reference)
		}
		return fmt.Errorf("verify fee %s: %w", reference, err)
	}
	if !v.Succeeded() {
		return domain.Validationf("fee payment %s has status %q", reference, v.Status)
	}
	return s.checkFee(reference, v.Amount, v.Currency)
}

// checkFee requires the fee in the configured currency and at least the
// configured amount.
func (s *CampaignService) checkFee(reference string, amount decimal.Decimal, currency string) error {
	if !strings.EqualFold(strings.TrimSpace(currency), s.currency) {
		return domain.Validationf("campaign creation fee is payable in %s, payment %s was made in %q",
			s.currency, reference, currency)
	}
	if amount.LessThan(s.creationFee) {
		return domain.Validationf("campaign creation fee is %s, payment %s covered %s",
			money(s.creationFee), reference, money(amount))
	}
	return nil
}

func (s *CampaignService) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, notFound(err, "campaign")
	}
	return c, nil
}

func (s *CampaignService) List(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	return s.store.ListCampaignsByOwner(ctx, ownerID)
}

// UpdateMetadata applies the non-financial fields of patch. The deadline can
// only be extended.
func (s *CampaignService) UpdateMetadata(ctx context.Context, callerID, id string, patch domain.CampaignPatch) (*domain.Campaign, error) {
	var updated *domain.Campaign
	err := s.store.InTx(ctx, func(q store.Querier) error {
		c, err := q.LockCampaign(ctx, id)
		if err != nil {
			return notFound(err, "campaign")
		}
		if c.OwnerID != callerID {
			return domain.Forbiddenf("forbidden")
		}
		if c.Status.Terminal() {
			return domain.InvalidStatef("campaign is %s and can no longer be edited", c.Status)
		}

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return domain.Validationf("title cannot be empty")
			}
			c.Title = title
		}
		if patch.Description != nil {
			c.Description = strings.TrimSpace(*patch.Description)
		}
		if patch.Deadline != nil {
			if !patch.Deadline.After(c.Deadline) {
				return domain.Validationf("deadline can only be extended beyond %s", c.Deadline.Format(time.RFC3339))
			}
			c.Deadline = patch.Deadline.UTC()
		}
		c.UpdatedAt = s.now()

		if err := q.UpdateCampaign(ctx, c); err != nil {
			return fmt.Errorf("update campaign: %w", err)
		}
		updated = c
		return nil
	})
	return updated, err
}

// Activate moves a draft campaign to active once its creation fee verifies.
func (s *CampaignService) Activate(ctx context.Context, callerID, id, feeReference string) (*domain.Campaign, error) {
	if feeReference == "" {
		return nil, domain.Validationf("fee reference is required")
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != callerID {
		return nil, domain.Forbiddenf("forbidden")
	}
	if c.Status != domain.CampaignDraft {
		return nil, domain.InvalidStatef("only draft campaigns can be activated, campaign is %s", c.Status)
	}
	if err := s.verifyFee(ctx, feeReference); err != nil {
		return nil, err
	}

	activated, _, err := s.activate(ctx, id, feeReference)
	return activated, err
}

// ActivateFromPayment is the webhook path for a creation-fee payment. A
// repeated delivery for the fee that already activated the campaign is
// reported as a duplicate. A collected fee that cannot activate the campaign
// is returned as a *domain.RefundRequiredError wrapping the reason.
func (s *CampaignService) ActivateFromPayment(ctx context.Context, id, reference string, amount decimal.Decimal, currency string) (*domain.Campaign, bool, error) {
	c, duplicate, err := s.applyFee(ctx, id, reference, amount, currency)
	if err == nil || !isDomainError(err) {
		return c, duplicate, err
	}

	refundSignals.WithLabelValues(domain.ReasonFeeNotApplied).Inc()
	s.logger.WarnContext(ctx, "campaign fee refused, refund required",
		"campaign_id", id, "reference", reference, "amount", money(amount), "currency", currency, "error", err)
	return nil, false, &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonFeeNotApplied, Cause: err}
}

func (s *CampaignService) applyFee(ctx context.Context, id, reference string, amount decimal.Decimal, currency string) (*domain.Campaign, bool, error) {
	if err := s.checkFee(reference, amount, currency); err != nil {
		return nil, false, err
	}
	return s.activate(ctx, id, reference)
}

func (s *CampaignService) activate(ctx context.Context, id, reference string) (*domain.Campaign, bool, error) {
	var (
		activated *domain.Campaign
		duplicate bool
	)
	err := s.store.InTx(ctx, func(q store.Querier) error {
		c, err := q.LockCampaign(ctx, id)
		if err != nil {
			return notFound(err, "campaign")
		}
		if c.FeeReference == reference && c.Status != domain.CampaignDraft {
			activated, duplicate = c, true
			return nil
		}
		if !c.Status.CanTransition(domain.CampaignActive) {
			return domain.InvalidStatef("only draft campaigns can be activated, campaign is %s", c.Status)
		}
		now := s.now()
		if !c.Deadline.After(now) {
			return domain.InvalidStatef("campaign deadline has passed")
		}

		c.Status = domain.CampaignActive
		c.FeeReference = reference
		c.UpdatedAt = now
		if err := q.UpdateCampaign(ctx, c); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.Conflictf("fee payment %s has already been used", reference)
			}
			return fmt.Errorf("activate campaign: %w", err)
		}
		activated = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !duplicate {
		s.logger.InfoContext(ctx, "campaign activated", "campaign_id", id, "fee_reference", reference)
	}
	return activated, duplicate, nil
}

func (s *CampaignService) Cancel(ctx context.Context, callerID, id string) (*domain.Campaign, error) {
	var cancelled *domain.Campaign
	err := s.store.InTx(ctx, func(q store.Querier) error {
		c, err := q.LockCampaign(ctx, id)
		if err != nil {
			return notFound(err, "campaign")
		}
		if c.OwnerID != callerID {
			return domain.Forbiddenf("forbidden")
		}
		if !c.Status.CanTransition(domain.CampaignCancelled) {
			return domain.InvalidStatef("campaign is %s and cannot be cancelled", c.Status)
		}
		c.Status = domain.CampaignCancelled
		c.UpdatedAt = s.now()
		if err := q.UpdateCampaign(ctx, c); err != nil {
			return fmt.Errorf("cancel campaign: %w", err)
		}
		cancelled = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "campaign cancelled", "campaign_id", id)
	return cancelled, nil
}

// Reconcile compares the materialized accrued amount with the sum of
// completed contributions.
func (s *CampaignService) Reconcile(ctx context.Context, callerID, id string) (*domain.Reconciliation, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != callerID {
		return nil, domain.Forbiddenf("forbidden")
	}
	total, count, err := s.store.SumCompleted(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sum contributions: %w", err)
	}
	return &domain.Reconciliation{
		CampaignID:     id,
		AccruedAmount:  c.AccruedAmount,
		CompletedTotal: total,
		CompletedCount: count,
		Balanced:       total.Equal(c.AccruedAmount),
	}, nil
}
