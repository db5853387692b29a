package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/store"
	"github.com/shopspring/decimal"
)

// Ledger records contributions and is the only writer of a campaign's
// accrued amount.
type Ledger struct {
	store  store.Store
	gate   *InvitationService
	now    clock
	logger *slog.Logger
}

func NewLedger(s store.Store, gate *InvitationService, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		gate:   gate,
		now:    utcNow,
		logger: logger.With("component", "ledger"),
	}
}

// Initiate records a pending contribution. The idempotency key becomes the
// payment reference; a fresh one is generated when key is empty. Replaying
// a key with the same contributor, campaign and amount returns the original
// contribution with replay set.
//
// Capacity is checked here but not reserved: Confirm enforces it again
// against the current accrued amount.
func (l *Ledger) Initiate(ctx context.Context, campaignID, contributorID string, amount decimal.Decimal, key string) (*domain.Contribution, bool, error) {
	key = strings.TrimSpace(key)
	if key != "" {
		existing, err := l.store.GetContributionByReference(ctx, key)
		switch {
		case err == nil:
			return replayOf(existing, campaignID, contributorID, amount)
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("check idempotency key: %w", err)
		}
	} else {
		key = uuid.NewString()
	}

	// 1. Invitation gate
	inv, err := l.gate.acceptedInvitation(ctx, l.store, campaignID, contributorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, domain.Forbiddenf("an accepted invitation is required to contribute")
		}
		return nil, false, fmt.Errorf("check invitation: %w", err)
	}

	// 2. Campaign state
	c, err := l.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, false, notFound(err, "campaign")
	}
	if c.Status != domain.CampaignActive {
		return nil, false, domain.InvalidStatef("campaign is %s and not accepting contributions", c.Status)
	}
	now := l.now()
	if !c.Deadline.After(now) {
		return nil, false, domain.InvalidStatef("campaign closed for contributions on %s", c.Deadline.Format("02 Jan 2006"))
	}

	// 3. Per-contribution bounds, inclusive
	if err := checkBounds(c, amount); err != nil {
		return nil, false, err
	}

	// 4. Capacity against the current accrued amount
	if remaining := c.Remaining(); amount.GreaterThan(remaining) {
		return nil, false, &domain.CapacityExceededError{Requested: amount, Remaining: remaining}
	}

	// 5. Persist pending
	contribution := &domain.Contribution{
		ID:               uuid.NewString(),
		CampaignID:       campaignID,
		ContributorID:    contributorID,
		InvitationID:     inv.ID,
		Amount:           amount,
		PaymentStatus:    domain.PaymentPending,
		PaymentReference: key,
		ContributedAt:    now,
	}
	if err := l.store.InsertContribution(ctx, contribution); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race with a concurrent request carrying the same key.
			existing, getErr := l.store.GetContributionByReference(ctx, key)
			if getErr != nil {
				return nil, false, fmt.Errorf("reload contribution %s: %w", key, getErr)
			}
			return replayOf(existing, campaignID, contributorID, amount)
		}
		return nil, false, fmt.Errorf("insert contribution: %w", err)
	}

	contributionsInitiated.Inc()
	l.logger.InfoContext(ctx, "contribution initiated",
		"campaign_id", campaignID, "contributor_id", contributorID, "reference", key, "amount", money(amount))
	return contribution, false, nil
}

func replayOf(existing *domain.Contribution, campaignID, contributorID string, amount decimal.Decimal) (*domain.Contribution, bool, error) {
	if existing.CampaignID != campaignID || existing.ContributorID != contributorID || !existing.Amount.Equal(amount) {
		return nil, false, domain.Conflictf("payment reference %s is already in use", existing.PaymentReference)
	}
	return existing, true, nil
}

func checkBounds(c *domain.Campaign, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Validationf("contribution amount must be greater than zero")
	}
	if !validAmount(amount) {
		return domain.Validationf("contribution amount may have at most %d decimal places", amountScale)
	}
	if amount.LessThan(c.MinContribution) {
		return domain.Validationf("minimum allowed contribution is %s", money(c.MinContribution))
	}
	if c.MaxContribution.Valid && amount.GreaterThan(c.MaxContribution.Decimal) {
		return domain.Validationf("maximum allowed contribution is %s", money(c.MaxContribution.Decimal))
	}
	return nil
}

// Confirm settles the pending contribution identified by reference with the
// amount and currency the gateway collected. It is idempotent: a contribution
// that is completed, or that an earlier confirmation already refused, is
// returned unchanged with duplicate set.
//
// When the money cannot be accrued the contribution is marked failed, that
// transition is committed, and a *domain.RefundRequiredError is returned
// alongside the failed contribution. A success that arrives after the
// contribution was abandoned or failed by the gateway also signals a refund.
func (l *Ledger) Confirm(ctx context.Context, reference string, amount decimal.Decimal, currency, payerEmail string) (*domain.Contribution, bool, error) {
	var (
		result    *domain.Contribution
		duplicate bool
		late      bool
		refund    *domain.RefundRequiredError
	)
	payerEmail = strings.TrimSpace(payerEmail)

	err := l.store.InTx(ctx, func(q store.Querier) error {
		// 1. Lock the contribution.
		c, err := q.LockContributionByReference(ctx, reference)
		if err != nil {
			return notFound(err, "contribution")
		}
		result = c
		switch {
		case c.PaymentStatus == domain.PaymentCompleted,
			c.PaymentStatus == domain.PaymentFailed && domain.RefusedAtConfirm(c.FailureReason):
			duplicate = true
			return nil
		case c.PaymentStatus == domain.PaymentFailed:
			// Collected after the ledger gave up on it.
			cause := domain.InvalidStatef("contribution already failed: %s", c.FailureReason)
			refund = &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonConfirmedAfterFailure, Cause: cause}
			late = true
			if err := q.RecordLateConfirmation(ctx, reference, c.FailureReason, payerEmail); err != nil {
				return fmt.Errorf("record late confirmation: %w", err)
			}
			c.FailureReason = domain.ReasonConfirmedAfterFailure
			c.PayerEmail = payerEmail
			return nil
		}

		now := l.now()
		c.PayerEmail = payerEmail

		// 2. The gateway must have collected exactly the pledged amount.
		if !amount.Equal(c.Amount) {
			cause := domain.Validationf("collected amount %s does not match the contribution amount %s", money(amount), money(c.Amount))
			refund = &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonAmountMismatch, Cause: cause}
			return failContribution(ctx, q, c, domain.ReasonAmountMismatch)
		}

		// 3. Lock the campaign row so the capacity check reads the current
		// accrued amount.
		campaign, err := q.LockCampaign(ctx, c.CampaignID)
		if err != nil {
			return notFound(err, "campaign")
		}
		if !strings.EqualFold(strings.TrimSpace(currency), campaign.Currency) {
			cause := domain.Validationf("collected currency %q does not match the campaign currency %s", currency, campaign.Currency)
			refund = &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonCurrencyMismatch, Cause: cause}
			return failContribution(ctx, q, c, domain.ReasonCurrencyMismatch)
		}
		if campaign.Status != domain.CampaignActive {
			cause := domain.InvalidStatef("campaign is %s", campaign.Status)
			refund = &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonCampaignNotActive, Cause: cause}
			return failContribution(ctx, q, c, domain.ReasonCampaignNotActive)
		}

		// 4. Conditional accrual; the store refuses to cross the target.
		if _, err := q.AccrueCampaign(ctx, campaign.ID, c.Amount, now); err != nil {
			if !errors.Is(err, store.ErrNotApplied) {
				return fmt.Errorf("accrue campaign: %w", err)
			}
			cause := &domain.CapacityExceededError{Requested: c.Amount, Remaining: campaign.Remaining()}
			refund = &domain.RefundRequiredError{Reference: reference, Amount: amount, Reason: domain.ReasonCapacityExceeded, Cause: cause}
			return failContribution(ctx, q, c, domain.ReasonCapacityExceeded)
		}

		// 5. Mark completed in the same transaction as the accrual.
		c.PaymentStatus = domain.PaymentCompleted
		c.ConfirmedAt = &now
		if err := q.SettleContribution(ctx, c); err != nil {
			return fmt.Errorf("complete contribution: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	switch {
	case duplicate:
		l.logger.InfoContext(ctx, "confirmation already applied", "reference", reference, "status", result.PaymentStatus)
		return result, true, nil
	case refund != nil:
		if !late {
			contributionsSettled.WithLabelValues(string(domain.PaymentFailed), refund.Reason).Inc()
		}
		refundSignals.WithLabelValues(refund.Reason).Inc()
		l.logger.WarnContext(ctx, "paid contribution refused, refund required",
			"reference", reference, "campaign_id", result.CampaignID, "amount", money(amount), "currency", currency,
			"reason", refund.Reason, "error", refund.Cause)
		return result, false, refund
	}

	contributionsSettled.WithLabelValues(string(domain.PaymentCompleted), "").Inc()
	l.logger.InfoContext(ctx, "contribution confirmed",
		"reference", reference, "campaign_id", result.CampaignID, "amount", money(result.Amount))
	return result, false, nil
}

func failContribution(ctx context.Context, q store.Querier, c *domain.Contribution, reason string) error {
	c.PaymentStatus = domain.PaymentFailed
	c.FailureReason = reason
	if err := q.SettleContribution(ctx, c); err != nil {
		return fmt.Errorf("fail contribution: %w", err)
	}
	return nil
}

// Fail marks a pending contribution failed. A contribution that is already
// terminal is returned unchanged with duplicate set.
func (l *Ledger) Fail(ctx context.Context, reference, reason string) (*domain.Contribution, bool, error) {
	if reason == "" {
		reason = domain.ReasonGatewayFailure
	}
	var (
		result    *domain.Contribution
		duplicate bool
	)
	err := l.store.InTx(ctx, func(q store.Querier) error {
		c, err := q.LockContributionByReference(ctx, reference)
		if err != nil {
			return notFound(err, "contribution")
		}
		result = c
		if c.PaymentStatus.Terminal() {
			duplicate = true
			return nil
		}
		return failContribution(ctx, q, c, reason)
	})
	if err != nil {
		return nil, false, err
	}
	if !duplicate {
		contributionsSettled.WithLabelValues(string(domain.PaymentFailed), reason).Inc()
		l.logger.InfoContext(ctx, "contribution failed", "reference", reference, "reason", reason)
	}
	return result, duplicate, nil
}

// List returns the campaign's contributions oldest first. Only the owner and
// accepted contributors may see them.
func (l *Ledger) List(ctx context.Context, callerID, campaignID string) ([]domain.Contribution, error) {
	c, err := l.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, notFound(err, "campaign")
	}
	if c.OwnerID != callerID {
		ok, err := l.gate.IsAcceptedContributor(ctx, campaignID, callerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Forbiddenf("forbidden")
		}
	}
	return l.store.ListContributions(ctx, campaignID)
}

// Receipt returns the receipt of a completed contribution to its contributor
// or the campaign owner.
func (l *Ledger) Receipt(ctx context.Context, callerID, reference string) (*domain.Receipt, error) {
	r, err := l.store.GetReceipt(ctx, reference)
	if err != nil {
		return nil, notFound(err, "receipt")
	}
	if r.ContributorID == callerID {
		return r, nil
	}
	c, err := l.store.GetCampaign(ctx, r.CampaignID)
	if err != nil {
		return nil, notFound(err, "receipt")
	}
	if c.OwnerID != callerID {
		return nil, domain.NotFoundf("receipt not found")
	}
	return r, nil
}

// Contribution returns the contribution paid under reference to its
// contributor or the campaign owner. Anyone else sees NotFound.
func (l *Ledger) Contribution(ctx context.Context, callerID, reference string) (*domain.Contribution, error) {
	c, err := l.store.GetContributionByReference(ctx, reference)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	if c.ContributorID == callerID {
		return c, nil
	}
	campaign, err := l.store.GetCampaign(ctx, c.CampaignID)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	if campaign.OwnerID != callerID {
		return nil, domain.NotFoundf("payment not found")
	}
	return c, nil
}
