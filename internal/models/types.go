package models

import (
	"time"

	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/shopspring/decimal"
)

// CreateCampaignRequest is the payload for opening a campaign. Amounts are
// accepted as JSON numbers or strings.
type CreateCampaignRequest struct {
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Currency        string              `json:"currency"`
	TargetAmount    decimal.Decimal     `json:"target_amount"`
	MinContribution decimal.Decimal     `json:"min_contribution"`
	MaxContribution decimal.NullDecimal `json:"max_contribution"`
	Deadline        time.Time           `json:"deadline"`
	FeeReference    string              `json:"fee_reference"`
}

func (r CreateCampaignRequest) Spec() domain.CampaignSpec {
	return domain.CampaignSpec{
		Title:           r.Title,
		Description:     r.Description,
		Currency:        r.Currency,
		TargetAmount:    r.TargetAmount,
		MinContribution: r.MinContribution,
		MaxContribution: r.MaxContribution,
		Deadline:        r.Deadline,
		FeeReference:    r.FeeReference,
	}
}

// UpdateCampaignRequest carries the editable fields; absent fields are left alone.
type UpdateCampaignRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Deadline    *time.Time `json:"deadline"`
}

func (r UpdateCampaignRequest) Patch() domain.CampaignPatch {
	return domain.CampaignPatch{Title: r.Title, Description: r.Description, Deadline: r.Deadline}
}

type ActivateCampaignRequest struct {
	FeeReference string `json:"fee_reference"`
}

type InviteRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

type RespondRequest struct {
	Decision string `json:"decision"`
}

type ContributionRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Checkout tells the client how to start the gateway payment for a pending
// contribution.
type Checkout struct {
	Reference   string           `json:"reference"`
	AmountMinor int64            `json:"amount_minor"`
	Currency    string           `json:"currency"`
	Metadata    gateway.Metadata `json:"metadata"`
}

// ContributionResponse is returned by contribution initiation. Replayed is
// set when the idempotency key matched an earlier request.
type ContributionResponse struct {
	Contribution domain.Contribution `json:"contribution"`
	Checkout     Checkout            `json:"checkout"`
	Replayed     bool                `json:"replayed"`
}

// VerifyResponse is the payment success page view: the gateway's record and,
// once the contribution completed, its receipt.
type VerifyResponse struct {
	Verification gateway.Verification `json:"verification"`
	Receipt      *domain.Receipt      `json:"receipt,omitempty"`
}

type ErrorResponse struct {
	Error             string           `json:"error"`
	RemainingCapacity *decimal.Decimal `json:"remaining_capacity,omitempty"`
}
