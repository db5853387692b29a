package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignFunded    CampaignStatus = "funded"
	CampaignExpired   CampaignStatus = "expired"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignFunded || s == CampaignExpired || s == CampaignCancelled
}

// CanTransition enforces draft -> active -> {funded|expired|cancelled}.
// A draft may also be cancelled before it ever goes live.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	switch s {
	case CampaignDraft:
		return to == CampaignActive || to == CampaignCancelled
	case CampaignActive:
		return to == CampaignFunded || to == CampaignExpired || to == CampaignCancelled
	}
	return false
}

// Campaign is a fundable goal. AccruedAmount is the materialized sum of
// completed contributions and must stay within [0, TargetAmount].
type Campaign struct {
	ID              string              `json:"id"`
	OwnerID         string              `json:"owner_id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Currency        string              `json:"currency"`
	TargetAmount    decimal.Decimal     `json:"target_amount"`
	AccruedAmount   decimal.Decimal     `json:"accrued_amount"`
	MinContribution decimal.Decimal     `json:"min_contribution"`
	MaxContribution decimal.NullDecimal `json:"max_contribution"`
	Deadline        time.Time           `json:"deadline"`
	Status          CampaignStatus      `json:"status"`
	FeeReference    string              `json:"fee_reference,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Remaining is the capacity left before the target is reached.
func (c *Campaign) Remaining() decimal.Decimal {
	r := c.TargetAmount.Sub(c.AccruedAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// CampaignSpec carries the owner-supplied fields for a new campaign.
type CampaignSpec struct {
	Title           string
	Description     string
	Currency        string
	TargetAmount    decimal.Decimal
	MinContribution decimal.Decimal
	MaxContribution decimal.NullDecimal
	Deadline        time.Time
	FeeReference    string
}

// CampaignPatch holds the non-financial fields an owner may edit.
type CampaignPatch struct {
	Title       *string
	Description *string
	Deadline    *time.Time
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationDeclined InvitationStatus = "declined"
)

// Invitation permits one invitee to contribute to one campaign once accepted.
// InviteeKey is the normalized identity the (campaign, invitee) uniqueness is
// enforced on.
type Invitation struct {
	ID            string           `json:"id"`
	CampaignID    string           `json:"campaign_id"`
	InviterID     string           `json:"inviter_id"`
	InviteeKey    string           `json:"-"`
	InviteeUserID string           `json:"invitee_user_id,omitempty"`
	InviteeEmail  string           `json:"invitee_email,omitempty"`
	InviteePhone  string           `json:"invitee_phone,omitempty"`
	Status        InvitationStatus `json:"status"`
	InvitedAt     time.Time        `json:"invited_at"`
	RespondedAt   *time.Time       `json:"responded_at,omitempty"`
}

// InviteeRef identifies the person being invited. At least one field is required.
type InviteeRef struct {
	UserID string
	Email  string
	Phone  string
}

// Identity is the authenticated caller as supplied by the identity provider.
type Identity struct {
	UserID string
	Email  string
	Phone  string
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Failure reasons recorded on failed contributions.
const (
	ReasonCapacityExceeded  = "CapacityExceededAtConfirm"
	ReasonAmountMismatch    = "AmountMismatch"
	ReasonCampaignNotActive = "CampaignNotActive"
	ReasonCurrencyMismatch  = "CurrencyMismatch"
	ReasonAbandoned         = "Abandoned"
	ReasonGatewayFailure    = "GatewayFailure"
	// A success delivered for a contribution already failed by the sweeper
	// or the gateway.
	ReasonConfirmedAfterFailure = "ConfirmedAfterFailure"
	// A campaign-fee payment that could not activate its campaign.
	ReasonFeeNotApplied = "FeeNotApplied"
)

// RefusedAtConfirm reports whether reason was recorded by a confirmation
// that already signalled a refund.
func RefusedAtConfirm(reason string) bool {
	switch reason {
	case ReasonCapacityExceeded, ReasonAmountMismatch, ReasonCurrencyMismatch,
		ReasonCampaignNotActive, ReasonConfirmedAfterFailure:
		return true
	}
	return false
}

// Contribution is the append-only record of one contributor's transfer.
// PaymentReference doubles as the idempotency key.
type Contribution struct {
	ID               string          `json:"id"`
	CampaignID       string          `json:"campaign_id"`
	ContributorID    string          `json:"contributor_id"`
	InvitationID     string          `json:"invitation_id"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentReference string          `json:"payment_reference"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	PayerEmail       string          `json:"payer_email,omitempty"`
	ContributedAt    time.Time       `json:"contributed_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
}

// Receipt is a read-only projection of a completed contribution.
type Receipt struct {
	PaymentReference string          `json:"payment_reference"`
	ContributionID   string          `json:"contribution_id"`
	CampaignID       string          `json:"campaign_id"`
	CampaignTitle    string          `json:"campaign_title"`
	ContributorID    string          `json:"contributor_id"`
	Destination      string          `json:"destination,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	CampaignAccrued  decimal.Decimal `json:"campaign_accrued"`
	CampaignTarget   decimal.Decimal `json:"campaign_target"`
	ConfirmedAt      time.Time       `json:"confirmed_at"`
}

// Reconciliation compares the materialized total with the ledger sum.
type Reconciliation struct {
	CampaignID     string          `json:"campaign_id"`
	AccruedAmount  decimal.Decimal `json:"accrued_amount"`
	CompletedTotal decimal.Decimal `json:"completed_total"`
	CompletedCount int             `json:"completed_count"`
	Balanced       bool            `json:"balanced"`
}
