package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key (payment reference, fee
	// reference) is already taken.
	ErrDuplicate = errors.New("duplicate key")
	// ErrNotApplied is returned by conditional updates whose guard matched no row.
	ErrNotApplied = errors.New("conditional update not applied")
)

// Querier is the set of persistence operations available both on the
// store itself and inside a transaction.
type Querier interface {
	InsertCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	// LockCampaign reads the campaign and holds its row lock until the
	// surrounding transaction ends.
	LockCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	ListCampaignsByOwner(ctx context.Context, ownerID string) ([]domain.Campaign, error)
	// UpdateCampaign writes metadata, status and fee reference. It never
	// touches accrued_amount.
	UpdateCampaign(ctx context.Context, c *domain.Campaign) error
	// AccrueCampaign adds amount to accrued_amount only while the campaign is
	// active and the result stays within target, flipping status to funded
	// when the target is reached. Returns ErrNotApplied otherwise.
	AccrueCampaign(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*domain.Campaign, error)
	ExpireCampaigns(ctx context.Context, now time.Time) (int64, error)

	// UpsertInvitation inserts a pending invitation or refreshes the pending
	// one already held by the same (campaign, invitee key). Responded
	// invitations are returned unchanged.
	UpsertInvitation(ctx context.Context, inv *domain.Invitation) (*domain.Invitation, error)
	GetInvitation(ctx context.Context, id string) (*domain.Invitation, error)
	// RespondInvitation moves a pending invitation to status, binding userID.
	// Returns ErrNotApplied when the invitation was no longer pending.
	RespondInvitation(ctx context.Context, id, userID string, status domain.InvitationStatus, at time.Time) (*domain.Invitation, error)
	FindAcceptedInvitation(ctx context.Context, campaignID, userID string) (*domain.Invitation, error)
	ListInvitations(ctx context.Context, campaignID string) ([]domain.Invitation, error)

	InsertContribution(ctx context.Context, c *domain.Contribution) error
	GetContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error)
	LockContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error)
	// SettleContribution moves a pending contribution to a terminal status.
	// Returns ErrNotApplied when it was already terminal.
	SettleContribution(ctx context.Context, c *domain.Contribution) error
	// RecordLateConfirmation rewrites the failure reason of a contribution
	// that was failed with fromReason, so a later delivery of the same
	// success is recognized. Returns ErrNotApplied when it no longer matches.
	RecordLateConfirmation(ctx context.Context, reference, fromReason, payerEmail string) error
	ListContributions(ctx context.Context, campaignID string) ([]domain.Contribution, error)
	SumCompleted(ctx context.Context, campaignID string) (decimal.Decimal, int, error)
	AbandonPending(ctx context.Context, olderThan, now time.Time) (int64, error)
	GetReceipt(ctx context.Context, reference string) (*domain.Receipt, error)
}

// Store is a Querier that can also run a function inside one transaction.
// If fn returns an error every write made through q is rolled back.
type Store interface {
	Querier
	InTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
	Close()
}
