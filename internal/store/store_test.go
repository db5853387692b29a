package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryStore(t *testing.T) {
	runContract(t, func(t *testing.T) Store { return NewMemory() })
}

// TestPostgresStore runs the same contract against a real database. Point
// FUNDLEDGER_TEST_DB at a disposable database to enable it.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FUNDLEDGER_TEST_DB")
	if testing.Short() || dsn == "" {
		t.Skip("set FUNDLEDGER_TEST_DB to run postgres integration tests")
	}

	runContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		pg, err := NewPostgres(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, pg.Migrate(ctx))
		_, err = pg.Db.Exec(ctx, "TRUNCATE campaigns CASCADE")
		require.NoError(t, err)
		t.Cleanup(pg.Close)
		return pg
	})
}

func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("campaign round trip", func(t *testing.T) { testCampaignRoundTrip(t, open(t)) })
	t.Run("fee reference unique", func(t *testing.T) { testFeeReferenceUnique(t, open(t)) })
	t.Run("accrue guard", func(t *testing.T) { testAccrueGuard(t, open(t)) })
	t.Run("concurrent accrual", func(t *testing.T) { testConcurrentAccrual(t, open(t)) })
	t.Run("invitation upsert", func(t *testing.T) { testInvitationUpsert(t, open(t)) })
	t.Run("contribution lifecycle", func(t *testing.T) { testContributionLifecycle(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("sweeps", func(t *testing.T) { testSweeps(t, open(t)) })
	t.Run("late confirmation", func(t *testing.T) { testLateConfirmation(t, open(t)) })
}

func newCampaign(owner string) *domain.Campaign {
	return &domain.Campaign{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		Title:           "Lekki Duplex",
		Currency:        "NGN",
		TargetAmount:    dec("100000"),
		AccruedAmount:   decimal.Zero,
		MinContribution: dec("1000"),
		Deadline:        t0.Add(30 * 24 * time.Hour),
		Status:          domain.CampaignActive,
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

func acceptedInvitation(t *testing.T, s Store, campaignID, userID string) *domain.Invitation {
	t.Helper()
	ctx := context.Background()
	inv, err := s.UpsertInvitation(ctx, &domain.Invitation{
		ID:            uuid.NewString(),
		CampaignID:    campaignID,
		InviterID:     "owner",
		InviteeKey:    "user:" + userID,
		InviteeUserID: userID,
		Status:        domain.InvitationPending,
		InvitedAt:     t0,
	})
	require.NoError(t, err)
	inv, err = s.RespondInvitation(ctx, inv.ID, userID, domain.InvitationAccepted, t0.Add(time.Minute))
	require.NoError(t, err)
	return inv
}

func pendingContribution(campaignID string, inv *domain.Invitation, amount string, at time.Time) *domain.Contribution {
	return &domain.Contribution{
		ID:               uuid.NewString(),
		CampaignID:       campaignID,
		ContributorID:    inv.InviteeUserID,
		InvitationID:     inv.ID,
		Amount:           dec(amount),
		PaymentStatus:    domain.PaymentPending,
		PaymentReference: "ref-" + uuid.NewString(),
		ContributedAt:    at,
	}
}

func testCampaignRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	c.MaxContribution = decimal.NewNullDecimal(dec("25000.50"))
	require.NoError(t, s.InsertCampaign(ctx, c))

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)
	assert.True(t, c.TargetAmount.Equal(got.TargetAmount))
	require.True(t, got.MaxContribution.Valid)
	assert.True(t, dec("25000.50").Equal(got.MaxContribution.Decimal))
	assert.True(t, c.Deadline.Equal(got.Deadline))
	assert.Empty(t, got.FeeReference)

	got.Title = "Renamed"
	got.Status = domain.CampaignCancelled
	got.AccruedAmount = dec("999")
	require.NoError(t, s.UpdateCampaign(ctx, got))

	again, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again.Title)
	assert.Equal(t, domain.CampaignCancelled, again.Status)
	assert.True(t, again.AccruedAmount.IsZero(), "UpdateCampaign must not write accrued_amount")

	_, err = s.GetCampaign(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetCampaign(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListCampaignsByOwner(ctx, "owner-a")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testFeeReferenceUnique(t *testing.T, s Store) {
	ctx := context.Background()
	a := newCampaign("owner-a")
	a.FeeReference = "FEE-1"
	require.NoError(t, s.InsertCampaign(ctx, a))

	b := newCampaign("owner-b")
	b.FeeReference = "FEE-1"
	assert.ErrorIs(t, s.InsertCampaign(ctx, b), ErrDuplicate)

	b.FeeReference = ""
	require.NoError(t, s.InsertCampaign(ctx, b))
	b.FeeReference = "FEE-1"
	assert.ErrorIs(t, s.UpdateCampaign(ctx, b), ErrDuplicate)
}

func testAccrueGuard(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))

	got, err := s.AccrueCampaign(ctx, c.ID, dec("60000"), t0)
	require.NoError(t, err)
	assert.True(t, dec("60000").Equal(got.AccruedAmount))
	assert.Equal(t, domain.CampaignActive, got.Status)

	_, err = s.AccrueCampaign(ctx, c.ID, dec("40000.01"), t0)
	assert.ErrorIs(t, err, ErrNotApplied)

	got, err = s.AccrueCampaign(ctx, c.ID, dec("40000"), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignFunded, got.Status)

	_, err = s.AccrueCampaign(ctx, c.ID, dec("0.01"), t0)
	assert.ErrorIs(t, err, ErrNotApplied, "funded campaigns accept nothing")
}

func testConcurrentAccrual(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(q Querier) error {
				if _, err := q.LockCampaign(ctx, c.ID); err != nil {
					return err
				}
				_, err := q.AccrueCampaign(ctx, c.ID, dec("7500"), t0)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else {
				assert.ErrorIs(t, err, ErrNotApplied)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 13, applied)
	assert.True(t, dec("97500").Equal(got.AccruedAmount))
	assert.True(t, got.AccruedAmount.LessThanOrEqual(got.TargetAmount))
}

func testInvitationUpsert(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))

	first, err := s.UpsertInvitation(ctx, &domain.Invitation{
		ID: uuid.NewString(), CampaignID: c.ID, InviterID: "owner-a", InviteeKey: "email:y@example.com",
		InviteeEmail: "y@example.com", Status: domain.InvitationPending, InvitedAt: t0,
	})
	require.NoError(t, err)

	refreshed, err := s.UpsertInvitation(ctx, &domain.Invitation{
		ID: uuid.NewString(), CampaignID: c.ID, InviterID: "owner-a", InviteeKey: "email:y@example.com",
		InviteeEmail: "y@example.com", Status: domain.InvitationPending, InvitedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, refreshed.ID)
	assert.True(t, t0.Add(time.Hour).Equal(refreshed.InvitedAt))

	responded, err := s.RespondInvitation(ctx, first.ID, "user-y", domain.InvitationDeclined, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-y", responded.InviteeUserID)

	_, err = s.RespondInvitation(ctx, first.ID, "user-y", domain.InvitationAccepted, t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrNotApplied)

	unchanged, err := s.UpsertInvitation(ctx, &domain.Invitation{
		ID: uuid.NewString(), CampaignID: c.ID, InviterID: "owner-a", InviteeKey: "email:y@example.com",
		InviteeEmail: "y@example.com", Status: domain.InvitationPending, InvitedAt: t0.Add(4 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvitationDeclined, unchanged.Status)

	_, err = s.FindAcceptedInvitation(ctx, c.ID, "user-y")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.ListInvitations(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testContributionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))
	inv := acceptedInvitation(t, s, c.ID, "user-x")

	second := pendingContribution(c.ID, inv, "2000", t0.Add(2*time.Minute))
	first := pendingContribution(c.ID, inv, "1000", t0.Add(time.Minute))
	require.NoError(t, s.InsertContribution(ctx, second))
	require.NoError(t, s.InsertContribution(ctx, first))

	dup := pendingContribution(c.ID, inv, "3000", t0)
	dup.PaymentReference = first.PaymentReference
	assert.ErrorIs(t, s.InsertContribution(ctx, dup), ErrDuplicate)

	list, err := s.ListContributions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	_, err = s.GetReceipt(ctx, first.PaymentReference)
	assert.ErrorIs(t, err, ErrNotFound)

	confirmed := t0.Add(time.Hour)
	first.PaymentStatus = domain.PaymentCompleted
	first.PayerEmail = "x@example.com"
	first.ConfirmedAt = &confirmed
	require.NoError(t, s.SettleContribution(ctx, first))
	assert.ErrorIs(t, s.SettleContribution(ctx, first), ErrNotApplied)
	_, err = s.AccrueCampaign(ctx, c.ID, first.Amount, confirmed)
	require.NoError(t, err)

	total, count, err := s.SumCompleted(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, dec("1000").Equal(total))

	r, err := s.GetReceipt(ctx, first.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, "x@example.com", r.Destination)
	assert.Equal(t, c.Title, r.CampaignTitle)
	assert.True(t, dec("1000").Equal(r.CampaignAccrued))
	assert.True(t, confirmed.Equal(r.ConfirmedAt))
}

func testRollback(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q Querier) error {
		if _, err := q.AccrueCampaign(ctx, c.ID, dec("5000"), t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.AccruedAmount.IsZero())
}

func testSweeps(t *testing.T, s Store) {
	ctx := context.Background()
	expiring := newCampaign("owner-a")
	expiring.Deadline = t0.Add(time.Hour)
	require.NoError(t, s.InsertCampaign(ctx, expiring))
	open := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, open))

	inv := acceptedInvitation(t, s, open.ID, "user-x")
	stale := pendingContribution(open.ID, inv, "1000", t0)
	fresh := pendingContribution(open.ID, inv, "1000", t0.Add(20*time.Hour))
	require.NoError(t, s.InsertContribution(ctx, stale))
	require.NoError(t, s.InsertContribution(ctx, fresh))

	now := t0.Add(24 * time.Hour)
	n, err := s.ExpireCampaigns(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.AbandonPending(ctx, now.Add(-12*time.Hour), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetContributionByReference(ctx, stale.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, domain.ReasonAbandoned, got.FailureReason)
}

func testLateConfirmation(t *testing.T, s Store) {
	ctx := context.Background()
	c := newCampaign("owner-a")
	require.NoError(t, s.InsertCampaign(ctx, c))
	inv := acceptedInvitation(t, s, c.ID, "user-x")
	pending := pendingContribution(c.ID, inv, "1000", t0)
	require.NoError(t, s.InsertContribution(ctx, pending))

	// Only failed contributions can record a late success.
	err := s.RecordLateConfirmation(ctx, pending.PaymentReference, domain.ReasonAbandoned, "x@example.com")
	assert.ErrorIs(t, err, ErrNotApplied)

	_, err = s.AbandonPending(ctx, t0.Add(time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)

	err = s.RecordLateConfirmation(ctx, pending.PaymentReference, domain.ReasonGatewayFailure, "x@example.com")
	assert.ErrorIs(t, err, ErrNotApplied)

	require.NoError(t, s.RecordLateConfirmation(ctx, pending.PaymentReference, domain.ReasonAbandoned, "x@example.com"))
	got, err := s.GetContributionByReference(ctx, pending.PaymentReference)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, domain.ReasonConfirmedAfterFailure, got.FailureReason)
	assert.Equal(t, "x@example.com", got.PayerEmail)

	// Recorded once.
	err = s.RecordLateConfirmation(ctx, pending.PaymentReference, domain.ReasonAbandoned, "x@example.com")
	assert.ErrorIs(t, err, ErrNotApplied)

	got, err = s.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.AccruedAmount.IsZero())
}
