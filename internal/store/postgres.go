package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the pgx-backed Store.
type Postgres struct {
	*pgQuerier
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return NewPostgresFromPool(pool), nil
}

func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pgQuerier: &pgQuerier{db: pool}, Db: pool}
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a READ COMMITTED transaction. Callers serialize on a
// campaign with LockCampaign (SELECT ... FOR UPDATE), which re-reads the
// latest committed row once the lock is granted.
func (s *Postgres) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQuerier{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgQuerier struct {
	db dbtx
}

const campaignColumns = `id, owner_id, title, description, currency, target_amount, accrued_amount,
	min_contribution, max_contribution, deadline, status, COALESCE(fee_reference, ''), created_at, updated_at`

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Description, &c.Currency, &c.TargetAmount, &c.AccruedAmount,
		&c.MinContribution, &c.MaxContribution, &c.Deadline, &c.Status, &c.FeeReference, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, scanErr(err)
	}
	return &c, nil
}

func (q *pgQuerier) InsertCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO campaigns (id, owner_id, title, description, currency, target_amount, accrued_amount,
			min_contribution, max_contribution, deadline, status, fee_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)`,
		c.ID, c.OwnerID, c.Title, c.Description, c.Currency, c.TargetAmount, c.AccruedAmount,
		c.MinContribution, c.MaxContribution, c.Deadline, c.Status, c.FeeReference, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return translate(err, "campaign insert failed")
	}
	return nil
}

func (q *pgQuerier) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return scanCampaign(q.db.QueryRow(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = $1", id))
}

func (q *pgQuerier) LockCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	return scanCampaign(q.db.QueryRow(ctx, "SELECT "+campaignColumns+" FROM campaigns WHERE id = $1 FOR UPDATE", id))
}

func (q *pgQuerier) ListCampaignsByOwner(ctx context.Context, ownerID string) ([]domain.Campaign, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE owner_id = $1 ORDER BY created_at DESC, id", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []domain.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func (q *pgQuerier) UpdateCampaign(ctx context.Context, c *domain.Campaign) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE campaigns SET title = $2, description = $3, deadline = $4, status = $5,
			fee_reference = NULLIF($6, ''), updated_at = $7
		WHERE id = $1`,
		c.ID, c.Title, c.Description, c.Deadline, c.Status, c.FeeReference, c.UpdatedAt,
	)
	if err != nil {
		return translate(err, "campaign update failed")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQuerier) AccrueCampaign(ctx context.Context, id string, amount decimal.Decimal, now time.Time) (*domain.Campaign, error) {
	c, err := scanCampaign(q.db.QueryRow(ctx,
		`UPDATE campaigns
		SET accrued_amount = accrued_amount + $2,
			status = CASE WHEN accrued_amount + $2 = target_amount THEN 'funded' ELSE status END,
			updated_at = $3
		WHERE id = $1 AND status = 'active' AND accrued_amount + $2 <= target_amount
		RETURNING `+campaignColumns,
		id, amount, now,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotApplied
	}
	return c, err
}

func (q *pgQuerier) ExpireCampaigns(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		"UPDATE campaigns SET status = 'expired', updated_at = $1 WHERE status = 'active' AND deadline < $1", now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const invitationColumns = `id, campaign_id, inviter_id, invitee_key, invitee_user_id, invitee_email, invitee_phone,
	status, invited_at, responded_at`

func scanInvitation(row pgx.Row) (*domain.Invitation, error) {
	var inv domain.Invitation
	err := row.Scan(&inv.ID, &inv.CampaignID, &inv.InviterID, &inv.InviteeKey, &inv.InviteeUserID,
		&inv.InviteeEmail, &inv.InviteePhone, &inv.Status, &inv.InvitedAt, &inv.RespondedAt)
	if err != nil {
		return nil, scanErr(err)
	}
	return &inv, nil
}

func (q *pgQuerier) UpsertInvitation(ctx context.Context, inv *domain.Invitation) (*domain.Invitation, error) {
	got, err := scanInvitation(q.db.QueryRow(ctx,
		`INSERT INTO invitations (id, campaign_id, inviter_id, invitee_key, invitee_user_id, invitee_email,
			invitee_phone, status, invited_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
		ON CONFLICT (campaign_id, invitee_key) DO UPDATE SET
			inviter_id = EXCLUDED.inviter_id,
			invited_at = EXCLUDED.invited_at,
			invitee_user_id = COALESCE(NULLIF(invitations.invitee_user_id, ''), EXCLUDED.invitee_user_id),
			invitee_email = COALESCE(NULLIF(invitations.invitee_email, ''), EXCLUDED.invitee_email),
			invitee_phone = COALESCE(NULLIF(invitations.invitee_phone, ''), EXCLUDED.invitee_phone)
		WHERE invitations.status = 'pending'
		RETURNING `+invitationColumns,
		inv.ID, inv.CampaignID, inv.InviterID, inv.InviteeKey, inv.InviteeUserID, inv.InviteeEmail,
		inv.InviteePhone, inv.InvitedAt,
	))
	if errors.Is(err, ErrNotFound) {
		// Conflict with an invitation that was already responded to.
		return scanInvitation(q.db.QueryRow(ctx,
			"SELECT "+invitationColumns+" FROM invitations WHERE campaign_id = $1 AND invitee_key = $2",
			inv.CampaignID, inv.InviteeKey))
	}
	if err != nil {
		return nil, translate(err, "invitation upsert failed")
	}
	return got, nil
}

func (q *pgQuerier) GetInvitation(ctx context.Context, id string) (*domain.Invitation, error) {
	return scanInvitation(q.db.QueryRow(ctx, "SELECT "+invitationColumns+" FROM invitations WHERE id = $1", id))
}

func (q *pgQuerier) RespondInvitation(ctx context.Context, id, userID string, status domain.InvitationStatus, at time.Time) (*domain.Invitation, error) {
	inv, err := scanInvitation(q.db.QueryRow(ctx,
		`UPDATE invitations SET status = $2, responded_at = $3, invitee_user_id = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+invitationColumns,
		id, status, at, userID,
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotApplied
	}
	return inv, err
}

func (q *pgQuerier) FindAcceptedInvitation(ctx context.Context, campaignID, userID string) (*domain.Invitation, error) {
	return scanInvitation(q.db.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM invitations
		WHERE campaign_id = $1 AND invitee_user_id = $2 AND status = 'accepted'
		ORDER BY responded_at LIMIT 1`,
		campaignID, userID))
}

func (q *pgQuerier) ListInvitations(ctx context.Context, campaignID string) ([]domain.Invitation, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+invitationColumns+" FROM invitations WHERE campaign_id = $1 ORDER BY invited_at, id", campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invitations := []domain.Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, *inv)
	}
	return invitations, rows.Err()
}

const contributionColumns = `id, campaign_id, contributor_id, invitation_id, amount, payment_status, payment_reference,
	failure_reason, payer_email, contributed_at, confirmed_at`

func scanContribution(row pgx.Row) (*domain.Contribution, error) {
	var c domain.Contribution
	err := row.Scan(&c.ID, &c.CampaignID, &c.ContributorID, &c.InvitationID, &c.Amount, &c.PaymentStatus,
		&c.PaymentReference, &c.FailureReason, &c.PayerEmail, &c.ContributedAt, &c.ConfirmedAt)
	if err != nil {
		return nil, scanErr(err)
	}
	return &c, nil
}

func (q *pgQuerier) InsertContribution(ctx context.Context, c *domain.Contribution) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO contributions (id, campaign_id, contributor_id, invitation_id, amount, payment_status,
			payment_reference, failure_reason, payer_email, contributed_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.CampaignID, c.ContributorID, c.InvitationID, c.Amount, c.PaymentStatus,
		c.PaymentReference, c.FailureReason, c.PayerEmail, c.ContributedAt, c.ConfirmedAt,
	)
	if err != nil {
		return translate(err, "contribution insert failed")
	}
	return nil
}

func (q *pgQuerier) GetContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	return scanContribution(q.db.QueryRow(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE payment_reference = $1", reference))
}

func (q *pgQuerier) LockContributionByReference(ctx context.Context, reference string) (*domain.Contribution, error) {
	return scanContribution(q.db.QueryRow(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE payment_reference = $1 FOR UPDATE", reference))
}

func (q *pgQuerier) SettleContribution(ctx context.Context, c *domain.Contribution) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE contributions SET payment_status = $2, failure_reason = $3, payer_email = $4, confirmed_at = $5
		WHERE payment_reference = $1 AND payment_status = 'pending'`,
		c.PaymentReference, c.PaymentStatus, c.FailureReason, c.PayerEmail, c.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("contribution settle failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotApplied
	}
	return nil
}

func (q *pgQuerier) RecordLateConfirmation(ctx context.Context, reference, fromReason, payerEmail string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE contributions SET failure_reason = $3, payer_email = $4
		WHERE payment_reference = $1 AND payment_status = 'failed' AND failure_reason = $2`,
		reference, fromReason, domain.ReasonConfirmedAfterFailure, payerEmail,
	)
	if err != nil {
		return fmt.Errorf("contribution late confirmation failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotApplied
	}
	return nil
}

func (q *pgQuerier) ListContributions(ctx context.Context, campaignID string) ([]domain.Contribution, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE campaign_id = $1 ORDER BY contributed_at ASC, id ASC",
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contributions := []domain.Contribution{}
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		contributions = append(contributions, *c)
	}
	return contributions, rows.Err()
}

func (q *pgQuerier) SumCompleted(ctx context.Context, campaignID string) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var count int
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM contributions
		WHERE campaign_id = $1 AND payment_status = 'completed'`,
		campaignID,
	).Scan(&total, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

func (q *pgQuerier) AbandonPending(ctx context.Context, olderThan, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE contributions SET payment_status = 'failed', failure_reason = $2
		WHERE payment_status = 'pending' AND contributed_at < $1`,
		olderThan, domain.ReasonAbandoned,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *pgQuerier) GetReceipt(ctx context.Context, reference string) (*domain.Receipt, error) {
	var r domain.Receipt
	err := q.db.QueryRow(ctx,
		`SELECT ct.payment_reference, ct.id, c.id, c.title, ct.contributor_id,
			COALESCE(NULLIF(ct.payer_email, ''), i.invitee_email), ct.amount, c.currency,
			c.accrued_amount, c.target_amount, ct.confirmed_at
		FROM contributions ct
		JOIN campaigns c ON c.id = ct.campaign_id
		JOIN invitations i ON i.id = ct.invitation_id
		WHERE ct.payment_reference = $1 AND ct.payment_status = 'completed'`,
		reference,
	).Scan(&r.PaymentReference, &r.ContributionID, &r.CampaignID, &r.CampaignTitle, &r.ContributorID,
		&r.Destination, &r.Amount, &r.Currency, &r.CampaignAccrued, &r.CampaignTarget, &r.ConfirmedAt)
	if err != nil {
		return nil, scanErr(err)
	}
	return &r, nil
}

// scanErr maps a missing row, or an id that cannot name any row, to ErrNotFound.
func scanErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrNotFound
	}
	return err
}

// translate maps constraint violations onto store errors.
func translate(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrDuplicate)
		case "23503":
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
