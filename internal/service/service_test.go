package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/punchamoorthee/fundledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

const ownerID = "owner-1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVerifier struct {
	mu  sync.Mutex
	txs map[string]*gateway.Verification
}

func (f *fakeVerifier) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.txs[reference]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	return v, nil
}

func (f *fakeVerifier) paid(reference string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[reference] = &gateway.Verification{Reference: reference, Status: "success", Amount: amount, Currency: "NGN"}
}

type recordingEmitter struct {
	mu          sync.Mutex
	receipts    []string
	invitations []string
}

func (r *recordingEmitter) EmitReceipt(ctx context.Context, reference string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, reference)
}

func (r *recordingEmitter) EmitInvitation(ctx context.Context, inv *domain.Invitation, campaign *domain.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invitations = append(r.invitations, inv.ID)
}

type testEnv struct {
	store       *store.Memory
	verifier    *fakeVerifier
	emitter     *recordingEmitter
	campaigns   *CampaignService
	invitations *InvitationService
	ledger      *Ledger
	bridge      *Bridge
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemory())
}

func newTestEnvWithStore(t *testing.T, s store.Store) *testEnv {
	t.Helper()
	mem, _ := s.(*store.Memory)
	env := &testEnv{
		store:    mem,
		verifier: &fakeVerifier{txs: map[string]*gateway.Verification{}},
		emitter:  &recordingEmitter{},
	}
	fixed := func() time.Time { return t0 }

	env.campaigns = NewCampaignService(s, env.verifier, dec("5000"), "NGN", discard)
	env.campaigns.now = fixed
	env.invitations = NewInvitationService(s, env.emitter, discard)
	env.invitations.now = fixed
	env.ledger = NewLedger(s, env.invitations, discard)
	env.ledger.now = fixed
	env.bridge = NewBridge(env.ledger, env.campaigns, env.emitter, discard)
	return env
}

// activeCampaign creates an active campaign with target 100,000 and minimum
// 1,000 unless mutate says otherwise.
func (e *testEnv) activeCampaign(t *testing.T, mutate func(*domain.CampaignSpec)) *domain.Campaign {
	t.Helper()
	spec := domain.CampaignSpec{
		Title:           "Lekki Duplex",
		TargetAmount:    dec("100000"),
		MinContribution: dec("1000"),
		Deadline:        t0.Add(30 * 24 * time.Hour),
		FeeReference:    "FEE-" + uuid.NewString(),
	}
	if mutate != nil {
		mutate(&spec)
	}
	if spec.FeeReference != "" {
		e.verifier.paid(spec.FeeReference, dec("5000"))
	}
	c, err := e.campaigns.Create(context.Background(), ownerID, spec)
	require.NoError(t, err)
	return c
}

// admit invites userID to the campaign and accepts on their behalf.
func (e *testEnv) admit(t *testing.T, campaignID, userID string) *domain.Invitation {
	t.Helper()
	ctx := context.Background()
	inv, err := e.invitations.Invite(ctx, ownerID, campaignID, domain.InviteeRef{UserID: userID})
	require.NoError(t, err)
	inv, err = e.invitations.Respond(ctx, domain.Identity{UserID: userID}, inv.ID, domain.InvitationAccepted)
	require.NoError(t, err)
	return inv
}

// pledge initiates a contribution and fails the test on error.
func (e *testEnv) pledge(t *testing.T, campaignID, userID, amount string) *domain.Contribution {
	t.Helper()
	c, _, err := e.ledger.Initiate(context.Background(), campaignID, userID, dec(amount), "")
	require.NoError(t, err)
	return c
}

func (e *testEnv) campaign(t *testing.T, id string) *domain.Campaign {
	t.Helper()
	c, err := e.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}
