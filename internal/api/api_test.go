package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fundledger/internal/auth"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/punchamoorthee/fundledger/internal/models"
	"github.com/punchamoorthee/fundledger/internal/notify"
	"github.com/punchamoorthee/fundledger/internal/service"
	"github.com/punchamoorthee/fundledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "jwt-test-secret"
	webhookSecret = "sk_test_webhook"
	owner         = "owner-1"
	contributor   = "user-2"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubVerifier struct {
	mu    sync.Mutex
	txs   map[string]*gateway.Verification
	calls int
}

func (s *stubVerifier) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	v, ok := s.txs[reference]
	if !ok {
		return nil, gateway.ErrTransactionNotFound
	}
	return v, nil
}

func (s *stubVerifier) paid(reference string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[reference] = &gateway.Verification{Reference: reference, Status: "success", Amount: amount, Currency: "NGN", PayerEmail: "payer@example.com"}
}

type server struct {
	t        *testing.T
	router   http.Handler
	verifier *stubVerifier
}

func newServer(t *testing.T) *server {
	t.Helper()
	st := store.NewMemory()
	verifier := &stubVerifier{txs: map[string]*gateway.Verification{}}
	emitter := notify.NewEmitter(st, notify.NewLogChannel(discard), "http://localhost", discard)

	campaigns := service.NewCampaignService(st, verifier, dec("5000"), "NGN", discard)
	invitations := service.NewInvitationService(st, emitter, discard)
	ledger := service.NewLedger(st, invitations, discard)
	bridge := service.NewBridge(ledger, campaigns, emitter, discard)

	h := NewHandler(Services{
		Store:         st,
		Campaigns:     campaigns,
		Invitations:   invitations,
		Ledger:        ledger,
		Bridge:        bridge,
		Verifier:      verifier,
		WebhookSecret: webhookSecret,
	}, discard)
	return &server{t: t, router: NewRouter(h, auth.NewValidator(jwtSecret)), verifier: verifier}
}

func (s *server) do(method, path, userID string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := auth.Issue(jwtSecret, userID, userID+"@example.com", "", time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) webhook(payload string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(payload))
	req.Header.Set(gateway.SignatureHeader, gateway.Sign(webhookSecret, []byte(payload)))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func chargeSuccess(reference, campaignID string, minor int64) string {
	return fmt.Sprintf(`{"event":"charge.success","data":{"reference":%q,"amount":%d,"currency":"NGN",`+
		`"customer":{"email":"payer@example.com"},"metadata":{"purpose":"contribution","campaign_id":%q}}}`,
		reference, minor, campaignID)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// openCampaign creates an active campaign and admits the contributor.
func (s *server) openCampaign(target string) domain.Campaign {
	s.t.Helper()
	fee := "FEE-" + uuid.NewString()
	s.verifier.paid(fee, dec("5000"))

	w := s.do(http.MethodPost, "/api/v1/campaigns", owner, map[string]any{
		"title":            "Lekki Duplex",
		"target_amount":    target,
		"min_contribution": "1000",
		"deadline":         time.Now().Add(30 * 24 * time.Hour),
		"fee_reference":    fee,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	c := decodeBody[domain.Campaign](s.t, w)
	require.Equal(s.t, domain.CampaignActive, c.Status)

	w = s.do(http.MethodPost, "/api/v1/campaigns/"+c.ID+"/invitations", owner, models.InviteRequest{UserID: contributor})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	inv := decodeBody[domain.Invitation](s.t, w)

	w = s.do(http.MethodPost, "/api/v1/invitations/"+inv.ID+"/response", contributor, models.RespondRequest{Decision: "accept"})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	return c
}

func TestHealthAndAuth(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/campaigns", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/campaigns", owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestContributionLifecycle(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("100000")
	path := "/api/v1/campaigns/" + c.ID + "/contributions"

	// 1. Initiate with a client key
	w := s.do(http.MethodPost, path, contributor, map[string]any{"amount": "1500.50"}, "Idempotency-Key", "REF-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody[models.ContributionResponse](t, w)
	assert.Equal(t, "REF-1", resp.Checkout.Reference)
	assert.Equal(t, int64(150050), resp.Checkout.AmountMinor)
	assert.Equal(t, c.ID, resp.Checkout.Metadata.CampaignID)
	assert.Equal(t, domain.PaymentPending, resp.Contribution.PaymentStatus)
	assert.False(t, resp.Replayed)

	// 2. Retrying the same request replays it
	w = s.do(http.MethodPost, path, contributor, map[string]any{"amount": "1500.50"}, "Idempotency-Key", "REF-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decodeBody[models.ContributionResponse](t, w)
	assert.True(t, replay.Replayed)
	assert.Equal(t, resp.Contribution.ID, replay.Contribution.ID)

	// 3. Confirm via webhook, twice
	for i := 0; i < 2; i++ {
		w = s.webhook(chargeSuccess("REF-1", c.ID, 150050))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	// 4. Receipt and totals
	w = s.do(http.MethodGet, "/api/v1/receipts/REF-1", contributor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := decodeBody[domain.Receipt](t, w)
	assert.True(t, dec("1500.50").Equal(receipt.Amount))
	assert.True(t, dec("1500.50").Equal(receipt.CampaignAccrued))

	w = s.do(http.MethodGet, "/api/v1/campaigns/"+c.ID+"/reconciliation", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decodeBody[domain.Reconciliation](t, w)
	assert.True(t, rec.Balanced)
	assert.Equal(t, 1, rec.CompletedCount)

	w = s.do(http.MethodGet, path, owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]domain.Contribution](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, domain.PaymentCompleted, list[0].PaymentStatus)

	// Strangers see neither the receipt nor the list.
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/v1/receipts/REF-1", "stranger", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "stranger", nil).Code)
}

func TestCapacityErrorCarriesRemaining(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("10000")
	path := "/api/v1/campaigns/" + c.ID + "/contributions"

	w := s.do(http.MethodPost, path, contributor, map[string]any{"amount": "8000"}, "Idempotency-Key", "REF-A")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, http.StatusOK, s.webhook(chargeSuccess("REF-A", c.ID, 800000)).Code)

	w = s.do(http.MethodPost, path, contributor, map[string]any{"amount": "3000"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	body := decodeBody[models.ErrorResponse](t, w)
	require.NotNil(t, body.RemainingCapacity)
	assert.True(t, dec("2000").Equal(*body.RemainingCapacity))
}

func TestErrorMapping(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("100000")

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/v1/campaigns", owner, "{not json", http.StatusBadRequest},
		{"invalid campaign", http.MethodPost, "/api/v1/campaigns", owner, map[string]any{"title": "x", "target_amount": "0"}, http.StatusUnprocessableEntity},
		{"unknown campaign", http.MethodGet, "/api/v1/campaigns/" + uuid.NewString(), owner, nil, http.StatusNotFound},
		{"cancel by stranger", http.MethodPost, "/api/v1/campaigns/" + c.ID + "/cancel", "stranger", nil, http.StatusForbidden},
		{"contribute without invitation", http.MethodPost, "/api/v1/campaigns/" + c.ID + "/contributions", "stranger", map[string]any{"amount": "1000"}, http.StatusForbidden},
		{"below minimum", http.MethodPost, "/api/v1/campaigns/" + c.ID + "/contributions", contributor, map[string]any{"amount": "999.99"}, http.StatusUnprocessableEntity},
		{"bad decision", http.MethodPost, "/api/v1/invitations/" + uuid.NewString() + "/response", contributor, models.RespondRequest{Decision: "maybe"}, http.StatusUnprocessableEntity},
		{"activate active campaign", http.MethodPost, "/api/v1/campaigns/" + c.ID + "/activate", owner, models.ActivateCampaignRequest{FeeReference: "FEE-X"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestCancelBlocksContributions(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("100000")

	w := s.do(http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.CampaignCancelled, decodeBody[domain.Campaign](t, w).Status)

	w = s.do(http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contributions", contributor, map[string]any{"amount": "1000"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestPaymentWebhookRejects(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(chargeSuccess("R", "C", 100)))
	req.Header.Set(gateway.SignatureHeader, "deadbeef")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusBadRequest, s.webhook(`{"data":{}}`).Code)

	// Unknown kinds and unknown references are acknowledged.
	assert.Equal(t, http.StatusOK, s.webhook(`{"event":"transfer.success","data":{}}`).Code)
	assert.Equal(t, http.StatusOK, s.webhook(chargeSuccess("NOPE", uuid.NewString(), 100000)).Code)
}

func TestVerifyPaymentConfirms(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("100000")

	w := s.do(http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contributions", contributor, map[string]any{"amount": "2500"}, "Idempotency-Key", "REF-V")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	s.verifier.paid("REF-V", dec("2500"))

	w = s.do(http.MethodGet, "/api/v1/payments/REF-V/verify", contributor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[models.VerifyResponse](t, w)
	assert.True(t, resp.Verification.Succeeded())
	require.NotNil(t, resp.Receipt)
	assert.True(t, dec("2500").Equal(resp.Receipt.Amount))

	// The webhook arriving afterwards is a duplicate.
	require.Equal(t, http.StatusOK, s.webhook(chargeSuccess("REF-V", c.ID, 250000)).Code)
	w = s.do(http.MethodGet, "/api/v1/campaigns/"+c.ID, owner, nil)
	assert.True(t, dec("2500").Equal(decodeBody[domain.Campaign](t, w).AccruedAmount))

	w = s.do(http.MethodGet, "/api/v1/payments/UNKNOWN/verify", contributor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVerifyPaymentAccess(t *testing.T) {
	s := newServer(t)
	c := s.openCampaign("100000")

	w := s.do(http.MethodPost, "/api/v1/campaigns/"+c.ID+"/contributions", contributor, map[string]any{"amount": "2500"}, "Idempotency-Key", "REF-A")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Gateway has no record yet.
	w = s.do(http.MethodGet, "/api/v1/payments/REF-A/verify", contributor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	s.verifier.paid("REF-A", dec("2500"))

	// Strangers learn nothing and the gateway is never asked.
	calls := s.verifier.calls
	w = s.do(http.MethodGet, "/api/v1/payments/REF-A/verify", "stranger", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "payment not found", decodeBody[models.ErrorResponse](t, w).Error)
	assert.Equal(t, calls, s.verifier.calls)

	w = s.do(http.MethodGet, "/api/v1/campaigns/"+c.ID, owner, nil)
	assert.True(t, decodeBody[domain.Campaign](t, w).AccruedAmount.IsZero())

	// The campaign owner may verify on the contributor's behalf.
	w = s.do(http.MethodGet, "/api/v1/payments/REF-A/verify", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, calls+1, s.verifier.calls)
	w = s.do(http.MethodGet, "/api/v1/campaigns/"+c.ID, owner, nil)
	assert.True(t, dec("2500").Equal(decodeBody[domain.Campaign](t, w).AccruedAmount))
}
