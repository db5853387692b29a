package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/fundledger/internal/auth"
	"github.com/punchamoorthee/fundledger/internal/domain"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/punchamoorthee/fundledger/internal/models"
	"github.com/punchamoorthee/fundledger/internal/service"
	"github.com/punchamoorthee/fundledger/internal/store"
)

const maxBodyBytes = 1 << 20

// Services bundles what the handlers call into.
type Services struct {
	Store         store.Store
	Campaigns     *service.CampaignService
	Invitations   *service.InvitationService
	Ledger        *service.Ledger
	Bridge        *service.Bridge
	Verifier      gateway.Verifier
	WebhookSecret string
}

type Handler struct {
	store         store.Store
	campaigns     *service.CampaignService
	invitations   *service.InvitationService
	ledger        *service.Ledger
	bridge        *service.Bridge
	verifier      gateway.Verifier
	webhookSecret string
	logger        *slog.Logger
}

func NewHandler(s Services, logger *slog.Logger) *Handler {
	return &Handler{
		store:         s.Store,
		campaigns:     s.Campaigns,
		invitations:   s.Invitations,
		ledger:        s.Ledger,
		bridge:        s.Bridge,
		verifier:      s.Verifier,
		webhookSecret: s.WebhookSecret,
		logger:        logger.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Campaigns

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), caller(r).UserID, req.Spec())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/campaigns/"+c.ID)
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := h.campaigns.List(r.Context(), caller(r).UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.UpdateMetadata(r.Context(), caller(r).UserID, mux.Vars(r)["id"], req.Patch())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	var req models.ActivateCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.campaigns.Activate(r.Context(), caller(r).UserID, mux.Vars(r)["id"], req.FeeReference)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Cancel(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *Handler) ReconcileCampaign(w http.ResponseWriter, r *http.Request) {
	rec, err := h.campaigns.Reconcile(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// Invitations

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	var req models.InviteRequest
	if !decode(w, r, &req) {
		return
	}
	ref := domain.InviteeRef{UserID: req.UserID, Email: req.Email, Phone: req.Phone}
	inv, err := h.invitations.Invite(r.Context(), caller(r).UserID, mux.Vars(r)["id"], ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, inv)
}

func (h *Handler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	list, err := h.invitations.List(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (h *Handler) RespondInvitation(w http.ResponseWriter, r *http.Request) {
	var req models.RespondRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := service.ParseDecision(req.Decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inv, err := h.invitations.Respond(r.Context(), caller(r), mux.Vars(r)["id"], decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, inv)
}

// Contributions

func (h *Handler) InitiateContribution(w http.ResponseWriter, r *http.Request) {
	// 1. Decode
	var req models.ContributionRequest
	if !decode(w, r, &req) {
		return
	}
	campaignID := mux.Vars(r)["id"]

	// 2. Initiate (the optional Idempotency-Key becomes the payment reference)
	c, replayed, err := h.ledger.Initiate(r.Context(), campaignID, caller(r).UserID, req.Amount, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// 3. Checkout details for the gateway
	campaign, err := h.campaigns.Get(r.Context(), campaignID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := models.ContributionResponse{
		Contribution: *c,
		Checkout: models.Checkout{
			Reference:   c.PaymentReference,
			AmountMinor: gateway.ToMinorUnits(c.Amount),
			Currency:    campaign.Currency,
			Metadata:    gateway.Metadata{Purpose: gateway.PurposeContribution, CampaignID: campaignID},
		},
		Replayed: replayed,
	}

	if replayed {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListContributions(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.List(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, list)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.ledger.Receipt(r.Context(), caller(r).UserID, mux.Vars(r)["reference"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, receipt)
}

// VerifyPayment backs the payment success page. Only the contributor and the
// campaign owner may look a reference up. A successful verification is
// applied through the same bridge as the webhook, so whichever arrives first
// confirms the contribution and the other is a duplicate.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reference := mux.Vars(r)["reference"]
	callerID := caller(r).UserID

	// 1. Access
	if _, err := h.ledger.Contribution(ctx, callerID, reference); err != nil {
		h.fail(w, r, err)
		return
	}

	// 2. Gateway lookup
	v, err := h.verifier.Verify(ctx, reference)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		respondWithError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "gateway verify failed", "reference", reference, "error", err)
		respondWithError(w, http.StatusBadGateway, "payment gateway unavailable")
		return
	}

	// 3. Apply through the bridge
	if v.Succeeded() {
		ev := gateway.ChargeSuccess{
			Reference:  v.Reference,
			Amount:     v.Amount,
			Currency:   v.Currency,
			PayerEmail: v.PayerEmail,
			Metadata:   gateway.Metadata{Purpose: gateway.PurposeContribution},
		}
		if err := h.bridge.HandleEvent(ctx, ev); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	resp := models.VerifyResponse{Verification: *v}
	if receipt, err := h.ledger.Receipt(ctx, callerID, reference); err == nil {
		resp.Receipt = receipt
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// fail maps service errors onto status codes. Anything outside the domain
// taxonomy is logged and reported as a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var capacity *domain.CapacityExceededError
	switch {
	case errors.As(err, &capacity):
		remaining := capacity.Remaining
		respondWithJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:             err.Error(),
			RemainingCapacity: &remaining,
		})
	case errors.Is(err, domain.ErrValidation):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		respondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal server error")
	}
}

func caller(r *http.Request) domain.Identity {
	id, _ := auth.IdentityFrom(r.Context())
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
