package api

import (
	"io"
	"net/http"

	"github.com/punchamoorthee/fundledger/internal/gateway"
)

// PaymentWebhook receives gateway notifications. The signature is checked
// against the raw body before anything is decoded. A 200 tells the gateway to
// stop retrying, so only infrastructure failures answer 500.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Read raw body
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	// 2. Authenticate
	if !gateway.VerifySignature(h.webhookSecret, body, r.Header.Get(gateway.SignatureHeader)) {
		h.logger.WarnContext(ctx, "webhook signature rejected", "remote", r.RemoteAddr)
		respondWithError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// 3. Decode
	ev, err := gateway.DecodeEvent(body)
	if err != nil {
		h.logger.WarnContext(ctx, "malformed webhook", "error", err)
		respondWithError(w, http.StatusBadRequest, "malformed event")
		return
	}
	h.logger.InfoContext(ctx, "webhook received", "kind", ev.Kind())

	// 4. Apply
	if err := h.bridge.HandleEvent(ctx, ev); err != nil {
		h.logger.ErrorContext(ctx, "webhook processing failed", "kind", ev.Kind(), "error", err)
		respondWithError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
